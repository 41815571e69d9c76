package processors

import (
	"context"
	"sync"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/logger"
)

// ServiceUsage accumulates what one named service (an STT/LLM/TTS vendor
// string) has processed over the life of a call.
type ServiceUsage struct {
	Tokens  int
	Seconds float64
}

// MetricsAggregator observes frames.MetricsFrame as it flows through the
// chain and accumulates per-service usage, same shape as FrameLogger: a
// processor whose only job is watching, never transforming (spec §4.F,
// §4.G's "metrics_aggregator" chain position).
type MetricsAggregator struct {
	*BaseProcessor

	mu    sync.Mutex
	usage map[string]*ServiceUsage
}

// NewMetricsAggregator creates an aggregator with an empty usage table.
func NewMetricsAggregator() *MetricsAggregator {
	m := &MetricsAggregator{usage: make(map[string]*ServiceUsage)}
	m.BaseProcessor = NewBaseProcessor("MetricsAggregator", m)
	return m
}

func (m *MetricsAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if mf, ok := frame.(*frames.MetricsFrame); ok {
		m.mu.Lock()
		u, exists := m.usage[mf.Service]
		if !exists {
			u = &ServiceUsage{}
			m.usage[mf.Service] = u
		}
		u.Tokens += mf.Tokens
		u.Seconds += mf.Seconds
		m.mu.Unlock()
		logger.Debug("[MetricsAggregator] %s: +%d tokens, +%.2fs (running totals: %d tokens, %.2fs)",
			mf.Service, mf.Tokens, mf.Seconds, u.Tokens, u.Seconds)
	}
	return m.PushFrame(frame, direction)
}

// Snapshot returns a copy of the current per-service usage table, which
// the assembler stores as the run's usage record at call end (§4.G).
func (m *MetricsAggregator) Snapshot() map[string]ServiceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServiceUsage, len(m.usage))
	for k, v := range m.usage {
		out[k] = *v
	}
	return out
}
