package processors

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-ai/src/frames"
)

const defaultMaxDuration = 300 * time.Second

// MaxDurationProcessor checks elapsed wall time against a per-workflow
// limit on every HeartbeatFrame. Fires onExceed exactly once; subsequent
// heartbeats are ignored even under heartbeat spam (spec §4.F "Max
// duration", §8 boundary behavior).
type MaxDurationProcessor struct {
	*BaseProcessor

	limit    time.Duration
	onExceed func()

	mu    sync.Mutex
	start time.Time
	fired bool
}

// NewMaxDurationProcessor creates a processor with limit <= 0 defaulting
// to 300s. onExceed must not be nil.
func NewMaxDurationProcessor(limit time.Duration, onExceed func()) *MaxDurationProcessor {
	if limit <= 0 {
		limit = defaultMaxDuration
	}
	p := &MaxDurationProcessor{limit: limit, onExceed: onExceed}
	p.BaseProcessor = NewBaseProcessor("MaxDurationProcessor", p)
	return p
}

func (p *MaxDurationProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch frame.(type) {
	case *frames.StartFrame:
		p.mu.Lock()
		if p.start.IsZero() {
			p.start = time.Now()
		}
		p.mu.Unlock()

	case *frames.HeartbeatFrame:
		p.mu.Lock()
		exceeded := !p.fired && !p.start.IsZero() && time.Since(p.start) >= p.limit
		if exceeded {
			p.fired = true
		}
		p.mu.Unlock()
		if exceeded {
			p.onExceed()
		}
	}
	return p.PushFrame(frame, direction)
}
