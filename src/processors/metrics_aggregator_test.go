package processors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-ai/src/frames"
)

func TestMetricsAggregator_AccumulatesPerService(t *testing.T) {
	m := NewMetricsAggregator()

	require.NoError(t, m.HandleFrame(context.Background(), frames.NewMetricsFrame("openai-llm", 100, 1.5), frames.Downstream))
	require.NoError(t, m.HandleFrame(context.Background(), frames.NewMetricsFrame("openai-llm", 50, 0.5), frames.Downstream))
	require.NoError(t, m.HandleFrame(context.Background(), frames.NewMetricsFrame("cartesia-tts", 0, 2.0), frames.Downstream))

	snap := m.Snapshot()
	require.Contains(t, snap, "openai-llm")
	require.Contains(t, snap, "cartesia-tts")

	assert.Equal(t, 150, snap["openai-llm"].Tokens)
	assert.InDelta(t, 2.0, snap["openai-llm"].Seconds, 0.001)
	assert.Equal(t, 0, snap["cartesia-tts"].Tokens)
	assert.InDelta(t, 2.0, snap["cartesia-tts"].Seconds, 0.001)
}

func TestMetricsAggregator_IgnoresUnrelatedFrames(t *testing.T) {
	m := NewMetricsAggregator()

	require.NoError(t, m.HandleFrame(context.Background(), frames.NewStartFrame(), frames.Downstream))

	assert.Empty(t, m.Snapshot())
}

func TestMetricsAggregator_SnapshotIsACopy(t *testing.T) {
	m := NewMetricsAggregator()
	require.NoError(t, m.HandleFrame(context.Background(), frames.NewMetricsFrame("svc", 10, 1), frames.Downstream))

	snap := m.Snapshot()
	entry := snap["svc"]
	entry.Tokens = 9999

	assert.Equal(t, 10, m.Snapshot()["svc"].Tokens)
}
