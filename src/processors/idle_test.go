package processors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-ai/src/frames"
)

type idleStageRecorder struct {
	mu     sync.Mutex
	stages []int
}

func (r *idleStageRecorder) record(stage int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *idleStageRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.stages))
	copy(out, r.stages)
	return out
}

func TestUserIdleProcessor_FiresRetryThenTerminal(t *testing.T) {
	rec := &idleStageRecorder{}
	p := NewUserIdleProcessor(20*time.Millisecond, rec.record)

	require.NoError(t, p.HandleFrame(context.Background(), frames.NewStartFrame(), frames.Downstream))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int{1, 2}, rec.snapshot())
}

func TestUserIdleProcessor_ResetPreventsExpiry(t *testing.T) {
	rec := &idleStageRecorder{}
	p := NewUserIdleProcessor(30*time.Millisecond, rec.record)

	require.NoError(t, p.HandleFrame(context.Background(), frames.NewStartFrame(), frames.Downstream))

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, p.HandleFrame(context.Background(), frames.NewUserStartedSpeakingFrame(), frames.Downstream))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Empty(t, rec.snapshot())
}

func TestUserIdleProcessor_TranscriptionResetsStage(t *testing.T) {
	rec := &idleStageRecorder{}
	p := NewUserIdleProcessor(15*time.Millisecond, rec.record)

	require.NoError(t, p.HandleFrame(context.Background(), frames.NewStartFrame(), frames.Downstream))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.HandleFrame(context.Background(), frames.NewTranscriptionFrame("hello", true), frames.Downstream))

	p.mu.Lock()
	stage := p.stage
	p.mu.Unlock()
	assert.Equal(t, 0, stage)
}
