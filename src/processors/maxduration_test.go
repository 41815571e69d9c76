package processors

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-ai/src/frames"
)

func TestMaxDurationProcessor_FiresOnceAfterLimit(t *testing.T) {
	var fired int32
	p := NewMaxDurationProcessor(10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	require.NoError(t, p.HandleFrame(context.Background(), frames.NewStartFrame(), frames.Downstream))
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.HandleFrame(context.Background(), frames.NewHeartbeatFrame(), frames.Downstream))
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestMaxDurationProcessor_DoesNotFireBeforeLimit(t *testing.T) {
	var fired int32
	p := NewMaxDurationProcessor(time.Hour, func() {
		atomic.AddInt32(&fired, 1)
	})

	require.NoError(t, p.HandleFrame(context.Background(), frames.NewStartFrame(), frames.Downstream))
	require.NoError(t, p.HandleFrame(context.Background(), frames.NewHeartbeatFrame(), frames.Downstream))

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestMaxDurationProcessor_DefaultsWhenLimitNonPositive(t *testing.T) {
	p := NewMaxDurationProcessor(0, func() {})
	assert.Equal(t, defaultMaxDuration, p.limit)
}
