package processors

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/logger"
)

const defaultUserIdleTimeout = 10 * time.Second

// UserIdleProcessor is a cooperative per-call timer reset on any user
// speech frame. First expiry fires onIdle(1) (a retry prompt, handled by
// whatever owns onIdle — the engine); second expiry fires onIdle(2)
// (terminal) and the processor stops timing (spec §4.F "User idle").
type UserIdleProcessor struct {
	*BaseProcessor

	timeout time.Duration
	onIdle  func(stage int)

	mu     sync.Mutex
	stage  int
	reset  chan struct{}
	cancel context.CancelFunc
}

// NewUserIdleProcessor creates an idle timer. timeout <= 0 uses the 10s
// default. onIdle must not be nil.
func NewUserIdleProcessor(timeout time.Duration, onIdle func(stage int)) *UserIdleProcessor {
	if timeout <= 0 {
		timeout = defaultUserIdleTimeout
	}
	p := &UserIdleProcessor{
		timeout: timeout,
		onIdle:  onIdle,
		reset:   make(chan struct{}, 1),
	}
	p.BaseProcessor = NewBaseProcessor("UserIdleProcessor", p)
	return p
}

func (p *UserIdleProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch frame.(type) {
	case *frames.StartFrame:
		p.start(ctx)
	case *frames.UserStartedSpeakingFrame:
		p.Reset()
	case *frames.TranscriptionFrame:
		p.Reset()
	}
	return p.PushFrame(frame, direction)
}

// Reset marks the user as active, restarting the timer and clearing stage.
func (p *UserIdleProcessor) Reset() {
	p.mu.Lock()
	p.stage = 0
	p.mu.Unlock()
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

func (p *UserIdleProcessor) start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx)
}

func (p *UserIdleProcessor) run(ctx context.Context) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.timeout)

		case <-timer.C:
			p.mu.Lock()
			p.stage++
			stage := p.stage
			p.mu.Unlock()

			logger.Info("[UserIdleProcessor] idle expiry, stage=%d", stage)
			p.onIdle(stage)

			if stage >= 2 {
				return
			}
			timer.Reset(p.timeout)
		}
	}
}
