package engine

import (
	"time"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/logger"
)

// SendEndTaskFrame terminates the call with a disposition (spec §4.E.1,
// §4.E.6). Idempotent: calls after the first are no-ops (spec §8).
func (e *Engine) SendEndTaskFrame(reason string, abortImmediately bool) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.ended = true
	disconnectedBeforeEngine := e.disconnectedBeforeEngine
	elapsed := time.Since(e.callStart)
	e.mu.Unlock()

	disposition := e.computeDisposition(reason, disconnectedBeforeEngine, elapsed)

	e.gathered.mu.Lock()
	e.gathered.CallDisposition = disposition
	mapped := e.dispMapper.Map(e.tenantID, disposition)
	e.gathered.MappedCallDisposition = mapped
	e.gathered.mu.Unlock()

	snapshot := e.gathered.snapshot()
	logger.Info("[Engine] ending call: reason=%s disposition=%s mapped=%s abort=%v", reason, disposition, mapped, abortImmediately)

	if e.onEndTask != nil {
		e.onEndTask(disposition, abortImmediately, snapshot)
	}

	if abortImmediately {
		e.PushFrame(frames.NewCancelFrame(), frames.Downstream)
	} else {
		e.PushFrame(frames.NewEndFrame(), frames.Downstream)
	}
}

// computeDisposition implements the priority chain of spec §4.E.6:
// gathered_context.call_disposition, then the reason argument, then UNKNOWN
// — unless the client disconnected before the engine itself initiated
// termination, in which case the short/long-call split overrides everything
// (USER_HANGUP under 10s, NIBP at or past it).
func (e *Engine) computeDisposition(reason string, disconnectedBeforeEngine bool, elapsed time.Duration) string {
	if disconnectedBeforeEngine {
		if elapsed < 10*time.Second {
			return "USER_HANGUP"
		}
		return "NIBP"
	}

	snap := e.gathered.snapshot()
	if snap.CallDisposition != "" {
		return snap.CallDisposition
	}
	if reason != "" {
		return reason
	}
	return "UNKNOWN"
}
