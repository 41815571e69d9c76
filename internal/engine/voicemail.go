package engine

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/logger"
	"github.com/square-key-labs/strawgo-ai/src/processors"
)

// VoicemailClassifier asks a remote LLM whether a transcript sounds like a
// voicemail greeting (spec §4.E.5 step b).
type VoicemailClassifier interface {
	Classify(ctx context.Context, transcript string) (isVoicemail bool, confidence float64, reasoning string, err error)
}

// Transcriber turns raw PCM captured by the detector's audio tap into text
// (spec §4.E.5 step a) — typically the same STT vendor the call already uses.
type Transcriber func(ctx context.Context, pcm []byte, sampleRate int) (string, error)

const defaultVoicemailDetectionSeconds = 5

// VoicemailDetector is an audio tap independent of VAD: once armed it
// collects inbound audio into a bounded buffer for up to its configured
// duration, then transcribes and classifies it. It sits early in the
// pipeline (right after the transport input, or after the debug frame
// logger when one is inserted) so every call's chain
// includes it, but it stays inert (pure passthrough) until Arm is called.
type VoicemailDetector struct {
	*processors.BaseProcessor

	mu         sync.Mutex
	armed      bool
	deadline   time.Time
	buf        []byte
	sampleRate int
	onResult   func(isVoicemail bool, confidence float64, transcript string)

	transcribe Transcriber
	classifier VoicemailClassifier
}

// NewVoicemailDetector constructs a detector. transcribe or classifier may
// legitimately be exercised by different vendors per tenant; both are
// required for Arm to produce a result — a nil of either degrades Arm to a
// no-op (logged), never a panic.
func NewVoicemailDetector(transcribe Transcriber, classifier VoicemailClassifier) *VoicemailDetector {
	d := &VoicemailDetector{transcribe: transcribe, classifier: classifier}
	d.BaseProcessor = processors.NewBaseProcessor("VoicemailDetector", d)
	return d
}

// Arm starts the detection window. onResult is invoked at most once, either
// when duration elapses or the call disconnects first.
func (d *VoicemailDetector) Arm(duration time.Duration, onResult func(isVoicemail bool, confidence float64, transcript string)) {
	if duration <= 0 {
		duration = defaultVoicemailDetectionSeconds * time.Second
	}
	d.mu.Lock()
	d.armed = true
	d.deadline = time.Now().Add(duration)
	d.buf = d.buf[:0]
	d.onResult = onResult
	d.mu.Unlock()
}

func (d *VoicemailDetector) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		d.mu.Lock()
		armed := d.armed
		expired := armed && time.Now().After(d.deadline)
		if armed && !expired {
			d.buf = append(d.buf, f.Data...)
			d.sampleRate = f.SampleRate
		}
		d.mu.Unlock()
		if expired {
			d.finish(ctx)
		}
		return d.PushFrame(frame, direction)

	case *frames.ClientDisconnectedFrame:
		d.mu.Lock()
		armed := d.armed
		d.mu.Unlock()
		if armed {
			d.finish(ctx)
		}
		return d.PushFrame(frame, direction)

	default:
		return d.PushFrame(frame, direction)
	}
}

func (d *VoicemailDetector) finish(ctx context.Context) {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	buf := append([]byte(nil), d.buf...)
	sampleRate := d.sampleRate
	onResult := d.onResult
	d.mu.Unlock()

	if d.transcribe == nil || d.classifier == nil || onResult == nil {
		logger.Warn("[VoicemailDetector] armed without transcriber/classifier/callback, skipping")
		return
	}

	transcript, err := d.transcribe(ctx, buf, sampleRate)
	if err != nil {
		logger.Error("[VoicemailDetector] transcription failed: %v", err)
		return
	}

	isVoicemail, confidence, reasoning, err := d.classifier.Classify(ctx, transcript)
	if err != nil {
		logger.Error("[VoicemailDetector] classification failed: %v", err)
		return
	}
	logger.Info("[VoicemailDetector] is_voicemail=%v confidence=%.2f reasoning=%q", isVoicemail, confidence, reasoning)
	onResult(isVoicemail, confidence, transcript)
}

// WithVoicemailDetector attaches the detector the assembler wired early in
// the chain so start nodes with detect_voicemail=true can arm it.
func (e *Engine) WithVoicemailDetector(d *VoicemailDetector) *Engine {
	e.mu.Lock()
	e.detector = d
	e.mu.Unlock()
	return e
}

func (e *Engine) startVoicemailDetection(node *Node) {
	e.mu.Lock()
	d := e.detector
	e.mu.Unlock()
	if d == nil {
		logger.Warn("[Engine] node %s requests voicemail detection but no detector is wired", node.ID)
		return
	}

	duration := defaultVoicemailDetectionSeconds * time.Second
	d.Arm(duration, func(isVoicemail bool, confidence float64, transcript string) {
		if !isVoicemail {
			return
		}
		e.gathered.mu.Lock()
		e.gathered.VoicemailTranscript = transcript
		e.gathered.VoicemailConfidence = confidence
		e.gathered.mu.Unlock()
		e.gathered.addTags("voicemail_detected", "not_connected")
		e.SendEndTaskFrame("VOICEMAIL_DETECTED", true)
	})
}
