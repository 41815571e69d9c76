package frames

// DataFrame is the base for frames carrying payload (audio, text, transcripts).
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// AudioFrame carries raw PCM audio (or codec-tagged audio via metadata
// set by the emitter, e.g. SetMetadata("codec", "mulaw")).
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("AudioFrame")},
		Data:      data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// TTSAudioFrame carries synthesized speech audio from a TTS service.
type TTSAudioFrame struct {
	*AudioFrame
}

func NewTTSAudioFrame(data []byte, sampleRate, channels int) *TTSAudioFrame {
	f := &TTSAudioFrame{AudioFrame: NewAudioFrame(data, sampleRate, channels)}
	f.BaseFrame = NewBaseFrame("TTSAudioFrame")
	return f
}

// TextFrame carries a chunk of plain text, e.g. an LLM streaming token
// destined for TTS.
type TextFrame struct {
	*DataFrame
	Text string
}

func NewTextFrame(text string) *TextFrame {
	return &TextFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("TextFrame")},
		Text:      text,
	}
}

// LLMTextFrame carries a raw LLM-generated text token, used as the
// "ground truth" accumulator for assistant-aggregation repair (see
// processors/aggregators.CorrectAggregation).
type LLMTextFrame struct {
	*DataFrame
	Text string
}

func NewLLMTextFrame(text string) *LLMTextFrame {
	return &LLMTextFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("LLMTextFrame")},
		Text:      text,
	}
}

// TranscriptionFrame carries an STT result, interim or final.
type TranscriptionFrame struct {
	*DataFrame
	Text    string
	IsFinal bool
}

func NewTranscriptionFrame(text string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("TranscriptionFrame")},
		Text:      text,
		IsFinal:   isFinal,
	}
}

// LLMContextFrame carries a *services.LLMContext (boxed as interface{} to
// avoid an import cycle between frames and services). Pushed downstream to
// trigger an LLM generation, or upstream to re-trigger one after a tool
// result (see aggregators.LLMAssistantAggregator).
type LLMContextFrame struct {
	*ControlFrame
	Context interface{}
}

func NewLLMContextFrame(context interface{}) *LLMContextFrame {
	return &LLMContextFrame{
		ControlFrame: &ControlFrame{BaseFrame: NewBaseFrame("LLMContextFrame")},
		Context:      context,
	}
}

// LLMMessagesAppendFrame appends messages ([]services.LLMMessage boxed as
// interface{}) to the live context, optionally re-triggering generation.
type LLMMessagesAppendFrame struct {
	*ControlFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesAppendFrame(messages interface{}, runLLM bool) *LLMMessagesAppendFrame {
	return &LLMMessagesAppendFrame{
		ControlFrame: &ControlFrame{BaseFrame: NewBaseFrame("LLMMessagesAppendFrame")},
		Messages:     messages,
		RunLLM:       runLLM,
	}
}

// LLMMessagesUpdateFrame replaces the live context's messages wholesale —
// used by the workflow engine on node transition to swap the system
// message and tool schema in one atomic step (spec §4.E.3 step 5).
type LLMMessagesUpdateFrame struct {
	*ControlFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesUpdateFrame(messages interface{}, runLLM bool) *LLMMessagesUpdateFrame {
	return &LLMMessagesUpdateFrame{
		ControlFrame: &ControlFrame{BaseFrame: NewBaseFrame("LLMMessagesUpdateFrame")},
		Messages:     messages,
		RunLLM:       runLLM,
	}
}

// FunctionCallStartedInfo names one call within a FunctionCallsStartedFrame.
type FunctionCallStartedInfo struct {
	ToolCallID   string
	FunctionName string
}

// FunctionCallsStartedFrame announces that the LLM emitted one or more
// tool calls in a single response; the assistant aggregator uses it to
// track in-flight calls (spec §4.E.3 "parallel tool calls").
type FunctionCallsStartedFrame struct {
	*ControlFrame
	FunctionCalls []FunctionCallStartedInfo
}

func NewFunctionCallsStartedFrame(calls []FunctionCallStartedInfo) *FunctionCallsStartedFrame {
	return &FunctionCallsStartedFrame{
		ControlFrame:  &ControlFrame{BaseFrame: NewBaseFrame("FunctionCallsStartedFrame")},
		FunctionCalls: calls,
	}
}

// FunctionCallInProgressFrame marks one tool call as dispatched to its
// handler. CancelOnInterruption controls whether an InterruptionFrame
// should mark this call CANCELLED instead of waiting for its result.
type FunctionCallInProgressFrame struct {
	*ControlFrame
	FunctionName         string
	ToolCallID           string
	Arguments            interface{}
	CancelOnInterruption bool
}

func NewFunctionCallInProgressFrame(name, toolCallID string, args interface{}, cancelOnInterruption bool) *FunctionCallInProgressFrame {
	return &FunctionCallInProgressFrame{
		ControlFrame:         &ControlFrame{BaseFrame: NewBaseFrame("FunctionCallInProgressFrame")},
		FunctionName:         name,
		ToolCallID:           toolCallID,
		Arguments:            args,
		CancelOnInterruption: cancelOnInterruption,
	}
}

// FunctionCallResultFrame carries a tool's result back into context.
// RunLLM overrides whether the result should trigger another generation;
// nil means "default to true unless other calls are still in progress"
// (spec §4.E.3).
type FunctionCallResultFrame struct {
	*ControlFrame
	FunctionName string
	ToolCallID   string
	Result       interface{}
	RunLLM       *bool

	// OnContextUpdated, when set, is invoked by the aggregator that owns
	// context mutation (LLMAssistantAggregator) immediately after it has
	// written this result into the live LLMContext, before the RunLLM
	// decision is acted on. The workflow engine uses this to sequence a
	// node transition strictly after its tool-call result lands in context
	// (spec §4.E.3 steps 3-4).
	OnContextUpdated func()
}

func NewFunctionCallResultFrame(name, toolCallID string, result interface{}, runLLM *bool) *FunctionCallResultFrame {
	return &FunctionCallResultFrame{
		ControlFrame: &ControlFrame{BaseFrame: NewBaseFrame("FunctionCallResultFrame")},
		FunctionName: name,
		ToolCallID:   toolCallID,
		Result:       result,
		RunLLM:       runLLM,
	}
}

// FunctionCallCancelFrame cancels an in-progress tool call, e.g. on
// InterruptionFrame when CancelOnInterruption was set.
type FunctionCallCancelFrame struct {
	*ControlFrame
	FunctionName string
	ToolCallID   string
}

func NewFunctionCallCancelFrame(name, toolCallID string) *FunctionCallCancelFrame {
	return &FunctionCallCancelFrame{
		ControlFrame: &ControlFrame{BaseFrame: NewBaseFrame("FunctionCallCancelFrame")},
		FunctionName: name,
		ToolCallID:   toolCallID,
	}
}

// InterruptionTaskFrame travels upstream from a processor (user aggregator,
// output transport) to the PipelineTask, which converts it into a single
// InterruptionFrame broadcast downstream to every processor (pipeline/task.go).
type InterruptionTaskFrame struct {
	*SystemFrame
}

func NewInterruptionTaskFrame() *InterruptionTaskFrame {
	return &InterruptionTaskFrame{
		SystemFrame: &SystemFrame{BaseFrame: NewBaseFrame("InterruptionTaskFrame")},
	}
}

// ClientConnectedFrame signals a transport accepted a new connection.
type ClientConnectedFrame struct {
	*SystemFrame
}

func NewClientConnectedFrame() *ClientConnectedFrame {
	return &ClientConnectedFrame{
		SystemFrame: &SystemFrame{BaseFrame: NewBaseFrame("ClientConnectedFrame")},
	}
}

// ClientDisconnectedFrame signals a transport's connection closed, carrying
// a reason when the transport/vendor provided one.
type ClientDisconnectedFrame struct {
	*SystemFrame
	Reason string
}

func NewClientDisconnectedFrame(reason string) *ClientDisconnectedFrame {
	return &ClientDisconnectedFrame{
		SystemFrame: &SystemFrame{BaseFrame: NewBaseFrame("ClientDisconnectedFrame")},
		Reason:      reason,
	}
}

// MetricsFrame carries a point-in-time usage measurement for one service
// (STT/LLM/TTS) — tokens or audio seconds processed (spec §4.F).
type MetricsFrame struct {
	*ControlFrame
	Service string
	Tokens  int
	Seconds float64
}

func NewMetricsFrame(service string, tokens int, seconds float64) *MetricsFrame {
	return &MetricsFrame{
		ControlFrame: &ControlFrame{BaseFrame: NewBaseFrame("MetricsFrame")},
		Service:      service,
		Tokens:       tokens,
		Seconds:      seconds,
	}
}

// DTMFFrame carries a single detected/sent DTMF digit.
type DTMFFrame struct {
	*DataFrame
	Digit string
}

func NewDTMFFrame(digit string) *DTMFFrame {
	return &DTMFFrame{
		DataFrame: &DataFrame{BaseFrame: NewBaseFrame("DTMFFrame")},
		Digit:     digit,
	}
}
