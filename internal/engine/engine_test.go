package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/processors"
	"github.com/square-key-labs/strawgo-ai/src/services"
)

// recordingSink is a bare FrameProcessor that records every frame pushed to
// it instead of running the BaseProcessor goroutine pair, so tests can drive
// Engine.HandleFrame synchronously and inspect what it pushed.
type recordingSink struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (s *recordingSink) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	return nil
}
func (s *recordingSink) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}
func (s *recordingSink) PushFrame(frame frames.Frame, direction frames.FrameDirection) error { return nil }
func (s *recordingSink) Link(next processors.FrameProcessor)                                 {}
func (s *recordingSink) SetPrev(prev processors.FrameProcessor)                               {}
func (s *recordingSink) Start(ctx context.Context) error                                      { return nil }
func (s *recordingSink) Stop() error                                                           { return nil }
func (s *recordingSink) Name() string                                                          { return "sink" }

func (s *recordingSink) last() frames.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *recordingSink) contextFrames() []*frames.LLMContextFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*frames.LLMContextFrame
	for _, f := range s.frames {
		if cf, ok := f.(*frames.LLMContextFrame); ok {
			out = append(out, cf)
		}
	}
	return out
}

func twoNodeGraph() *WorkflowGraph {
	g := NewWorkflowGraph()
	g.AddNode(&Node{ID: "start", Name: "Start", PromptTemplate: "You are a helpful assistant. Greet the caller.", IsStart: true})
	g.AddNode(&Node{ID: "end", Name: "End", PromptTemplate: "Say goodbye and hang up.", IsEnd: true})
	g.Edges = append(g.Edges, &Edge{ID: "e1", Source: "start", Target: "end", Condition: "caller is done", FunctionName: "end_call"})
	return g
}

func newTestEngine(t *testing.T, graph *WorkflowGraph) (*Engine, *recordingSink) {
	t.Helper()
	llmCtx := services.NewLLMContext("")
	e := New(graph, llmCtx, "tenant-1", nil, nil, nil)
	sink := &recordingSink{}
	// SetNode pushes LLMContextFrame upstream (toward the LLM service that
	// precedes the engine in the chain); tool results and lifecycle frames
	// go downstream. Wire sink both ways so the test sees everything.
	e.Link(sink)
	e.SetPrev(sink)
	return e, sink
}

func TestScenario1_SimpleTwoNodeUserQualifiedExit(t *testing.T) {
	graph := twoNodeGraph()
	e, sink := newTestEngine(t, graph)

	require.NoError(t, e.Initialize())
	require.Equal(t, "start", e.current.ID)

	cf := sink.contextFrames()
	require.Len(t, cf, 1)
	assert.Equal(t, graph.Nodes["start"].PromptTemplate, e.context.SystemPrompt)

	// LLM emits the end_call tool.
	callFrame := frames.NewFunctionCallInProgressFrame("end_call", "call-1", map[string]interface{}{}, false)
	require.NoError(t, e.dispatchToolCall(callFrame, frames.Downstream))

	result, ok := sink.last().(*frames.FunctionCallResultFrame)
	require.True(t, ok)
	require.NotNil(t, result.OnContextUpdated)

	// The framework (assistant aggregator) would invoke this once the result
	// lands in context; simulate that here.
	result.OnContextUpdated()

	assert.Equal(t, "end", e.current.ID)
	assert.Equal(t, graph.Nodes["end"].PromptTemplate, e.context.SystemPrompt)
	assert.True(t, e.awaitingEnd)

	// LLM produces its closing text, then the response completes.
	require.NoError(t, e.HandleFrame(context.Background(), frames.NewLLMFullResponseStartFrame(), frames.Downstream))
	e.HandleLLMTextFrame("Goodbye, have a great day.")
	require.NoError(t, e.HandleFrame(context.Background(), frames.NewLLMFullResponseEndFrame(), frames.Downstream))

	assert.True(t, e.ended)
	g := e.Gathered()
	assert.Equal(t, "USER_QUALIFIED", g.CallDisposition)
}

func TestScenario2_ParallelToolCallGenerationCount(t *testing.T) {
	graph := twoNodeGraph()
	e, sink := newTestEngine(t, graph)
	e.RegisterBuiltin("calculator", "adds two numbers", map[string]interface{}{"type": "object"},
		func(args map[string]interface{}) (interface{}, bool, func(), error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			switch args["operation"] {
			case "add":
				return map[string]interface{}{"result": a + b}, true, nil, nil
			default:
				return map[string]interface{}{"result": 0}, true, nil, nil
			}
		})
	require.NoError(t, e.Initialize())

	require.NoError(t, e.HandleFrame(context.Background(), frames.NewLLMFullResponseStartFrame(), frames.Downstream))
	require.Equal(t, 1, e.GenerationsRun())

	calcFrame := frames.NewFunctionCallInProgressFrame("calculator", "call-calc", map[string]interface{}{
		"operation": "add", "a": 2.0, "b": 3.0,
	}, false)
	require.NoError(t, e.dispatchToolCall(calcFrame, frames.Downstream))

	transitionFrame := frames.NewFunctionCallInProgressFrame("end_call", "call-end", map[string]interface{}{}, false)
	require.NoError(t, e.dispatchToolCall(transitionFrame, frames.Downstream))

	// The first generation's response completes before the assistant
	// aggregator gets around to writing tool results into context, so the
	// end-of-response frame for generation 1 must not observe the node
	// transition yet.
	require.NoError(t, e.HandleFrame(context.Background(), frames.NewLLMFullResponseEndFrame(), frames.Downstream))
	assert.False(t, e.ended)

	for _, f := range sink.frames {
		if res, ok := f.(*frames.FunctionCallResultFrame); ok && res.OnContextUpdated != nil {
			res.OnContextUpdated()
		}
	}

	assert.Equal(t, "end", e.current.ID)

	require.NoError(t, e.HandleFrame(context.Background(), frames.NewLLMFullResponseStartFrame(), frames.Downstream))
	assert.Equal(t, 2, e.GenerationsRun())
}

type fakeClassifier struct {
	isVoicemail bool
	confidence  float64
}

func (f fakeClassifier) Classify(ctx context.Context, transcript string) (bool, float64, string, error) {
	return f.isVoicemail, f.confidence, "greeting cadence matches voicemail", nil
}

func TestScenario3_VoicemailOnStartNode(t *testing.T) {
	graph := NewWorkflowGraph()
	graph.AddNode(&Node{ID: "start", Name: "Start", PromptTemplate: "Greet the caller.", IsStart: true, DetectVoicemail: true})
	graph.AddNode(&Node{ID: "end", Name: "End", PromptTemplate: "Bye.", IsEnd: true})
	graph.Edges = append(graph.Edges, &Edge{ID: "e1", Source: "start", Target: "end", FunctionName: "end_call", Condition: "done"})

	llmCtx := services.NewLLMContext("")
	e := New(graph, llmCtx, "tenant-1", nil, nil, nil)
	sink := &recordingSink{}
	e.Link(sink)
	e.SetPrev(sink)

	transcribe := func(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
		return "You've reached voicemail, please leave a message.", nil
	}
	detector := NewVoicemailDetector(transcribe, fakeClassifier{isVoicemail: true, confidence: 0.95})
	e.WithVoicemailDetector(detector)

	require.NoError(t, e.Initialize())

	// Feed one chunk, move the detector's deadline into the past, then feed
	// another so the detection window expires.
	require.NoError(t, detector.HandleFrame(context.Background(), frames.NewAudioFrame([]byte{1, 2, 3}, 8000, 1), frames.Downstream))
	detector.mu.Lock()
	detector.deadline = time.Now().Add(-time.Millisecond)
	detector.mu.Unlock()
	require.NoError(t, detector.HandleFrame(context.Background(), frames.NewAudioFrame([]byte{4, 5, 6}, 8000, 1), frames.Downstream))

	assert.True(t, e.ended)
	g := e.Gathered()
	assert.Equal(t, "VOICEMAIL_DETECTED", g.CallDisposition)
	assert.Contains(t, g.CallTags, "voicemail_detected")
	assert.Contains(t, g.CallTags, "not_connected")

	last := sink.last()
	_, cancelled := last.(*frames.CancelFrame)
	assert.True(t, cancelled, "expected task to be cancelled immediately")
}
