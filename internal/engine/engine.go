package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/logger"
	"github.com/square-key-labs/strawgo-ai/src/processors"
	"github.com/square-key-labs/strawgo-ai/src/processors/aggregators"
	"github.com/square-key-labs/strawgo-ai/src/services"
)

var (
	ErrNoStartNode           = fmt.Errorf("workflow graph has no start node")
	ErrUnknownNode           = fmt.Errorf("unknown node")
	ErrStaticNodeUnsupported = fmt.Errorf("static nodes are not supported")
	ErrInvalidGraph          = fmt.Errorf("invalid workflow graph")
)

// ToolHandler is the typed signature every registered tool (built-in or
// edge-transition) implements. It returns the value to send back to the LLM,
// whether that result should trigger another generation, and an optional
// continuation invoked once the result has landed in the live LLM context
// (design note 4.9: string-keyed registry, no reflection).
type ToolHandler func(args map[string]interface{}) (result interface{}, runLLM bool, continuation func(), err error)

type registeredTool struct {
	schema  services.Tool
	handler ToolHandler
}

// GatheredContext accumulates everything the engine learns about a call that
// doesn't belong in the live LLM context: extracted variables, disposition,
// tags, and voicemail findings (spec §3 WorkflowRun.gathered_context).
type GatheredContext struct {
	mu                    sync.Mutex
	Variables             map[string]interface{}
	CallDisposition       string
	MappedCallDisposition string
	CallTags              []string
	VoicemailTranscript   string
	VoicemailConfidence   float64
}

func newGatheredContext() *GatheredContext {
	return &GatheredContext{Variables: make(map[string]interface{})}
}

func (g *GatheredContext) setVariables(vars map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range vars {
		g.Variables[k] = v
		if k == "call_disposition" {
			if s, ok := v.(string); ok {
				g.CallDisposition = s
			}
		}
	}
}

func (g *GatheredContext) addTags(tags ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallTags = append(g.CallTags, tags...)
}

func (g *GatheredContext) snapshot() GatheredContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	vars := make(map[string]interface{}, len(g.Variables))
	for k, v := range g.Variables {
		vars[k] = v
	}
	return GatheredContext{
		Variables:             vars,
		CallDisposition:       g.CallDisposition,
		MappedCallDisposition: g.MappedCallDisposition,
		CallTags:              append([]string(nil), g.CallTags...),
		VoicemailTranscript:   g.VoicemailTranscript,
		VoicemailConfidence:   g.VoicemailConfidence,
	}
}

// Extractor pulls typed variables out of a conversation snapshot. Background
// tasks hold only this interface and a cloned context, never the live
// *services.LLMContext (spec §4.E.4).
type Extractor interface {
	Extract(ctx context.Context, transcript string, spec *ExtractionSpec) (map[string]interface{}, error)
}

// DispositionMapper remaps a raw disposition code through a tenant-scoped
// dictionary (component I). Unmapped codes pass through unchanged.
type DispositionMapper interface {
	Map(tenantID, raw string) string
}

type passthroughMapper struct{}

func (passthroughMapper) Map(_, raw string) string { return raw }

// EndTaskHandler is invoked once, exactly, when the engine terminates the
// call. It does not need to push EndFrame/CancelFrame: SendEndTaskFrame
// pushes them itself right after calling it. The assembler passes the
// caller's handler through to the engine unchanged.
type EndTaskHandler func(reason string, abortImmediately bool, gathered GatheredContext)

// Engine drives a single call's node transitions. It sits in the pipeline
// chain immediately downstream of the LLM service and upstream of the TTS
// service ("engine_callbacks" in spec §4.G), so it observes every LLM token,
// tool-call, and full-response boundary before TTS ever sees them.
type Engine struct {
	*processors.BaseProcessor

	mu       sync.Mutex
	graph    *WorkflowGraph
	context  *services.LLMContext
	current  *Node
	tools    map[string]*registeredTool
	tenantID string

	referenceText strings.Builder
	gathered      *GatheredContext
	ended         bool
	awaitingEnd   bool // current node is an end node; finalize on LLMFullResponseEnd

	callStart                time.Time
	disconnected             bool
	disconnectedBeforeEngine bool

	pending        []func()
	idleStage      int
	generationsRun int
	detector       *VoicemailDetector

	extractor  Extractor
	dispMapper DispositionMapper
	onEndTask  EndTaskHandler
}

// New creates an Engine bound to graph and the call's shared LLM context.
// extractor may be nil (extraction becomes a no-op); dispMapper may be nil
// (disposition passes through unchanged).
func New(graph *WorkflowGraph, llmContext *services.LLMContext, tenantID string, extractor Extractor, dispMapper DispositionMapper, onEndTask EndTaskHandler) *Engine {
	if dispMapper == nil {
		dispMapper = passthroughMapper{}
	}
	e := &Engine{
		graph:      graph,
		context:    llmContext,
		tools:      make(map[string]*registeredTool),
		tenantID:   tenantID,
		gathered:   newGatheredContext(),
		extractor:  extractor,
		dispMapper: dispMapper,
		onEndTask:  onEndTask,
	}
	e.BaseProcessor = processors.NewBaseProcessor("Engine", e)
	return e
}

// Gathered returns a snapshot of the call's accumulated gathered_context.
func (e *Engine) Gathered() GatheredContext {
	return e.gathered.snapshot()
}

// Initialize registers built-in tools (via RegisterBuiltin, called by the
// assembler before this) and transitions to the graph's start node. Fails
// if the graph has no start node or the start node is static.
func (e *Engine) Initialize() error {
	if errs := e.graph.Validate(); len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidGraph, errs)
	}
	e.callStart = time.Now()
	start, ok := e.graph.Nodes[e.graph.StartNodeID]
	if !ok {
		return ErrNoStartNode
	}
	if start.DetectVoicemail {
		e.startVoicemailDetection(start)
	}
	if start.DelayedStart {
		d := start.DelayedStartDuration
		if d <= 0 {
			d = 2
		}
		time.AfterFunc(time.Duration(d*float64(time.Second)), func() {
			if err := e.SetNode(start.ID); err != nil {
				logger.Error("[Engine] delayed start failed: %v", err)
			}
		})
		return nil
	}
	return e.SetNode(start.ID)
}

// RegisterBuiltin adds a tool available from every node (calculator,
// current-time, convert-time). Must be called before Initialize.
func (e *Engine) RegisterBuiltin(name, description string, parameters interface{}, handler ToolHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[name] = &registeredTool{
		schema: services.Tool{
			Type: "function",
			Function: services.ToolFunction{
				Name:        name,
				Description: description,
				Parameters:  parameters,
			},
		},
		handler: handler,
	}
}

func (e *Engine) builtinSchemasLocked() []services.Tool {
	var out []services.Tool
	for name, t := range e.tools {
		if e.isEdgeToolLocked(name) {
			continue
		}
		out = append(out, t.schema)
	}
	return out
}

func (e *Engine) isEdgeToolLocked(name string) bool {
	for _, edge := range e.graph.Edges {
		if edge.FunctionName == name {
			return true
		}
	}
	return false
}

// SetNode transitions the engine to node and arranges for the next LLM
// generation (spec §4.E.2). Composition: global prompt (if node opts in) +
// node prompt as the system message; built-in tools + one tool per outgoing
// edge as the tool schema.
func (e *Engine) SetNode(nodeID string) error {
	e.mu.Lock()
	node, ok := e.graph.Nodes[nodeID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if node.IsStatic {
		e.mu.Unlock()
		return ErrStaticNodeUnsupported
	}

	e.current = node
	e.awaitingEnd = node.IsEnd

	var sb strings.Builder
	if node.AddGlobalPrompt && e.graph.GlobalNode != nil {
		sb.WriteString(e.graph.GlobalNode.PromptTemplate)
		sb.WriteString("\n\n")
	}
	sb.WriteString(node.PromptTemplate)
	e.context.SystemPrompt = sb.String()

	// Edge tools for the prior node are no longer valid; drop them and
	// re-register this node's outgoing edges.
	for name := range e.tools {
		if e.isEdgeToolLocked(name) {
			delete(e.tools, name)
		}
	}
	for _, edge := range e.graph.OutgoingEdges(node.ID) {
		edgeCopy := edge
		e.tools[edge.FunctionName] = &registeredTool{
			schema: services.Tool{
				Type: "function",
				Function: services.ToolFunction{
					Name:        edge.FunctionName,
					Description: edge.Condition,
					Parameters: map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{},
					},
				},
			},
			handler: e.transitionHandler(node, edgeCopy),
		}
	}
	schemas := e.builtinSchemasLocked()
	for _, edge := range e.graph.OutgoingEdges(node.ID) {
		schemas = append(schemas, e.tools[edge.FunctionName].schema)
	}
	e.context.SetTools(schemas)

	ctx := e.context
	e.mu.Unlock()

	logger.Info("[Engine] node -> %s", node.ID)
	return e.PushFrame(frames.NewLLMContextFrame(ctx), frames.Upstream)
}

// transitionHandler implements the tool-call-as-edge transition protocol
// (spec §4.E.3). The returned continuation runs after the framework (the
// assistant aggregator) has written this tool's result into context.
func (e *Engine) transitionHandler(fromNode *Node, edge *Edge) ToolHandler {
	return func(args map[string]interface{}) (interface{}, bool, func(), error) {
		continuation := func() {
			if fromNode.Extraction != nil && e.extractor != nil {
				snapshot := e.snapshotTranscript()
				spec := fromNode.Extraction
				go func() {
					vars, err := e.extractor.Extract(context.Background(), snapshot, spec)
					if err != nil {
						logger.Error("[Engine] extraction failed for node %s: %v", fromNode.ID, err)
						return
					}
					e.gathered.setVariables(vars)
				}()
			}
			if err := e.SetNode(edge.Target); err != nil {
				logger.Error("[Engine] transition to %s failed: %v", edge.Target, err)
			}
		}
		return map[string]string{"status": "done"}, false, continuation, nil
	}
}

// HandleFrame implements processors.ProcessHandler.
func (e *Engine) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		e.HandleStartFrame(f)
		return e.PushFrame(frame, direction)

	case *frames.LLMFullResponseStartFrame:
		e.mu.Lock()
		e.referenceText.Reset()
		e.generationsRun++
		e.mu.Unlock()
		return e.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		e.HandleLLMTextFrame(f.Text)
		return e.PushFrame(frame, direction)

	case *frames.TextFrame:
		e.HandleLLMTextFrame(f.Text)
		return e.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		e.mu.Lock()
		shouldFinalize := e.awaitingEnd && !e.ended
		node := e.current
		e.mu.Unlock()
		if err := e.PushFrame(frame, direction); err != nil {
			return err
		}
		if shouldFinalize {
			e.finalizeEndNode(node)
		}
		return nil

	case *frames.FunctionCallInProgressFrame:
		return e.dispatchToolCall(f, direction)

	case *frames.ClientDisconnectedFrame:
		e.mu.Lock()
		alreadyEnded := e.ended
		e.disconnected = true
		e.disconnectedBeforeEngine = !alreadyEnded
		elapsed := time.Since(e.callStart)
		e.mu.Unlock()
		if !alreadyEnded {
			reason := "USER_HANGUP"
			if elapsed >= 10*time.Second {
				reason = "NIBP"
			}
			e.SendEndTaskFrame(reason, true)
		}
		return e.PushFrame(frame, direction)

	default:
		return e.PushFrame(frame, direction)
	}
}

// HandleLLMTextFrame accumulates the ground-truth reference text for the
// current assistant turn (spec §4.E.1), used by CorrectAggregation.
func (e *Engine) HandleLLMTextFrame(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referenceText.WriteString(text)
}

func (e *Engine) snapshotTranscript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sb strings.Builder
	for _, m := range e.context.Messages {
		if m.Content == "" {
			continue
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// CorrectAggregation is wired as the assistant aggregator's
// CorrectAggregationFunc; it repairs the TTS-derived "corrupted" turn text
// against the LLM's own streamed text for the same turn (spec §4.D).
func (e *Engine) CorrectAggregation(corrupted string) string {
	e.mu.Lock()
	reference := e.referenceText.String()
	e.mu.Unlock()
	return aggregators.CorrectAggregation(reference, corrupted)
}

// dispatchToolCall executes the handler registered for f.FunctionName and
// forwards both the original call frame and its result downstream, so the
// assistant aggregator's existing context bookkeeping (unmodified) applies
// uniformly to built-in and transition tools alike (spec §4.E.3 steps 1-3).
func (e *Engine) dispatchToolCall(f *frames.FunctionCallInProgressFrame, direction frames.FrameDirection) error {
	e.mu.Lock()
	tool, ok := e.tools[f.FunctionName]
	e.mu.Unlock()

	var result interface{}
	runLLM := true
	var continuation func()

	if !ok {
		result = map[string]string{"status": "error", "error": fmt.Sprintf("unknown tool %q", f.FunctionName)}
	} else {
		args, _ := f.Arguments.(map[string]interface{})
		res, rl, cont, err := tool.handler(args)
		if err != nil {
			result = map[string]string{"status": "error", "error": err.Error()}
			runLLM = true
		} else {
			result = res
			runLLM = rl
			continuation = cont
		}
	}

	runLLMCopy := runLLM
	resultFrame := frames.NewFunctionCallResultFrame(f.FunctionName, f.ToolCallID, result, &runLLMCopy)
	resultFrame.OnContextUpdated = continuation

	if err := e.PushFrame(f, direction); err != nil {
		return err
	}
	return e.PushFrame(resultFrame, direction)
}

func (e *Engine) finalizeEndNode(node *Node) {
	if node != nil && node.Extraction != nil && e.extractor != nil {
		snapshot := e.snapshotTranscript()
		vars, err := e.extractor.Extract(context.Background(), snapshot, node.Extraction)
		if err != nil {
			logger.Error("[Engine] end-node extraction failed: %v", err)
		} else {
			e.gathered.setVariables(vars)
		}
	}
	e.SendEndTaskFrame("USER_QUALIFIED", false)
}

// GenerationsRun reports how many LLM generations this call has triggered,
// used by tests asserting scenario 2's "total generations = 2" expectation.
func (e *Engine) GenerationsRun() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generationsRun
}

// DeferTransition queues fn to run on the next FlushPendingTransitions call
// instead of immediately. Edge transitions do not go through it: they run
// as soon as their tool result lands in context, whether or not the node
// has WaitForUserResponse set.
func (e *Engine) DeferTransition(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, fn)
}

// FlushPendingTransitions executes and clears any transitions deferred by
// DeferTransition (spec §4.E.1). source identifies the caller for logging
// (e.g. "user_aggregator").
func (e *Engine) FlushPendingTransitions(source string) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	logger.Debug("[Engine] flushing %d deferred transition(s) from %s", len(pending), source)
	for _, fn := range pending {
		fn()
	}
}

// ShouldMuteSTT reports whether inbound STT should be suppressed right now.
// True while a voicemail detector owns the audio tap for the current node,
// so the detector's transcript isn't double-processed by the live STT path.
func (e *Engine) ShouldMuteSTT() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil && e.current.DetectVoicemail && !e.ended
}

// userIdleRetryPrompt is queued verbatim as the TTS line for a stage-1 idle
// expiry (spec §4.F).
const userIdleRetryPrompt = "Just checking in to see if you're still there."

// userIdleGoodbyePrompt is queued as the closing TTS line for a stage-2 idle
// expiry, before the call ends.
const userIdleGoodbyePrompt = "I haven't heard from you in a while, so I'll let you go now. Goodbye."

// OnUserIdle is wired to the user-idle processor's retry/expire callback
// (spec §4.F). The engine sits immediately upstream of TTS, so it owns
// queuing the retry/goodbye line itself rather than the idle processor
// (which sits much earlier in the chain, right after STT) trying to reach
// past the LLM. If the current node is the start node, the retry stage is
// skipped entirely and the call ends on the first expiry.
func (e *Engine) OnUserIdle(stage int) {
	e.mu.Lock()
	e.idleStage = stage
	onStartNode := e.current != nil && e.current.IsStart
	e.mu.Unlock()

	if onStartNode {
		e.PushFrame(frames.NewTextFrame(userIdleGoodbyePrompt), frames.Downstream)
		e.SendEndTaskFrame("USER_IDLE_MAX_DURATION_EXCEEDED", false)
		return
	}

	switch {
	case stage >= 2:
		e.PushFrame(frames.NewTextFrame(userIdleGoodbyePrompt), frames.Downstream)
		e.SendEndTaskFrame("USER_IDLE_MAX_DURATION_EXCEEDED", false)
	case stage == 1:
		e.PushFrame(frames.NewTextFrame(userIdleRetryPrompt), frames.Downstream)
	}
}

// maxDurationClosingLine is queued as the TTS line when a call is cut off
// by exceeding its configured maximum duration.
const maxDurationClosingLine = "We've reached the maximum time for this call, so I need to let you go now. Goodbye."

// OnMaxDuration is wired to the max-duration processor's single-shot expiry.
func (e *Engine) OnMaxDuration() {
	e.PushFrame(frames.NewTextFrame(maxDurationClosingLine), frames.Downstream)
	e.SendEndTaskFrame("CALL_DURATION_EXCEEDED", false)
}

// OnGenerationStarted clears the idle stage the engine last recorded. The
// stage passed to OnUserIdle is counted by the user-idle processor, which
// this does not reset, and the assembler does not call this method.
func (e *Engine) OnGenerationStarted() {
	e.mu.Lock()
	e.idleStage = 0
	e.mu.Unlock()
}

// OnUserStartedSpeaking does nothing; OnUserStoppedSpeaking runs any
// transitions queued with DeferTransition. The assembler wires neither of
// them; the idle processor resets on the speech frames themselves.
func (e *Engine) OnUserStartedSpeaking() {}

func (e *Engine) OnUserStoppedSpeaking() {
	e.FlushPendingTransitions("user_aggregator")
}
