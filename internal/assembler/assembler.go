// Package assembler builds the per-call processor chain and owns the
// shutdown sequence that runs once a call ends (spec §4.G). It generalizes
// the teacher's voice_call_complete.go sequential
// `pipeline.NewPipeline([]processors.FrameProcessor{...})` construction from
// a single fixed demo chain into one driven by a workflow's services and
// configuration.
package assembler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/strawgo-ai/internal/engine"
	"github.com/square-key-labs/strawgo-ai/internal/engine/builtins"
	"github.com/square-key-labs/strawgo-ai/internal/store"
	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/interruptions"
	"github.com/square-key-labs/strawgo-ai/src/logger"
	"github.com/square-key-labs/strawgo-ai/src/pipeline"
	"github.com/square-key-labs/strawgo-ai/src/processors"
	"github.com/square-key-labs/strawgo-ai/src/processors/aggregators"
	"github.com/square-key-labs/strawgo-ai/src/services"
)

// Transport is the subset of a transport (WebSocket carrier stream or
// WebRTC) the assembler needs: an input/output processor pair.
type Transport interface {
	Input() processors.FrameProcessor
	Output() processors.FrameProcessor
}

// CallConfig carries the per-call knobs that vary by workflow/tenant
// (spec §4.F, §4.G).
type CallConfig struct {
	TenantID           string
	UserIdleTimeout    time.Duration
	MaxCallDuration    time.Duration
	HeartbeatInterval  time.Duration
	AllowInterruptions bool
	// MinInterruptWords gates how many words of user speech must land
	// before an in-progress bot turn can be interrupted (spec §3/§4.A
	// allow_interrupt). 0 disables the word-count gate: any user speech
	// interrupts as soon as AllowInterruptions permits it.
	MinInterruptWords int
	// DebugFrameLogging turns on a FrameLogger tapping the pipeline right
	// after the transport input, the way examples/debug_logging.go wires
	// one in for local debugging.
	DebugFrameLogging bool
}

// DefaultCallConfig returns the spec's documented defaults (10s idle, 300s
// max duration).
func DefaultCallConfig(tenantID string) CallConfig {
	return CallConfig{
		TenantID:           tenantID,
		UserIdleTimeout:    10 * time.Second,
		MaxCallDuration:    300 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		AllowInterruptions: true,
		MinInterruptWords:  3,
	}
}

// Call bundles everything assembled for one workflow run: the pipeline task
// ready to Run, the engine driving it, and the metrics aggregator shutdown
// reads usage from.
type Call struct {
	Task     *pipeline.PipelineTask
	Engine   *engine.Engine
	Metrics  *processors.MetricsAggregator
	Detector *engine.VoicemailDetector

	heartbeatInterval time.Duration
	heartbeatStop     context.CancelFunc
}

// Assemble builds the full processor chain for one call:
//
//	transport.Input() -> [frame logger, if DebugFrameLogging] ->
//	voicemail detector -> stt -> user idle processor -> user aggregator ->
//	llm -> engine (engine_callbacks) -> tts -> transport.Output() ->
//	assistant aggregator -> metrics aggregator -> max duration processor
//
// matching the teacher's linear construction style, generalized to the
// workflow-graph-driven chain spec §4.G describes. extractor/dispMapper may
// be nil (the engine treats both as optional, spec §4.E.4/§4.I). A
// MinWordsInterruptionStrategy is wired into the task's interruption
// strategies whenever MinInterruptWords > 0, giving spec §3/§4.A's
// allow_interrupt semantics an actual gate on top of AllowInterruptions.
func Assemble(
	transport Transport,
	stt services.STTService,
	llm services.LLMService,
	tts services.TTSService,
	graph *engine.WorkflowGraph,
	cfg CallConfig,
	extractor engine.Extractor,
	dispMapper engine.DispositionMapper,
	classifier engine.VoicemailClassifier,
	transcribe engine.Transcriber,
	onEndTask engine.EndTaskHandler,
) *Call {
	llmContext := services.NewLLMContext("")

	eng := engine.New(graph, llmContext, cfg.TenantID, extractor, dispMapper, onEndTask)
	builtins.RegisterAll(eng)

	detector := engine.NewVoicemailDetector(transcribe, classifier)
	eng.WithVoicemailDetector(detector)

	userAgg := aggregators.NewLLMUserAggregator(llmContext, aggregators.DefaultUserAggregatorParams())
	assistantAgg := aggregators.NewLLMAssistantAggregator(llmContext, aggregators.DefaultAssistantAggregatorParams())
	assistantAgg.CorrectAggregationFunc = eng.CorrectAggregation

	idleProc := processors.NewUserIdleProcessor(cfg.UserIdleTimeout, eng.OnUserIdle)
	maxDurationProc := processors.NewMaxDurationProcessor(cfg.MaxCallDuration, eng.OnMaxDuration)
	metrics := processors.NewMetricsAggregator()

	chain := []processors.FrameProcessor{transport.Input()}
	if cfg.DebugFrameLogging {
		chain = append(chain, processors.NewFrameLogger(processors.FrameLoggerConfig{
			Prefix:          "Call",
			LogDirection:    true,
			LogFrameDetails: true,
		}))
	}
	chain = append(chain,
		detector,
		stt,
		idleProc,
		userAgg,
		llm,
		eng,
		tts,
		transport.Output(),
		assistantAgg,
		metrics,
		maxDurationProc,
	)
	pipe := pipeline.NewPipeline(chain)

	var strategies []interruptions.InterruptionStrategy
	if cfg.MinInterruptWords > 0 {
		strategies = append(strategies, interruptions.NewMinWordsInterruptionStrategy(cfg.MinInterruptWords))
	}
	taskConfig := &pipeline.PipelineTaskConfig{
		AllowInterruptions:     cfg.AllowInterruptions,
		InterruptionStrategies: strategies,
	}
	task := pipeline.NewPipelineTaskWithConfig(pipe, taskConfig)

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	return &Call{Task: task, Engine: eng, Metrics: metrics, Detector: detector, heartbeatInterval: heartbeat}
}

// Run starts the call's heartbeat ticker, initializes the engine onto the
// graph's start node, and runs the pipeline task to completion. The
// PipelineTask has no built-in heartbeat support (unlike the teacher's
// demo chain, which never needed one) so assembler supplies it: a
// HeartbeatFrame on every tick drives MaxDurationProcessor, and a
// WorkflowRunStore.Heartbeat call on the same tick is what
// scheduler.Reconciler.SweepOrphans checks staleness against (spec §4.H.4).
func (c *Call) Run(ctx context.Context, runs store.WorkflowRunStore, runID string) error {
	hbCtx, cancel := context.WithCancel(ctx)
	c.heartbeatStop = cancel
	go c.heartbeatLoop(hbCtx, c.heartbeatInterval, runs, runID)

	if err := c.Engine.Initialize(); err != nil {
		return fmt.Errorf("assembler: initialize engine: %w", err)
	}
	return c.Task.Run(ctx)
}

func (c *Call) heartbeatLoop(ctx context.Context, interval time.Duration, runs store.WorkflowRunStore, runID string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Task.QueueFrame(frames.NewHeartbeatFrame()); err != nil {
				logger.Debug("[Assembler] heartbeat queue stopped: %v", err)
				return
			}
			if runs != nil && runID != "" {
				if err := runs.Heartbeat(ctx, runID, time.Now()); err != nil {
					logger.Error("[Assembler] persist heartbeat for %s: %v", runID, err)
				}
			}
		}
	}
}

// Shutdown implements spec §4.G's shutdown sequence: stop the heartbeat
// ticker, snapshot metrics, gather the engine's final disposition/context,
// and persist the WorkflowRun's terminal state. Called once, after
// Task.Run returns (EndFrame/CancelFrame reached the sink).
func (c *Call) Shutdown(ctx context.Context, runs store.WorkflowRunStore, runID string) (*engine.GatheredContext, error) {
	if c.heartbeatStop != nil {
		c.heartbeatStop()
	}

	gathered := c.Engine.Gathered()
	usage := c.Metrics.Snapshot()

	usageBlob := make(map[string]interface{}, len(usage))
	for service, u := range usage {
		usageBlob[service] = map[string]interface{}{"tokens": u.Tokens, "seconds": u.Seconds}
	}

	costBlob := map[string]interface{}{}
	gatheredBlob := map[string]interface{}{
		"variables":            gathered.Variables,
		"call_tags":            gathered.CallTags,
		"voicemail_transcript": gathered.VoicemailTranscript,
		"voicemail_confidence": gathered.VoicemailConfidence,
	}

	if runs != nil && runID != "" {
		if err := runs.Complete(ctx, runID, gathered.MappedCallDisposition, usageBlob, costBlob, gatheredBlob); err != nil {
			return nil, fmt.Errorf("assembler: complete workflow run %s: %w", runID, err)
		}
	}
	return &gathered, nil
}

// NewRunID generates a correlation id for a new WorkflowRun, matching
// internal/store's string-typed ids (backed by uuid.NewString(), same as
// the scheduler's QueuedRun/WorkflowRun identifiers).
func NewRunID() string {
	return uuid.NewString()
}
