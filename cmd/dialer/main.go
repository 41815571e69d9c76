// Command dialer runs the per-call voice pipeline: it accepts inbound
// carrier (WebSocket) and browser (WebRTC) connections, assembles the
// processor chain via internal/assembler, and drives each call to
// completion. Structured like the teacher's examples/voice_call_complete.go
// entrypoint (direct construction, signal-based shutdown) generalized to
// multiple transports and a config-driven provider selection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/square-key-labs/strawgo-ai/internal/assembler"
	"github.com/square-key-labs/strawgo-ai/internal/config"
	"github.com/square-key-labs/strawgo-ai/internal/engine"
	"github.com/square-key-labs/strawgo-ai/internal/store"
	"github.com/square-key-labs/strawgo-ai/src/processors"
	"github.com/square-key-labs/strawgo-ai/src/serializers"
	"github.com/square-key-labs/strawgo-ai/src/services"
	"github.com/square-key-labs/strawgo-ai/src/services/cartesia"
	"github.com/square-key-labs/strawgo-ai/src/services/deepgram"
	"github.com/square-key-labs/strawgo-ai/src/services/elevenlabs"
	"github.com/square-key-labs/strawgo-ai/src/services/openai"
	"github.com/square-key-labs/strawgo-ai/src/transports"
)

// dispatchRequest is the body the scheduler's httpDispatcher posts to
// /dial: the workflow graph itself is supplied by whatever external system
// authored it (out of this module's scope, spec §4.E takes a graph as
// input rather than owning its storage), so the dialer never loads one on
// its own.
type dispatchRequest struct {
	TenantID       string                 `json:"tenant_id"`
	WorkflowRunID  string                 `json:"workflow_run_id"`
	Graph          graphDTO               `json:"graph"`
	InitialContext map[string]interface{} `json:"initial_context"`
}

type graphDTO struct {
	Nodes       []*engine.Node `json:"nodes"`
	Edges       []*engine.Edge `json:"edges"`
	StartNodeID string         `json:"start_node_id"`
}

func (d graphDTO) toGraph() *engine.WorkflowGraph {
	g := engine.NewWorkflowGraph()
	for _, n := range d.Nodes {
		g.AddNode(n)
	}
	g.Edges = d.Edges
	return g
}

type server struct {
	cfg   *config.Config
	runs  store.WorkflowRunStore
	calls sync.WaitGroup
}

func (s *server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid dispatch body", http.StatusBadRequest)
		return
	}

	graph := req.Graph.toGraph()
	if errs := graph.Validate(); len(errs) > 0 {
		log.Printf("[Dialer] rejecting run %s: invalid workflow graph: %v", req.WorkflowRunID, errs)
		http.Error(w, "invalid workflow graph", http.StatusUnprocessableEntity)
		return
	}

	stt, llm, tts := s.buildServices()

	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		s.runCall(context.Background(), req, graph, stt, llm, tts)
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *server) buildServices() (services.STTService, services.LLMService, services.TTSService) {
	stt := deepgram.NewSTTService(deepgram.STTConfig{
		APIKey:   s.cfg.Providers.DeepgramAPIKey,
		Language: "en",
		Model:    "nova-2",
		Encoding: "linear16",
	})
	llm := openai.NewLLMService(openai.LLMConfig{
		APIKey: s.cfg.Providers.OpenAIAPIKey,
		Model:  "gpt-4-turbo-preview",
	})

	var tts services.TTSService
	switch s.cfg.Call.TTSProvider {
	case "cartesia":
		tts = cartesia.NewTTSService(cartesia.TTSConfig{
			APIKey:     s.cfg.Providers.CartesiaAPIKey,
			Model:      "sonic-2024-10-19",
			Language:   "en",
			SampleRate: 24000,
			Encoding:   "pcm_s16le",
			Container:  "raw",
		})
	default:
		tts = elevenlabs.NewTTSService(elevenlabs.TTSConfig{
			APIKey:       s.cfg.Providers.ElevenLabsAPIKey,
			OutputFormat: "pcm_24000",
			UseStreaming: true,
		})
	}
	return stt, llm, tts
}

// carrierTransport is the subset of transports.Transport runCall needs:
// Input/Output (assembler.Transport) plus Start, which runCall launches in
// its own goroutine the way examples/voice_call_complete.go starts its
// transport ahead of the pipeline task.
type carrierTransport interface {
	Input() processors.FrameProcessor
	Output() processors.FrameProcessor
	Start(ctx context.Context) error
}

func newCarrierTransport(cfg *config.Config, path string) carrierTransport {
	var serializer serializers.FrameSerializer
	if cfg.Transport.Carrier == "asterisk" {
		serializer = serializers.NewAsteriskFrameSerializer("", true)
	} else {
		serializer = serializers.NewTwilioFrameSerializer("", "")
	}
	return transports.NewWebSocketTransport(transports.WebSocketConfig{
		Port:       cfg.Transport.CarrierPort,
		Path:       path,
		Serializer: serializer,
	})
}

// runCall assembles and runs one campaign-originated call over a carrier
// WebSocket transport, persisting the terminal WorkflowRun state on exit.
func (s *server) runCall(ctx context.Context, req dispatchRequest, graph *engine.WorkflowGraph, stt services.STTService, llm services.LLMService, tts services.TTSService) {
	transport := newCarrierTransport(s.cfg, "/media/"+req.WorkflowRunID)

	go func() {
		if err := transport.Start(ctx); err != nil {
			log.Printf("[Dialer] carrier transport error for %s: %v", req.WorkflowRunID, err)
		}
	}()

	callCfg := assembler.DefaultCallConfig(req.TenantID)
	call := assembler.Assemble(transport, stt, llm, tts, graph, callCfg, nil, nil, nil, nil, nil)

	if err := call.Run(ctx, s.runs, req.WorkflowRunID); err != nil {
		log.Printf("[Dialer] call %s ended with error: %v", req.WorkflowRunID, err)
	}
	if _, err := call.Shutdown(ctx, s.runs, req.WorkflowRunID); err != nil {
		log.Printf("[Dialer] call %s shutdown failed: %v", req.WorkflowRunID, err)
	}
}

// runInboundWebRTC accepts browser-originated calls directly, independent
// of campaign admission: inbound calls have no QueuedRun/WorkflowRun to
// heartbeat against, so runID stays empty and no persistence happens. The
// HTML/JS widget that initiates the offer is explicitly out of scope
// (spec §1 Non-goals), so there is no per-call dispatch payload to read a
// graph from; the dialer runs every inbound WebRTC call against one
// statically configured graph (STRAWGO_DEFAULT_GRAPH_FILE), the way a
// demo/support-line deployment with a single always-on agent would.
func runInboundWebRTC(ctx context.Context, cfg *config.Config, stt services.STTService, llm services.LLMService, tts services.TTSService, graph *engine.WorkflowGraph) {
	transport := transports.NewWebRTCTransport(transports.WebRTCConfig{Port: cfg.Transport.WebRTCPort})

	go func() {
		if err := transport.Start(ctx); err != nil {
			log.Printf("[Dialer] WebRTC transport error: %v", err)
		}
	}()

	callCfg := assembler.DefaultCallConfig("")
	call := assembler.Assemble(transport, stt, llm, tts, graph, callCfg, nil, nil, nil, nil, nil)
	if err := call.Run(ctx, nil, ""); err != nil {
		log.Printf("[Dialer] inbound WebRTC call ended with error: %v", err)
	}
}

// loadDefaultGraph reads the workflow graph used for inbound,
// non-campaign-originated WebRTC calls from a JSON file on disk (see
// runInboundWebRTC).
func loadDefaultGraph(path string) (*engine.WorkflowGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read default graph file: %w", err)
	}
	var dto graphDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("parse default graph file: %w", err)
	}
	graph := dto.toGraph()
	if errs := graph.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("default graph invalid: %v", errs)
	}
	return graph, nil
}

func main() {
	cfg, err := config.Load(".", "/etc/strawgo")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	runs := store.NewPostgresWorkflowRunStore(pool)
	srv := &server{cfg: cfg, runs: runs}

	mux := http.NewServeMux()
	mux.HandleFunc("/dial", srv.handleDial)
	httpServer := &http.Server{Addr: ":8090", Handler: mux}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Dialer] admission server error: %v", err)
		}
	}()

	if graphFile := os.Getenv("STRAWGO_DEFAULT_GRAPH_FILE"); graphFile != "" {
		graph, err := loadDefaultGraph(graphFile)
		if err != nil {
			log.Fatalf("load default graph: %v", err)
		}
		stt, llm, tts := srv.buildServices()
		go runInboundWebRTC(ctx, cfg, stt, llm, tts, graph)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("dialer started: admission on :8090, carrier media on :%d, webrtc on :%d",
		cfg.Transport.CarrierPort, cfg.Transport.WebRTCPort)

	<-sigChan
	log.Println("dialer shutting down")
	cancel()
	_ = httpServer.Shutdown(context.Background())
	srv.calls.Wait()
}
