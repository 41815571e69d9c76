// Command scheduler runs the campaign admission loop and the orphan
// reconciler (spec §4.H) as a standalone process, separate from the dialer
// that actually runs calls. Structured the way the teacher's own
// examples/*.go entrypoints are: direct construction, signal-based
// graceful shutdown, no framework.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/square-key-labs/strawgo-ai/internal/config"
	"github.com/square-key-labs/strawgo-ai/internal/scheduler"
	"github.com/square-key-labs/strawgo-ai/internal/store"
)

// dispatchBody mirrors cmd/dialer's dispatchRequest. The workflow graph
// itself is not owned by this module (spec §4.E takes a graph as input
// rather than storing it); it travels inline as whatever JSON the campaign
// creator stashed under OrchestratorMetadata["graph"].
type dispatchBody struct {
	TenantID       string                 `json:"tenant_id"`
	WorkflowRunID  string                 `json:"workflow_run_id"`
	Graph          interface{}            `json:"graph"`
	InitialContext map[string]interface{} `json:"initial_context"`
}

// httpDispatcher hands an admitted QueuedRun to the dialer process over
// HTTP, the scheduler and dialer being separate deployable processes (spec
// §4.G/§4.H split: the scheduler only admits work, the dialer runs calls).
type httpDispatcher struct {
	dialerURL string
	client    *http.Client
}

func (d *httpDispatcher) Dispatch(ctx context.Context, c *store.Campaign, run *store.WorkflowRun, q *store.QueuedRun) error {
	body := dispatchBody{
		TenantID:       c.TenantID,
		WorkflowRunID:  run.ID,
		Graph:          c.OrchestratorMetadata["graph"],
		InitialContext: q.ContextVariables,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal dispatch body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.dialerURL+"/dial", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-Run-ID", run.ID)
	req.Header.Set("X-Campaign-ID", c.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to dialer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dialer rejected dispatch: status %d", resp.StatusCode)
	}
	return nil
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

	if _, err := pool.Exec(ctx, store.Schema); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	campaigns := store.NewPostgresCampaignStore(pool)
	queued := store.NewPostgresQueuedRunStore(pool)
	runs := store.NewPostgresWorkflowRunStore(pool)

	dialerURL := os.Getenv("STRAWGO_DIALER_URL")
	if dialerURL == "" {
		dialerURL = "http://localhost:8090"
	}
	dispatcher := &httpDispatcher{dialerURL: dialerURL, client: &http.Client{Timeout: 10 * time.Second}}

	sched := scheduler.New(pool, campaigns, queued, runs, dispatcher)
	sched.BatchSize = cfg.Scheduler.AdmissionBatchSize
	sched.MaxConcurrentCampaigns = cfg.Scheduler.MaxConcurrentCampaigns

	retryCoord := scheduler.NewRetryCoordinator(queued)
	reconciler := scheduler.NewReconciler(campaigns, queued, runs, retryCoord)
	reconciler.StaleThreshold = time.Duration(cfg.Scheduler.StaleThresholdSeconds) * time.Second

	tickInterval := time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.Printf("scheduler started: tick every %s, batch size %d, max concurrent campaigns %d",
		tickInterval, sched.BatchSize, sched.MaxConcurrentCampaigns)

	for {
		select {
		case <-ticker.C:
			if err := sched.Tick(ctx); err != nil {
				log.Printf("scheduler tick error: %v", err)
			}
			if err := reconciler.Tick(ctx, time.Now()); err != nil {
				log.Printf("reconciler tick error: %v", err)
			}
		case <-sigChan:
			log.Println("scheduler shutting down")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}
