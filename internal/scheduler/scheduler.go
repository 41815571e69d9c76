// Package scheduler runs the campaign admission loop: it pulls due retries
// and ready queued runs off each active campaign and dispatches them to the
// dialer under a per-campaign rate limit and the campaign's own concurrency
// cap (spec §4.H). No tenant-wide cap across campaigns is applied.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/square-key-labs/strawgo-ai/internal/store"
	"github.com/square-key-labs/strawgo-ai/src/logger"
)

// Dispatcher hands an admitted QueuedRun off to the dialer. A failed
// dispatch rolls the QueuedRun back to queued (spec §4.H.1 step 3).
type Dispatcher interface {
	Dispatch(ctx context.Context, campaign *store.Campaign, run *store.WorkflowRun, queued *store.QueuedRun) error
}

// Tx is the subset of a pgx connection the scheduler needs to run admission
// inside one transaction spanning queued-run selection and workflow-run
// creation (spec §4.H.1 step 3's "within a single transaction").
type Tx interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Scheduler admits QueuedRuns for every active campaign on each tick.
type Scheduler struct {
	db         Tx
	campaigns  store.CampaignStore
	queued     store.QueuedRunStore
	runs       store.WorkflowRunStore
	dispatcher Dispatcher

	// BatchSize bounds how many runs are admitted per campaign per tick.
	BatchSize int
	// MaxConcurrentCampaigns bounds how many campaigns are admitted for
	// in parallel within one tick.
	MaxConcurrentCampaigns int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Scheduler. BatchSize and MaxConcurrentCampaigns default to
// 25 and 8 respectively when <= 0.
func New(db Tx, campaigns store.CampaignStore, queued store.QueuedRunStore, runs store.WorkflowRunStore, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		db:                     db,
		campaigns:              campaigns,
		queued:                 queued,
		runs:                   runs,
		dispatcher:             dispatcher,
		BatchSize:              25,
		MaxConcurrentCampaigns: 8,
		limiters:               make(map[string]*rate.Limiter),
	}
}

// Tick runs one admission pass across every running campaign (spec §4.H.1,
// invoked periodically by an external task runner).
func (s *Scheduler) Tick(ctx context.Context) error {
	campaigns, err := s.campaigns.ListByState(ctx, store.CampaignRunning)
	if err != nil {
		return fmt.Errorf("scheduler: tick: list running campaigns: %w", err)
	}

	limit := s.MaxConcurrentCampaigns
	if limit <= 0 {
		limit = 8
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i := range campaigns {
		c := campaigns[i]
		eg.Go(func() error {
			if err := s.admitCampaign(egCtx, &c); err != nil {
				logger.Error("[Scheduler] campaign %s admission failed: %v", c.ID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (s *Scheduler) limiterFor(c *store.Campaign) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[c.ID]
	if !ok {
		rps := c.RateLimitPerSecond
		if rps <= 0 {
			rps = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), 1)
		s.limiters[c.ID] = lim
	}
	return lim
}

// admitCampaign runs one admission pass for a single campaign (spec
// §4.H.1 steps 1-4).
func (s *Scheduler) admitCampaign(ctx context.Context, c *store.Campaign) error {
	inFlight, err := s.runs.CountInFlight(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("count in flight: %w", err)
	}
	slotsRemaining := c.ConcurrencyCap - inFlight
	if slotsRemaining <= 0 {
		return nil
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 25
	}
	if slotsRemaining < batch {
		batch = slotsRemaining
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin admission tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	dueRetries, err := s.queued.FetchDueRetries(ctx, tx, c.ID, batch, now)
	if err != nil {
		return fmt.Errorf("fetch due retries: %w", err)
	}

	readyBatch := batch - len(dueRetries)
	var ready []store.QueuedRun
	if readyBatch > 0 {
		ready, err = s.queued.FetchReady(ctx, tx, c.ID, readyBatch)
		if err != nil {
			return fmt.Errorf("fetch ready: %w", err)
		}
	}

	candidates := append(dueRetries, ready...)
	limiter := s.limiterFor(c)

	for i := range candidates {
		q := &candidates[i]
		if !limiter.Allow() {
			break
		}
		if err := s.admitOne(ctx, tx, c, q); err != nil {
			logger.Error("[Scheduler] admit queued run %s failed: %v", q.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit admission tx: %w", err)
	}

	return s.campaigns.TouchLastBatchScheduled(ctx, c.ID, now)
}

// admitOne marks one QueuedRun as processing, creates its WorkflowRun, and
// dispatches it, all inside a savepoint on the caller's transaction. A
// failure at any step (dispatch included) rolls the savepoint back, which
// leaves the QueuedRun queued and creates no WorkflowRun (spec §4.H.1
// step 3, §7 "Scheduler admission errors").
func (s *Scheduler) admitOne(ctx context.Context, tx pgx.Tx, c *store.Campaign, q *store.QueuedRun) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	if err := s.queued.MarkProcessing(ctx, sp, q.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	run := &store.WorkflowRun{
		ID:             uuid.NewString(),
		TenantID:       c.TenantID,
		CampaignID:     &c.ID,
		QueuedRunID:    &q.ID,
		Mode:           "voice",
		InitialContext: q.ContextVariables,
	}
	if err := s.runs.Create(ctx, sp, run); err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, c, run, q); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return sp.Commit(ctx)
}
