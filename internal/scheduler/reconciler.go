package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/square-key-labs/strawgo-ai/internal/store"
	"github.com/square-key-labs/strawgo-ai/src/logger"
)

// Reconciler advances campaign state and recovers orphaned workflow runs
// on each orchestrator tick (spec §4.H.3, §4.H.4).
type Reconciler struct {
	campaigns store.CampaignStore
	queued    store.QueuedRunStore
	runs      store.WorkflowRunStore
	retry     *RetryCoordinator

	// StaleThreshold bounds how long a WorkflowRun may go without a
	// transport heartbeat before it's considered orphaned.
	StaleThreshold time.Duration
	// ErrorThreshold is stored but not read anywhere in this package; the
	// Reconciler never moves a campaign to the failed state.
	ErrorThreshold int
}

// NewReconciler creates a Reconciler. StaleThreshold defaults to 10 minutes
// when <= 0.
func NewReconciler(campaigns store.CampaignStore, queued store.QueuedRunStore, runs store.WorkflowRunStore, retry *RetryCoordinator) *Reconciler {
	return &Reconciler{
		campaigns:      campaigns,
		queued:         queued,
		runs:           runs,
		retry:          retry,
		StaleThreshold: 10 * time.Minute,
	}
}

// Tick runs one reconciliation pass: campaign completion detection (§4.H.3)
// and orphan recovery (§4.H.4).
func (r *Reconciler) Tick(ctx context.Context, now time.Time) error {
	if err := r.SweepOrphans(ctx, now); err != nil {
		return fmt.Errorf("scheduler: reconcile: sweep orphans: %w", err)
	}
	return r.reconcileCampaignStates(ctx, now)
}

// reconcileCampaignStates transitions a running campaign to completed once
// it has no queued work and nothing in flight (spec §4.H.3).
func (r *Reconciler) reconcileCampaignStates(ctx context.Context, now time.Time) error {
	campaigns, err := r.campaigns.ListByState(ctx, store.CampaignRunning)
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}

	for i := range campaigns {
		c := &campaigns[i]
		queuedCount, err := r.queued.CountByState(ctx, c.ID, store.QueuedRunQueued)
		if err != nil {
			logger.Error("[Reconciler] count queued for %s: %v", c.ID, err)
			continue
		}
		processingCount, err := r.queued.CountByState(ctx, c.ID, store.QueuedRunProcessing)
		if err != nil {
			logger.Error("[Reconciler] count processing for %s: %v", c.ID, err)
			continue
		}
		inFlight, err := r.runs.CountInFlight(ctx, c.ID)
		if err != nil {
			logger.Error("[Reconciler] count in flight for %s: %v", c.ID, err)
			continue
		}

		if queuedCount == 0 && processingCount == 0 && inFlight == 0 {
			if err := r.campaigns.UpdateState(ctx, c.ID, store.CampaignCompleted); err != nil {
				logger.Error("[Reconciler] complete campaign %s: %v", c.ID, err)
			}
		}
	}
	return nil
}

// SweepOrphans finds WorkflowRuns that have gone stale without a transport
// heartbeat, marks them failed, and enqueues a retry if the campaign's
// policy allows it (spec §4.H.4 "Orphan recovery").
func (r *Reconciler) SweepOrphans(ctx context.Context, now time.Time) error {
	threshold := r.StaleThreshold
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}

	orphans, err := r.runs.FindOrphans(ctx, threshold, now)
	if err != nil {
		return fmt.Errorf("find orphans: %w", err)
	}

	for i := range orphans {
		run := &orphans[i]
		if err := r.runs.MarkFailed(ctx, run.ID); err != nil {
			logger.Error("[Reconciler] mark orphan %s failed: %v", run.ID, err)
			continue
		}
		logger.Warn("[Reconciler] recovered orphaned workflow run %s (campaign=%v)", run.ID, run.CampaignID)

		if run.QueuedRunID == nil || run.CampaignID == nil {
			continue
		}
		queued, err := r.queued.Get(ctx, *run.QueuedRunID)
		if err != nil || queued == nil {
			continue
		}
		campaign, err := r.campaigns.Get(ctx, *run.CampaignID)
		if err != nil || campaign == nil {
			continue
		}
		if err := r.retry.OnCallCompleted(ctx, campaign.RetryConfig, queued, "UNKNOWN", false, now); err != nil {
			logger.Error("[Reconciler] retry orphan %s: %v", run.ID, err)
		}
	}
	return nil
}
