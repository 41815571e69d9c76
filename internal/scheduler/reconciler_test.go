package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-ai/internal/store"
)

type fakeCampaignStore struct {
	byID map[string]*store.Campaign
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{byID: make(map[string]*store.Campaign)}
}

func (f *fakeCampaignStore) Create(ctx context.Context, c *store.Campaign) error {
	cp := *c
	f.byID[c.ID] = &cp
	return nil
}

func (f *fakeCampaignStore) Get(ctx context.Context, id string) (*store.Campaign, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaignStore) UpdateState(ctx context.Context, id, state string) error {
	c, ok := f.byID[id]
	if !ok {
		return nil
	}
	c.State = state
	return nil
}

func (f *fakeCampaignStore) TouchLastBatchScheduled(ctx context.Context, id string, at time.Time) error {
	if c, ok := f.byID[id]; ok {
		c.LastBatchScheduledAt = &at
	}
	return nil
}

func (f *fakeCampaignStore) ListByState(ctx context.Context, state string) ([]store.Campaign, error) {
	var out []store.Campaign
	for _, c := range f.byID {
		if c.State == state {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeWorkflowRunStore struct {
	byID map[string]*store.WorkflowRun
}

func newFakeWorkflowRunStore() *fakeWorkflowRunStore {
	return &fakeWorkflowRunStore{byID: make(map[string]*store.WorkflowRun)}
}

func (f *fakeWorkflowRunStore) Create(ctx context.Context, tx pgx.Tx, r *store.WorkflowRun) error {
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}

func (f *fakeWorkflowRunStore) Get(ctx context.Context, id string) (*store.WorkflowRun, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeWorkflowRunStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	if r, ok := f.byID[id]; ok {
		r.LastHeartbeatAt = &at
	}
	return nil
}

func (f *fakeWorkflowRunStore) Complete(ctx context.Context, id, mappedDisposition string, usage, cost, gathered map[string]interface{}) error {
	if r, ok := f.byID[id]; ok {
		r.IsCompleted = true
		r.MappedDisposition = mappedDisposition
	}
	return nil
}

func (f *fakeWorkflowRunStore) MarkFailed(ctx context.Context, id string) error {
	if r, ok := f.byID[id]; ok {
		r.IsCompleted = true
		r.State = "failed"
	}
	return nil
}

func (f *fakeWorkflowRunStore) FindOrphans(ctx context.Context, staleThreshold time.Duration, now time.Time) ([]store.WorkflowRun, error) {
	var out []store.WorkflowRun
	cutoff := now.Add(-staleThreshold)
	for _, r := range f.byID {
		if r.IsCompleted {
			continue
		}
		if r.LastHeartbeatAt == nil || r.LastHeartbeatAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeWorkflowRunStore) CountInFlight(ctx context.Context, campaignID string) (int, error) {
	n := 0
	for _, r := range f.byID {
		if r.CampaignID != nil && *r.CampaignID == campaignID && !r.IsCompleted {
			n++
		}
	}
	return n, nil
}

func TestReconciler_SweepOrphansMarksFailedAndRetries(t *testing.T) {
	campaigns := newFakeCampaignStore()
	queued := newFakeQueuedRunStore()
	runs := newFakeWorkflowRunStore()

	campaignID := "c1"
	campaigns.byID[campaignID] = &store.Campaign{
		ID:          campaignID,
		State:       store.CampaignRunning,
		RetryConfig: store.RetryPolicy{Buckets: map[string]bool{"other": true}, MaxRetries: 2},
	}

	queuedID := "q1"
	queued.byID[queuedID] = &store.QueuedRun{ID: queuedID, CampaignID: campaignID, SourceUUID: "src-1", State: store.QueuedRunProcessing}

	old := time.Now().Add(-time.Hour)
	runID := "r1"
	runs.byID[runID] = &store.WorkflowRun{ID: runID, CampaignID: &campaignID, QueuedRunID: &queuedID, LastHeartbeatAt: &old}

	r := &Reconciler{
		campaigns:      campaigns,
		queued:         queued,
		runs:           runs,
		retry:          NewRetryCoordinator(queued),
		StaleThreshold: 10 * time.Minute,
	}

	require.NoError(t, r.SweepOrphans(context.Background(), time.Now()))

	assert.True(t, runs.byID[runID].IsCompleted)
	assert.Equal(t, store.QueuedRunProcessed, queued.byID[queuedID].State)

	var retry *store.QueuedRun
	for _, q := range queued.byID {
		if q.ParentQueuedRunID != nil && *q.ParentQueuedRunID == queuedID {
			retry = q
		}
	}
	require.NotNil(t, retry, "orphan recovery should enqueue a retry when policy allows it")
}

func TestReconciler_CompletesCampaignWithNoRemainingWork(t *testing.T) {
	campaigns := newFakeCampaignStore()
	queued := newFakeQueuedRunStore()
	runs := newFakeWorkflowRunStore()

	campaignID := "c1"
	campaigns.byID[campaignID] = &store.Campaign{ID: campaignID, State: store.CampaignRunning}

	r := NewReconciler(campaigns, queued, runs, NewRetryCoordinator(queued))
	require.NoError(t, r.reconcileCampaignStates(context.Background(), time.Now()))

	assert.Equal(t, store.CampaignCompleted, campaigns.byID[campaignID].State)
}

func TestReconciler_LeavesCampaignRunningWithPendingWork(t *testing.T) {
	campaigns := newFakeCampaignStore()
	queued := newFakeQueuedRunStore()
	runs := newFakeWorkflowRunStore()

	campaignID := "c1"
	campaigns.byID[campaignID] = &store.Campaign{ID: campaignID, State: store.CampaignRunning}
	queued.byID["q1"] = &store.QueuedRun{ID: "q1", CampaignID: campaignID, State: store.QueuedRunQueued}

	r := NewReconciler(campaigns, queued, runs, NewRetryCoordinator(queued))
	require.NoError(t, r.reconcileCampaignStates(context.Background(), time.Now()))

	assert.Equal(t, store.CampaignRunning, campaigns.byID[campaignID].State)
}
