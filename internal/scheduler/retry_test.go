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

// fakeQueuedRunStore is an in-memory store.QueuedRunStore sufficient for
// exercising scheduler logic without a real Postgres connection.
type fakeQueuedRunStore struct {
	byID map[string]*store.QueuedRun
}

func newFakeQueuedRunStore() *fakeQueuedRunStore {
	return &fakeQueuedRunStore{byID: make(map[string]*store.QueuedRun)}
}

func (f *fakeQueuedRunStore) Enqueue(ctx context.Context, r *store.QueuedRun) error {
	if r.State == "" {
		r.State = store.QueuedRunQueued
	}
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}

func (f *fakeQueuedRunStore) FetchDueRetries(ctx context.Context, tx pgx.Tx, campaignID string, limit int, now time.Time) ([]store.QueuedRun, error) {
	var out []store.QueuedRun
	for _, r := range f.byID {
		if r.CampaignID == campaignID && r.State == store.QueuedRunQueued && r.ScheduledFor != nil && !r.ScheduledFor.After(now) {
			out = append(out, *r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeQueuedRunStore) FetchReady(ctx context.Context, tx pgx.Tx, campaignID string, limit int) ([]store.QueuedRun, error) {
	var out []store.QueuedRun
	for _, r := range f.byID {
		if r.CampaignID == campaignID && r.State == store.QueuedRunQueued && r.ScheduledFor == nil {
			out = append(out, *r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeQueuedRunStore) MarkProcessing(ctx context.Context, tx pgx.Tx, id string) error {
	return f.setState(id, store.QueuedRunProcessing)
}

func (f *fakeQueuedRunStore) MarkProcessed(ctx context.Context, id string) error {
	return f.setState(id, store.QueuedRunProcessed)
}

func (f *fakeQueuedRunStore) MarkFailed(ctx context.Context, id string) error {
	return f.setState(id, store.QueuedRunFailed)
}

func (f *fakeQueuedRunStore) MarkQueued(ctx context.Context, id string) error {
	return f.setState(id, store.QueuedRunQueued)
}

func (f *fakeQueuedRunStore) setState(id, state string) error {
	r, ok := f.byID[id]
	if !ok {
		return nil
	}
	r.State = state
	return nil
}

func (f *fakeQueuedRunStore) Get(ctx context.Context, id string) (*store.QueuedRun, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeQueuedRunStore) CountByState(ctx context.Context, campaignID, state string) (int, error) {
	n := 0
	for _, r := range f.byID {
		if r.CampaignID == campaignID && r.State == state {
			n++
		}
	}
	return n, nil
}

func TestRetryCoordinator_EnabledBucketUnderMaxSchedulesRetry(t *testing.T) {
	queued := newFakeQueuedRunStore()
	original := &store.QueuedRun{ID: "q1", CampaignID: "c1", SourceUUID: "src-1", RetryCount: 0, State: store.QueuedRunProcessing}
	queued.byID[original.ID] = original

	policy := store.RetryPolicy{Buckets: map[string]bool{"voicemail": true}, MaxRetries: 3, RetryDelaySecs: 60}
	rc := NewRetryCoordinator(queued)

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rc.OnCallCompleted(context.Background(), policy, original, "VOICEMAIL_DETECTED", false, now))

	assert.Equal(t, store.QueuedRunProcessed, original.State)

	var retry *store.QueuedRun
	for _, r := range queued.byID {
		if r.ParentQueuedRunID != nil && *r.ParentQueuedRunID == "q1" {
			retry = r
		}
	}
	require.NotNil(t, retry)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, "voicemail", retry.RetryReason)
	assert.Equal(t, now.Add(60*time.Second), *retry.ScheduledFor)
}

func TestRetryCoordinator_DisabledBucketMarksProcessedNoRetry(t *testing.T) {
	queued := newFakeQueuedRunStore()
	original := &store.QueuedRun{ID: "q1", CampaignID: "c1", SourceUUID: "src-1", State: store.QueuedRunProcessing}
	queued.byID[original.ID] = original

	policy := store.RetryPolicy{Buckets: map[string]bool{}, MaxRetries: 3}
	rc := NewRetryCoordinator(queued)

	require.NoError(t, rc.OnCallCompleted(context.Background(), policy, original, "USER_QUALIFIED", false, time.Now()))

	assert.Equal(t, store.QueuedRunProcessed, original.State)
	assert.Len(t, queued.byID, 1, "no retry should have been enqueued")
}

func TestRetryCoordinator_MaxRetriesExhaustedMarksProcessed(t *testing.T) {
	queued := newFakeQueuedRunStore()
	original := &store.QueuedRun{ID: "q1", CampaignID: "c1", SourceUUID: "src-1", RetryCount: 3, State: store.QueuedRunProcessing}
	queued.byID[original.ID] = original

	policy := store.RetryPolicy{Buckets: map[string]bool{"voicemail": true}, MaxRetries: 3}
	rc := NewRetryCoordinator(queued)

	require.NoError(t, rc.OnCallCompleted(context.Background(), policy, original, "VOICEMAIL_DETECTED", false, time.Now()))

	assert.Equal(t, store.QueuedRunProcessed, original.State)
	assert.Len(t, queued.byID, 1)
}

func TestRetryCoordinator_NonRetryableErrorMarksFailed(t *testing.T) {
	queued := newFakeQueuedRunStore()
	original := &store.QueuedRun{ID: "q1", CampaignID: "c1", SourceUUID: "src-1", State: store.QueuedRunProcessing}
	queued.byID[original.ID] = original

	policy := store.RetryPolicy{Buckets: map[string]bool{"voicemail": true}, MaxRetries: 3}
	rc := NewRetryCoordinator(queued)

	require.NoError(t, rc.OnCallCompleted(context.Background(), policy, original, "", true, time.Now()))

	assert.Equal(t, store.QueuedRunFailed, original.State)
}
