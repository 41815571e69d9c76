package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/strawgo-ai/internal/store"
)

// RetryCoordinator applies a campaign's retry policy on call completion
// (spec §4.H.2).
type RetryCoordinator struct {
	queued store.QueuedRunStore
}

// NewRetryCoordinator creates a RetryCoordinator.
func NewRetryCoordinator(queued store.QueuedRunStore) *RetryCoordinator {
	return &RetryCoordinator{queued: queued}
}

// OnCallCompleted reads the completed run's mapped disposition and, if the
// campaign's retry policy has that bucket enabled and retry_count hasn't
// hit max_retries, enqueues a new QueuedRun scheduled retry_delay_seconds
// out. Otherwise the original is marked processed (or failed for
// non-retryable errors, via MarkFailed).
func (r *RetryCoordinator) OnCallCompleted(ctx context.Context, policy store.RetryPolicy, original *store.QueuedRun, mappedDisposition string, nonRetryableError bool, now time.Time) error {
	if nonRetryableError {
		return r.queued.MarkFailed(ctx, original.ID)
	}

	bucket := dispositionBucket(mappedDisposition)
	if !policy.Buckets[bucket] || original.RetryCount >= policy.MaxRetries {
		return r.queued.MarkProcessed(ctx, original.ID)
	}

	delay := time.Duration(policy.RetryDelaySecs) * time.Second
	scheduledFor := now.Add(delay)
	parentID := original.ID

	retry := &store.QueuedRun{
		ID:                uuid.NewString(),
		CampaignID:        original.CampaignID,
		SourceUUID:        original.SourceUUID,
		RetryCount:        original.RetryCount + 1,
		ScheduledFor:      &scheduledFor,
		ParentQueuedRunID: &parentID,
		RetryReason:       bucket,
		ContextVariables:  original.ContextVariables,
	}
	if err := r.queued.Enqueue(ctx, retry); err != nil {
		return fmt.Errorf("scheduler: enqueue retry for %s: %w", original.ID, err)
	}
	return r.queued.MarkProcessed(ctx, original.ID)
}

// dispositionBucket maps a mapped disposition code down to the coarse
// retry-policy bucket names spec §4.H.2 names as examples (busy, no_answer,
// voicemail). Codes with no specific bucket fall into "other".
func dispositionBucket(mappedDisposition string) string {
	switch mappedDisposition {
	case "VOICEMAIL_DETECTED":
		return "voicemail"
	case "USER_HANGUP":
		return "no_answer"
	case "NIBP":
		return "busy"
	default:
		return "other"
	}
}
