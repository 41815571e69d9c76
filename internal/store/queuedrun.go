package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const queuedRunSchema = `
CREATE TABLE IF NOT EXISTS queued_runs (
    id                    TEXT PRIMARY KEY,
    campaign_id           TEXT NOT NULL,
    source_uuid           TEXT NOT NULL,
    state                 TEXT NOT NULL DEFAULT 'queued',
    retry_count           INTEGER NOT NULL DEFAULT 0,
    scheduled_for         TIMESTAMPTZ,
    parent_queued_run_id  TEXT,
    retry_reason          TEXT NOT NULL DEFAULT '',
    context_variables     JSONB NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (campaign_id, source_uuid, retry_count)
);
CREATE INDEX IF NOT EXISTS idx_queued_runs_admission ON queued_runs(campaign_id, state, scheduled_for, created_at);
`

// QueuedRun states.
const (
	QueuedRunQueued     = "queued"
	QueuedRunProcessing = "processing"
	QueuedRunProcessed  = "processed"
	QueuedRunFailed     = "failed"
)

// QueuedRun is one admission candidate for a campaign (spec §4.H, §6).
type QueuedRun struct {
	ID                string
	CampaignID        string
	SourceUUID        string
	State             string
	RetryCount        int
	ScheduledFor      *time.Time
	ParentQueuedRunID *string
	RetryReason       string
	ContextVariables  map[string]interface{}
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// QueuedRunStore persists QueuedRun rows and implements the admission
// queries spec §4.H.1/§4.H.4 require.
type QueuedRunStore interface {
	Enqueue(ctx context.Context, r *QueuedRun) error
	// FetchDueRetries returns up to limit queued rows whose scheduled_for
	// has passed, oldest first, locked FOR UPDATE SKIP LOCKED so
	// concurrent scheduler workers never double-admit the same row.
	FetchDueRetries(ctx context.Context, tx pgx.Tx, campaignID string, limit int, now time.Time) ([]QueuedRun, error)
	// FetchReady returns up to limit queued rows with no scheduled_for,
	// oldest created first, same locking semantics as FetchDueRetries.
	FetchReady(ctx context.Context, tx pgx.Tx, campaignID string, limit int) ([]QueuedRun, error)
	MarkProcessing(ctx context.Context, tx pgx.Tx, id string) error
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	MarkQueued(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*QueuedRun, error)
	CountByState(ctx context.Context, campaignID, state string) (int, error)
}

// PostgresQueuedRunStore is a QueuedRunStore backed by Postgres.
type PostgresQueuedRunStore struct {
	db DB
}

var _ QueuedRunStore = (*PostgresQueuedRunStore)(nil)

// NewPostgresQueuedRunStore creates a store over db.
func NewPostgresQueuedRunStore(db DB) *PostgresQueuedRunStore {
	return &PostgresQueuedRunStore{db: db}
}

func (s *PostgresQueuedRunStore) Enqueue(ctx context.Context, r *QueuedRun) error {
	ctxJSON, err := json.Marshal(emptyMap(r.ContextVariables))
	if err != nil {
		return fmt.Errorf("store: marshal context_variables: %w", err)
	}

	const query = `
		INSERT INTO queued_runs (id, campaign_id, source_uuid, state, retry_count, scheduled_for, parent_queued_run_id, retry_reason, context_variables)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		r.ID, r.CampaignID, r.SourceUUID, defaultQueuedState(r.State), r.RetryCount,
		r.ScheduledFor, r.ParentQueuedRunID, r.RetryReason, ctxJSON,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: queued run (campaign=%s source=%s retry=%d) already exists", r.CampaignID, r.SourceUUID, r.RetryCount)
		}
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresQueuedRunStore) FetchDueRetries(ctx context.Context, tx pgx.Tx, campaignID string, limit int, now time.Time) ([]QueuedRun, error) {
	const query = `
		SELECT id, campaign_id, source_uuid, state, retry_count, scheduled_for, parent_queued_run_id, retry_reason, context_variables, created_at, updated_at
		FROM queued_runs
		WHERE campaign_id = $1 AND state = $2 AND scheduled_for IS NOT NULL AND scheduled_for <= $3
		ORDER BY scheduled_for
		LIMIT $4
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, campaignID, QueuedRunQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch due retries: %w", err)
	}
	defer rows.Close()
	return scanQueuedRuns(rows)
}

func (s *PostgresQueuedRunStore) FetchReady(ctx context.Context, tx pgx.Tx, campaignID string, limit int) ([]QueuedRun, error) {
	const query = `
		SELECT id, campaign_id, source_uuid, state, retry_count, scheduled_for, parent_queued_run_id, retry_reason, context_variables, created_at, updated_at
		FROM queued_runs
		WHERE campaign_id = $1 AND state = $2 AND scheduled_for IS NULL
		ORDER BY created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, campaignID, QueuedRunQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch ready: %w", err)
	}
	defer rows.Close()
	return scanQueuedRuns(rows)
}

func scanQueuedRuns(rows pgx.Rows) ([]QueuedRun, error) {
	var out []QueuedRun
	for rows.Next() {
		var r QueuedRun
		var ctxJSON []byte
		if err := rows.Scan(
			&r.ID, &r.CampaignID, &r.SourceUUID, &r.State, &r.RetryCount, &r.ScheduledFor,
			&r.ParentQueuedRunID, &r.RetryReason, &ctxJSON, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan queued run: %w", err)
		}
		if err := json.Unmarshal(ctxJSON, &r.ContextVariables); err != nil {
			return nil, fmt.Errorf("store: unmarshal context_variables: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresQueuedRunStore) MarkProcessing(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `UPDATE queued_runs SET state = $2, updated_at = now() WHERE id = $1`
	tag, err := tx.Exec(ctx, query, id, QueuedRunProcessing)
	if err != nil {
		return fmt.Errorf("store: mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: queued run %q not found", id)
	}
	return nil
}

func (s *PostgresQueuedRunStore) MarkProcessed(ctx context.Context, id string) error {
	return s.setState(ctx, id, QueuedRunProcessed)
}

func (s *PostgresQueuedRunStore) MarkFailed(ctx context.Context, id string) error {
	return s.setState(ctx, id, QueuedRunFailed)
}

func (s *PostgresQueuedRunStore) MarkQueued(ctx context.Context, id string) error {
	return s.setState(ctx, id, QueuedRunQueued)
}

func (s *PostgresQueuedRunStore) setState(ctx context.Context, id, state string) error {
	const query = `UPDATE queued_runs SET state = $2, updated_at = now() WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, state)
	if err != nil {
		return fmt.Errorf("store: set queued run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: queued run %q not found", id)
	}
	return nil
}

func (s *PostgresQueuedRunStore) Get(ctx context.Context, id string) (*QueuedRun, error) {
	const query = `
		SELECT id, campaign_id, source_uuid, state, retry_count, scheduled_for, parent_queued_run_id, retry_reason, context_variables, created_at, updated_at
		FROM queued_runs WHERE id = $1`

	var r QueuedRun
	var ctxJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.CampaignID, &r.SourceUUID, &r.State, &r.RetryCount, &r.ScheduledFor,
		&r.ParentQueuedRunID, &r.RetryReason, &ctxJSON, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get queued run %q: %w", id, err)
	}
	if err := json.Unmarshal(ctxJSON, &r.ContextVariables); err != nil {
		return nil, fmt.Errorf("store: unmarshal context_variables: %w", err)
	}
	return &r, nil
}

func (s *PostgresQueuedRunStore) CountByState(ctx context.Context, campaignID, state string) (int, error) {
	const query = `SELECT count(*) FROM queued_runs WHERE campaign_id = $1 AND state = $2`
	var n int
	if err := s.db.QueryRow(ctx, query, campaignID, state).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count queued runs: %w", err)
	}
	return n, nil
}

func defaultQueuedState(s string) string {
	if s == "" {
		return QueuedRunQueued
	}
	return s
}
