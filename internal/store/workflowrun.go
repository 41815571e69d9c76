package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const workflowRunSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    campaign_id       TEXT,
    queued_run_id     TEXT,
    mode              TEXT NOT NULL DEFAULT 'voice',
    state             TEXT NOT NULL DEFAULT 'active',
    is_completed      BOOLEAN NOT NULL DEFAULT false,
    recording_ref     TEXT NOT NULL DEFAULT '',
    transcript_ref    TEXT NOT NULL DEFAULT '',
    usage_info        JSONB NOT NULL DEFAULT '{}',
    cost_info         JSONB NOT NULL DEFAULT '{}',
    initial_context   JSONB NOT NULL DEFAULT '{}',
    gathered_context  JSONB NOT NULL DEFAULT '{}',
    mapped_disposition TEXT NOT NULL DEFAULT '',
    last_heartbeat_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_campaign ON workflow_runs(campaign_id);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_orphan ON workflow_runs(is_completed, last_heartbeat_at);
`

// WorkflowRun is one executed (or executing) call, linked to its campaign
// admission if it came from one (spec §6 "Persisted state keys").
type WorkflowRun struct {
	ID                string
	TenantID          string
	CampaignID        *string
	QueuedRunID       *string
	Mode              string
	State             string
	IsCompleted       bool
	RecordingRef      string
	TranscriptRef     string
	UsageInfo         map[string]interface{}
	CostInfo          map[string]interface{}
	InitialContext    map[string]interface{}
	GatheredContext   map[string]interface{}
	MappedDisposition string
	LastHeartbeatAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkflowRunStore persists WorkflowRun rows.
type WorkflowRunStore interface {
	Create(ctx context.Context, tx pgx.Tx, r *WorkflowRun) error
	Get(ctx context.Context, id string) (*WorkflowRun, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, mappedDisposition string, usage, cost, gathered map[string]interface{}) error
	MarkFailed(ctx context.Context, id string) error
	// FindOrphans returns runs not yet completed whose last heartbeat is
	// older than staleThreshold (spec §4.H.4 "Orphan recovery").
	FindOrphans(ctx context.Context, staleThreshold time.Duration, now time.Time) ([]WorkflowRun, error)
	CountInFlight(ctx context.Context, campaignID string) (int, error)
}

// PostgresWorkflowRunStore is a WorkflowRunStore backed by Postgres.
type PostgresWorkflowRunStore struct {
	db DB
}

var _ WorkflowRunStore = (*PostgresWorkflowRunStore)(nil)

// NewPostgresWorkflowRunStore creates a store over db.
func NewPostgresWorkflowRunStore(db DB) *PostgresWorkflowRunStore {
	return &PostgresWorkflowRunStore{db: db}
}

func (s *PostgresWorkflowRunStore) Create(ctx context.Context, tx pgx.Tx, r *WorkflowRun) error {
	initJSON, err := json.Marshal(emptyMap(r.InitialContext))
	if err != nil {
		return fmt.Errorf("store: marshal initial_context: %w", err)
	}

	const query = `
		INSERT INTO workflow_runs (id, tenant_id, campaign_id, queued_run_id, mode, state, initial_context)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`

	exec := DB(tx)
	if tx == nil {
		exec = s.db
	}
	err = exec.QueryRow(ctx, query, r.ID, r.TenantID, r.CampaignID, r.QueuedRunID, defaultMode(r.Mode), defaultRunState(r.State), initJSON).
		Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create workflow run: %w", err)
	}
	return nil
}

func (s *PostgresWorkflowRunStore) Get(ctx context.Context, id string) (*WorkflowRun, error) {
	const query = `
		SELECT id, tenant_id, campaign_id, queued_run_id, mode, state, is_completed,
		       recording_ref, transcript_ref, usage_info, cost_info, initial_context,
		       gathered_context, mapped_disposition, last_heartbeat_at, created_at, updated_at
		FROM workflow_runs WHERE id = $1`

	var r WorkflowRun
	var usageJSON, costJSON, initJSON, gatherJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.TenantID, &r.CampaignID, &r.QueuedRunID, &r.Mode, &r.State, &r.IsCompleted,
		&r.RecordingRef, &r.TranscriptRef, &usageJSON, &costJSON, &initJSON,
		&gatherJSON, &r.MappedDisposition, &r.LastHeartbeatAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get workflow run %q: %w", id, err)
	}
	for _, pair := range []struct {
		raw []byte
		out *map[string]interface{}
	}{
		{usageJSON, &r.UsageInfo}, {costJSON, &r.CostInfo}, {initJSON, &r.InitialContext}, {gatherJSON, &r.GatheredContext},
	} {
		if err := json.Unmarshal(pair.raw, pair.out); err != nil {
			return nil, fmt.Errorf("store: unmarshal workflow run field: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresWorkflowRunStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE workflow_runs SET last_heartbeat_at = $2, updated_at = now() WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("store: heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresWorkflowRunStore) Complete(ctx context.Context, id string, mappedDisposition string, usage, cost, gathered map[string]interface{}) error {
	usageJSON, err := json.Marshal(emptyMap(usage))
	if err != nil {
		return fmt.Errorf("store: marshal usage_info: %w", err)
	}
	costJSON, err := json.Marshal(emptyMap(cost))
	if err != nil {
		return fmt.Errorf("store: marshal cost_info: %w", err)
	}
	gatherJSON, err := json.Marshal(emptyMap(gathered))
	if err != nil {
		return fmt.Errorf("store: marshal gathered_context: %w", err)
	}

	const query = `
		UPDATE workflow_runs
		SET is_completed = true, state = 'completed', mapped_disposition = $2,
		    usage_info = $3, cost_info = $4, gathered_context = $5, updated_at = now()
		WHERE id = $1`
	_, err = s.db.Exec(ctx, query, id, mappedDisposition, usageJSON, costJSON, gatherJSON)
	if err != nil {
		return fmt.Errorf("store: complete workflow run: %w", err)
	}
	return nil
}

func (s *PostgresWorkflowRunStore) MarkFailed(ctx context.Context, id string) error {
	const query = `UPDATE workflow_runs SET is_completed = true, state = 'failed', updated_at = now() WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: mark workflow run failed: %w", err)
	}
	return nil
}

func (s *PostgresWorkflowRunStore) FindOrphans(ctx context.Context, staleThreshold time.Duration, now time.Time) ([]WorkflowRun, error) {
	const query = `
		SELECT id, tenant_id, campaign_id, queued_run_id, mode, state, is_completed,
		       recording_ref, transcript_ref, usage_info, cost_info, initial_context,
		       gathered_context, mapped_disposition, last_heartbeat_at, created_at, updated_at
		FROM workflow_runs
		WHERE is_completed = false
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		  AND created_at < $1`

	cutoff := now.Add(-staleThreshold)
	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: find orphans: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRun
	for rows.Next() {
		var r WorkflowRun
		var usageJSON, costJSON, initJSON, gatherJSON []byte
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.CampaignID, &r.QueuedRunID, &r.Mode, &r.State, &r.IsCompleted,
			&r.RecordingRef, &r.TranscriptRef, &usageJSON, &costJSON, &initJSON,
			&gatherJSON, &r.MappedDisposition, &r.LastHeartbeatAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: find orphans scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresWorkflowRunStore) CountInFlight(ctx context.Context, campaignID string) (int, error) {
	const query = `SELECT count(*) FROM workflow_runs WHERE campaign_id = $1 AND is_completed = false`
	var n int
	if err := s.db.QueryRow(ctx, query, campaignID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count in flight: %w", err)
	}
	return n, nil
}

func defaultMode(m string) string {
	if m == "" {
		return "voice"
	}
	return m
}

func defaultRunState(s string) string {
	if s == "" {
		return "active"
	}
	return s
}
