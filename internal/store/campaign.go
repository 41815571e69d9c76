package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const campaignSchema = `
CREATE TABLE IF NOT EXISTS campaigns (
    id                     TEXT PRIMARY KEY,
    tenant_id              TEXT NOT NULL,
    state                  TEXT NOT NULL DEFAULT 'created',
    rate_limit_per_second  DOUBLE PRECISION NOT NULL DEFAULT 1,
    concurrency_cap        INTEGER NOT NULL DEFAULT 10,
    retry_config           JSONB NOT NULL DEFAULT '{}',
    orchestrator_metadata  JSONB NOT NULL DEFAULT '{}',
    last_batch_scheduled_at TIMESTAMPTZ,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_campaigns_tenant ON campaigns(tenant_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_state ON campaigns(state);
`

// Campaign states, per spec §4.H.3: created → syncing → running ↔ paused →
// completed|failed.
const (
	CampaignCreated   = "created"
	CampaignSyncing   = "syncing"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

// RetryPolicy names which disposition buckets get retried and how.
type RetryPolicy struct {
	Buckets        map[string]bool `json:"buckets"`
	MaxRetries     int             `json:"max_retries"`
	RetryDelaySecs int             `json:"retry_delay_seconds"`
	ErrorThreshold int             `json:"error_threshold"`
}

// Campaign is one dialing campaign (spec §6 "Persisted state keys").
type Campaign struct {
	ID                   string
	TenantID             string
	State                string
	RateLimitPerSecond   float64
	ConcurrencyCap       int
	RetryConfig          RetryPolicy
	OrchestratorMetadata map[string]interface{}
	LastBatchScheduledAt *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CampaignStore persists Campaign rows.
type CampaignStore interface {
	Create(ctx context.Context, c *Campaign) error
	Get(ctx context.Context, id string) (*Campaign, error)
	UpdateState(ctx context.Context, id, state string) error
	TouchLastBatchScheduled(ctx context.Context, id string, at time.Time) error
	ListByState(ctx context.Context, state string) ([]Campaign, error)
}

// PostgresCampaignStore is a CampaignStore backed by Postgres.
type PostgresCampaignStore struct {
	db DB
}

var _ CampaignStore = (*PostgresCampaignStore)(nil)

// NewPostgresCampaignStore creates a store over db (a pool or an open tx).
func NewPostgresCampaignStore(db DB) *PostgresCampaignStore {
	return &PostgresCampaignStore{db: db}
}

func (s *PostgresCampaignStore) Create(ctx context.Context, c *Campaign) error {
	retryJSON, err := json.Marshal(c.RetryConfig)
	if err != nil {
		return fmt.Errorf("store: marshal retry_config: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMap(c.OrchestratorMetadata))
	if err != nil {
		return fmt.Errorf("store: marshal orchestrator_metadata: %w", err)
	}

	const query = `
		INSERT INTO campaigns (id, tenant_id, state, rate_limit_per_second, concurrency_cap, retry_config, orchestrator_metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query, c.ID, c.TenantID, defaultState(c.State), c.RateLimitPerSecond, c.ConcurrencyCap, retryJSON, metaJSON).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: campaign %q already exists", c.ID)
		}
		return fmt.Errorf("store: create campaign: %w", err)
	}
	return nil
}

func (s *PostgresCampaignStore) Get(ctx context.Context, id string) (*Campaign, error) {
	const query = `
		SELECT id, tenant_id, state, rate_limit_per_second, concurrency_cap,
		       retry_config, orchestrator_metadata, last_batch_scheduled_at,
		       created_at, updated_at
		FROM campaigns WHERE id = $1`

	var c Campaign
	var retryJSON, metaJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.TenantID, &c.State, &c.RateLimitPerSecond, &c.ConcurrencyCap,
		&retryJSON, &metaJSON, &c.LastBatchScheduledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get campaign %q: %w", id, err)
	}
	if err := json.Unmarshal(retryJSON, &c.RetryConfig); err != nil {
		return nil, fmt.Errorf("store: unmarshal retry_config: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &c.OrchestratorMetadata); err != nil {
		return nil, fmt.Errorf("store: unmarshal orchestrator_metadata: %w", err)
	}
	return &c, nil
}

func (s *PostgresCampaignStore) UpdateState(ctx context.Context, id, state string) error {
	const query = `UPDATE campaigns SET state = $2, updated_at = now() WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, state)
	if err != nil {
		return fmt.Errorf("store: update campaign state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: campaign %q not found", id)
	}
	return nil
}

func (s *PostgresCampaignStore) TouchLastBatchScheduled(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE campaigns SET last_batch_scheduled_at = $2, updated_at = now() WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("store: touch last_batch_scheduled_at: %w", err)
	}
	return nil
}

func (s *PostgresCampaignStore) ListByState(ctx context.Context, state string) ([]Campaign, error) {
	const query = `
		SELECT id, tenant_id, state, rate_limit_per_second, concurrency_cap,
		       retry_config, orchestrator_metadata, last_batch_scheduled_at,
		       created_at, updated_at
		FROM campaigns WHERE state = $1 ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("store: list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var c Campaign
		var retryJSON, metaJSON []byte
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.State, &c.RateLimitPerSecond, &c.ConcurrencyCap,
			&retryJSON, &metaJSON, &c.LastBatchScheduledAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: list campaigns scan: %w", err)
		}
		if err := json.Unmarshal(retryJSON, &c.RetryConfig); err != nil {
			return nil, fmt.Errorf("store: unmarshal retry_config: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &c.OrchestratorMetadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal orchestrator_metadata: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func defaultState(s string) string {
	if s == "" {
		return CampaignCreated
	}
	return s
}

func emptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
