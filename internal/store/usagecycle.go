package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const usageCycleSchema = `
CREATE TABLE IF NOT EXISTS organization_usage_cycles (
    tenant_id           TEXT NOT NULL,
    period_start        TIMESTAMPTZ NOT NULL,
    period_end          TIMESTAMPTZ NOT NULL,
    used_dograh_tokens  BIGINT NOT NULL DEFAULT 0,
    total_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    quota_dograh_tokens BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, period_start)
);
`

// UsageCycle is a tenant's billing-period usage counter (spec §4.I, §6).
type UsageCycle struct {
	TenantID             string
	PeriodStart          time.Time
	PeriodEnd            time.Time
	UsedDograhTokens     int64
	TotalDurationSeconds float64
	QuotaDograhTokens    int64
}

// ErrQuotaExceeded is returned by Reserve when admitting estimate would
// push usage past the tenant's quota for the current period.
var ErrQuotaExceeded = errors.New("store: quota exceeded")

// UsageCycleStore implements the atomic quota check of spec §4.I: the
// usage cycle for the current period is fetched or created
// (insert-on-conflict), and `used + estimate <= quota` is enforced in the
// same UPDATE so two concurrent calls can never both reserve past quota.
type UsageCycleStore interface {
	// Reserve atomically ensures a usage-cycle row exists for
	// [periodStart, periodEnd) and, under the same row lock, adds estimate
	// to used_dograh_tokens if doing so would not exceed quota. Returns
	// ErrQuotaExceeded otherwise.
	Reserve(ctx context.Context, tenantID string, periodStart, periodEnd time.Time, quota, estimate int64) error
	// Reconcile adjusts used_dograh_tokens by delta (actual-estimate) and
	// adds durationSeconds, under the same row lock (spec §4.I post-call
	// reconciliation).
	Reconcile(ctx context.Context, tenantID string, periodStart time.Time, delta int64, durationSeconds float64) error
	Get(ctx context.Context, tenantID string, periodStart time.Time) (*UsageCycle, error)
}

// PostgresUsageCycleStore is a UsageCycleStore backed by Postgres.
type PostgresUsageCycleStore struct {
	db DB
}

var _ UsageCycleStore = (*PostgresUsageCycleStore)(nil)

// NewPostgresUsageCycleStore creates a store over db.
func NewPostgresUsageCycleStore(db DB) *PostgresUsageCycleStore {
	return &PostgresUsageCycleStore{db: db}
}

func (s *PostgresUsageCycleStore) Reserve(ctx context.Context, tenantID string, periodStart, periodEnd time.Time, quota, estimate int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: reserve: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO organization_usage_cycles (tenant_id, period_start, period_end, used_dograh_tokens, total_duration_seconds, quota_dograh_tokens)
		VALUES ($1,$2,$3,0,0,$4)
		ON CONFLICT (tenant_id, period_start) DO NOTHING`
	if _, err := tx.Exec(ctx, upsert, tenantID, periodStart, periodEnd, quota); err != nil {
		return fmt.Errorf("store: reserve: ensure cycle: %w", err)
	}

	const reserve = `
		UPDATE organization_usage_cycles
		SET used_dograh_tokens = used_dograh_tokens + $3
		WHERE tenant_id = $1 AND period_start = $2
		  AND used_dograh_tokens + $3 <= quota_dograh_tokens
		RETURNING used_dograh_tokens`

	var newUsed int64
	err = tx.QueryRow(ctx, reserve, tenantID, periodStart, estimate).Scan(&newUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("store: reserve: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: reserve: commit: %w", err)
	}
	return nil
}

func (s *PostgresUsageCycleStore) Reconcile(ctx context.Context, tenantID string, periodStart time.Time, delta int64, durationSeconds float64) error {
	const query = `
		UPDATE organization_usage_cycles
		SET used_dograh_tokens = used_dograh_tokens + $3,
		    total_duration_seconds = total_duration_seconds + $4
		WHERE tenant_id = $1 AND period_start = $2`
	_, err := s.db.Exec(ctx, query, tenantID, periodStart, delta, durationSeconds)
	if err != nil {
		return fmt.Errorf("store: reconcile: %w", err)
	}
	return nil
}

func (s *PostgresUsageCycleStore) Get(ctx context.Context, tenantID string, periodStart time.Time) (*UsageCycle, error) {
	const query = `
		SELECT tenant_id, period_start, period_end, used_dograh_tokens, total_duration_seconds, quota_dograh_tokens
		FROM organization_usage_cycles WHERE tenant_id = $1 AND period_start = $2`

	var u UsageCycle
	err := s.db.QueryRow(ctx, query, tenantID, periodStart).Scan(
		&u.TenantID, &u.PeriodStart, &u.PeriodEnd, &u.UsedDograhTokens, &u.TotalDurationSeconds, &u.QuotaDograhTokens,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get usage cycle: %w", err)
	}
	return &u, nil
}
