// Package quota enforces per-tenant token quotas and maps raw disposition
// codes through a tenant-scoped dictionary (spec §4.I).
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/square-key-labs/strawgo-ai/internal/store"
)

// ErrQuotaExceeded is returned by Checker.Reserve when a call would push a
// tenant's usage past its configured quota for the current billing period.
var ErrQuotaExceeded = store.ErrQuotaExceeded

// PeriodFunc computes the [start, end) billing period a given instant
// falls in. Tenants with monthly billing and tenants with custom cycles
// both implement this the same way: a pure function of "now".
type PeriodFunc func(now time.Time) (start, end time.Time)

// MonthlyPeriod is the default PeriodFunc: calendar-month billing periods
// in UTC.
func MonthlyPeriod(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return start, end
}

// Checker performs pre-call admission checks and post-call reconciliation
// against a tenant's OrganizationUsageCycle (spec §4.I, §7 "Quota
// exceeded").
type Checker struct {
	cycles store.UsageCycleStore
	period PeriodFunc
}

// NewChecker creates a Checker. period defaults to MonthlyPeriod if nil.
func NewChecker(cycles store.UsageCycleStore, period PeriodFunc) *Checker {
	if period == nil {
		period = MonthlyPeriod
	}
	return &Checker{cycles: cycles, period: period}
}

// Reserve admits a call of estimated token cost estimate against tenantID's
// current-period quota, atomically under the store's row lock. Returns
// ErrQuotaExceeded if admitting estimate would exceed quota — the pipeline
// must not start in that case (spec §7 "fail the call admission with a
// user-visible message; do not start the pipeline").
func (c *Checker) Reserve(ctx context.Context, tenantID string, quota, estimate int64, now time.Time) error {
	start, end := c.period(now)
	if err := c.cycles.Reserve(ctx, tenantID, start, end, quota, estimate); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			return fmt.Errorf("quota: tenant %q: %w", tenantID, ErrQuotaExceeded)
		}
		return fmt.Errorf("quota: reserve for tenant %q: %w", tenantID, err)
	}
	return nil
}

// Reconcile replaces a call's reserved estimate with its actual usage
// (spec §4.I "post-call reconciliation uses the actual token count and
// duration"). delta may be negative if actual usage came in under estimate.
func (c *Checker) Reconcile(ctx context.Context, tenantID string, estimate, actualTokens int64, durationSeconds float64, now time.Time) error {
	start, _ := c.period(now)
	delta := actualTokens - estimate
	if err := c.cycles.Reconcile(ctx, tenantID, start, delta, durationSeconds); err != nil {
		return fmt.Errorf("quota: reconcile for tenant %q: %w", tenantID, err)
	}
	return nil
}
