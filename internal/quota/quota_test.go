package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-ai/internal/store"
)

type fakeUsageCycleStore struct {
	used  int64
	quota int64
}

func (f *fakeUsageCycleStore) Reserve(ctx context.Context, tenantID string, periodStart, periodEnd time.Time, quota, estimate int64) error {
	if f.used+estimate > quota {
		return store.ErrQuotaExceeded
	}
	f.used += estimate
	f.quota = quota
	return nil
}

func (f *fakeUsageCycleStore) Reconcile(ctx context.Context, tenantID string, periodStart time.Time, delta int64, durationSeconds float64) error {
	f.used += delta
	return nil
}

func (f *fakeUsageCycleStore) Get(ctx context.Context, tenantID string, periodStart time.Time) (*store.UsageCycle, error) {
	return &store.UsageCycle{TenantID: tenantID, UsedDograhTokens: f.used, QuotaDograhTokens: f.quota}, nil
}

func TestChecker_ReserveWithinQuotaSucceeds(t *testing.T) {
	fake := &fakeUsageCycleStore{}
	c := NewChecker(fake, nil)

	require.NoError(t, c.Reserve(context.Background(), "tenant-1", 1000, 200, time.Now()))
	assert.Equal(t, int64(200), fake.used)
}

func TestChecker_ReserveOverQuotaFails(t *testing.T) {
	fake := &fakeUsageCycleStore{used: 900}
	c := NewChecker(fake, nil)

	err := c.Reserve(context.Background(), "tenant-1", 1000, 200, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, int64(900), fake.used, "usage must not change on a rejected reservation")
}

func TestChecker_ReconcileAdjustsDelta(t *testing.T) {
	fake := &fakeUsageCycleStore{used: 200}
	c := NewChecker(fake, nil)

	require.NoError(t, c.Reconcile(context.Background(), "tenant-1", 200, 150, 30.5, time.Now()))
	assert.Equal(t, int64(150), fake.used)
}

func TestMonthlyPeriod_SpansCalendarMonth(t *testing.T) {
	now := time.Date(2026, time.March, 15, 10, 30, 0, 0, time.UTC)
	start, end := MonthlyPeriod(now)

	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), end)
}
