package quota

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeMappingFetcher struct {
	calls   int32
	mapping map[string]string
	err     error
}

func (f *fakeMappingFetcher) FetchMapping(ctx context.Context, tenantID string) (map[string]string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.mapping, nil
}

func TestDispositionMapper_MapsKnownCode(t *testing.T) {
	fetcher := &fakeMappingFetcher{mapping: map[string]string{"VOICEMAIL_DETECTED": "AM"}}
	m := NewDispositionMapper(fetcher, time.Minute)

	assert.Equal(t, "AM", m.Map("tenant-1", "VOICEMAIL_DETECTED"))
}

func TestDispositionMapper_PassesThroughUnmappedCode(t *testing.T) {
	fetcher := &fakeMappingFetcher{mapping: map[string]string{"VOICEMAIL_DETECTED": "AM"}}
	m := NewDispositionMapper(fetcher, time.Minute)

	assert.Equal(t, "USER_QUALIFIED", m.Map("tenant-1", "USER_QUALIFIED"))
}

func TestDispositionMapper_CachesWithinTTL(t *testing.T) {
	fetcher := &fakeMappingFetcher{mapping: map[string]string{"HU": "HANGUP"}}
	m := NewDispositionMapper(fetcher, time.Hour)

	m.Map("tenant-1", "HU")
	m.Map("tenant-1", "HU")
	m.Map("tenant-1", "HU")

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
}

func TestDispositionMapper_RefetchesAfterInvalidate(t *testing.T) {
	fetcher := &fakeMappingFetcher{mapping: map[string]string{"HU": "HANGUP"}}
	m := NewDispositionMapper(fetcher, time.Hour)

	m.Map("tenant-1", "HU")
	m.Invalidate("tenant-1")
	m.Map("tenant-1", "HU")

	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))
}

func TestDispositionMapper_FetchErrorFallsBackToIdentity(t *testing.T) {
	fetcher := &fakeMappingFetcher{err: errors.New("boom")}
	m := NewDispositionMapper(fetcher, time.Hour)

	assert.Equal(t, "UNKNOWN", m.Map("tenant-1", "UNKNOWN"))
}
