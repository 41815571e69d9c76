package quota

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-ai/internal/engine"
)

var _ engine.DispositionMapper = (*DispositionMapper)(nil)

// MappingFetcher loads a tenant's disposition dictionary (raw code ->
// outbound code) from wherever it is configured (DB row, config service).
type MappingFetcher interface {
	FetchMapping(ctx context.Context, tenantID string) (map[string]string, error)
}

// cacheEntry is a tenant's cached mapping, grounded on the same
// expires-at-timestamp TTL shape used elsewhere in the example corpus for
// per-key caches.
type cacheEntry struct {
	mapping   map[string]string
	expiresAt time.Time
}

// DispositionMapper caches each tenant's disposition dictionary for ttl,
// implementing engine.DispositionMapper. Absent values pass through
// unchanged (spec §4.I "Mapping lookup").
type DispositionMapper struct {
	fetch MappingFetcher
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewDispositionMapper creates a mapper that refetches a tenant's
// dictionary at most once per ttl. ttl <= 0 defaults to 5 minutes.
func NewDispositionMapper(fetch MappingFetcher, ttl time.Duration) *DispositionMapper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DispositionMapper{
		fetch:   fetch,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

// Map remaps raw through tenantID's cached dictionary. On cache miss or
// expiry it fetches synchronously; on fetch error it falls back to the
// identity mapping rather than blocking call termination on a disposition
// lookup failure.
func (m *DispositionMapper) Map(tenantID, raw string) string {
	mapping, ok := m.lookup(tenantID)
	if !ok {
		fetched, err := m.fetch.FetchMapping(context.Background(), tenantID)
		if err != nil {
			return raw
		}
		mapping = fetched
		m.store(tenantID, mapping)
	}
	if mapped, ok := mapping[raw]; ok {
		return mapped
	}
	return raw
}

// Invalidate forces the next Map call for tenantID to refetch.
func (m *DispositionMapper) Invalidate(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, tenantID)
}

func (m *DispositionMapper) lookup(tenantID string) (map[string]string, bool) {
	m.mu.RLock()
	entry, ok := m.entries[tenantID]
	m.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.mapping, true
}

func (m *DispositionMapper) store(tenantID string, mapping map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tenantID] = &cacheEntry{mapping: mapping, expiresAt: time.Now().Add(m.ttl)}
}
