// Package storetest provides an in-process InvalidationStore for tests of packages
// that read or write invalidation records.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msa-sandbox/crm/pkg/store"
)

// MemoryInvalidations keeps records in a map and expires them against its own clock.
type MemoryInvalidations struct {
	mu        sync.Mutex
	items     map[int64]memItem
	monotonic bool
	now       func() time.Time
}

type memItem struct {
	invalidatedAt int64
	expiresAt     time.Time
}

var _ store.InvalidationStore = (*MemoryInvalidations)(nil)

func NewMemoryInvalidations(monotonic bool) *MemoryInvalidations {
	return &MemoryInvalidations{items: map[int64]memItem{}, monotonic: monotonic, now: time.Now}
}

// WithClock replaces the clock used for expiry.
func (m *MemoryInvalidations) WithClock(now func() time.Time) *MemoryInvalidations {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryInvalidations) Get(ctx context.Context, userID int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[userID]
	if !ok {
		return 0, false, nil
	}
	return item.invalidatedAt, true, nil
}

func (m *MemoryInvalidations) Set(ctx context.Context, userID, invalidatedAt int64, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: ttl must be positive, got %s", ttl)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	if cur, ok := m.items[userID]; ok && m.monotonic && cur.invalidatedAt > invalidatedAt {
		return nil
	}
	m.items[userID] = memItem{invalidatedAt: invalidatedAt, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryInvalidations) List(ctx context.Context) ([]store.Invalidation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	now := m.now()
	out := make([]store.Invalidation, 0, len(m.items))
	for id, item := range m.items {
		out = append(out, store.Invalidation{UserID: id, InvalidatedAt: item.invalidatedAt, TTL: item.expiresAt.Sub(now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryInvalidations) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if !now.Before(v.expiresAt) {
			delete(m.items, k)
		}
	}
}
