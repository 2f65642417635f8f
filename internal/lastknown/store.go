// Package lastknown keeps the most recent report per device for O(1)
// "where is my fleet" reads. The in-process map is authoritative for the
// running daemon; a Redis mirror can sit behind it so dashboards and
// sibling processes read without touching MySQL.
package lastknown

import (
	"context"
	"sync"
	"time"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// Store is the last-known projection. Put is mechanical: a strictly newer
// device_ts replaces the entry, anything else is reported stale. Policy
// (only LIVE reports reach the projection) belongs to the ingest service.
type Store interface {
	// Put records r if it is newer than the stored entry. The bool reports
	// whether the entry advanced.
	Put(ctx context.Context, r *types.Report) (bool, error)
	// Get returns the entry for a device, or storage.ErrNotFound.
	Get(ctx context.Context, deviceID string) (*types.LastKnown, error)
	// All returns every entry, unordered.
	All(ctx context.Context) ([]*types.LastKnown, error)
	// Count returns the number of tracked devices.
	Count(ctx context.Context) (int, error)
	Close() error
}

// memoryStore is the default single-process implementation.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]types.LastKnown
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]types.LastKnown)}
}

func (m *memoryStore) Put(ctx context.Context, r *types.Report) (bool, error) {
	if r == nil || r.DeviceID == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[r.DeviceID]; ok && !cur.DeviceTS.Before(r.DeviceTS) {
		return false, nil
	}
	m.entries[r.DeviceID] = types.LastKnown{Report: *r, UpdatedAt: time.Now()}
	return true, nil
}

func (m *memoryStore) Get(ctx context.Context, deviceID string) (*types.LastKnown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.entries[deviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cur
	return &out, nil
}

func (m *memoryStore) All(ctx context.Context) ([]*types.LastKnown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.LastKnown, 0, len(m.entries))
	for _, cur := range m.entries {
		c := cur
		out = append(out, &c)
	}
	return out, nil
}

func (m *memoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *memoryStore) Close() error { return nil }
