// Package health samples the partitioned store and raises tiered alerts.
//
// The monitor sweeps the partition catalog, classifies every partition
// against the active threshold profile, and snapshots the database-level
// probes (footprint, sentinel query latency, connection validity, deadlock
// flag). Sweeps are cached for five minutes; callers that need live numbers
// call Sweep directly. Alerting is edge-triggered and lives in the Alerter.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// DefaultCacheTTL bounds how stale a cached snapshot may be.
const DefaultCacheTTL = 5 * time.Minute

// PartitionHealth is one partition's classified sample.
type PartitionHealth struct {
	Info      types.PartitionInfo `json:"info"`
	Tier      types.Tier          `json:"tier"`
	Status    types.HealthStatus  `json:"status"`
	AgeMonths int                 `json:"age_months"`
}

// Snapshot is one full monitor sweep.
type Snapshot struct {
	TakenAt         time.Time           `json:"taken_at"`
	Partitions      []PartitionHealth   `json:"partitions"`
	TotalBytes      int64               `json:"total_bytes"`
	SentinelRows    int64               `json:"sentinel_rows"`
	SentinelElapsed time.Duration       `json:"sentinel_elapsed"`
	PingOK          bool                `json:"ping_ok"`
	PingError       string              `json:"ping_error,omitempty"`
	DeadlockSeen    bool                `json:"deadlock_seen"`
	Status          types.HealthStatus  `json:"status"`
}

// Worst returns the highest-severity partition entry, or nil when every
// partition is healthy.
func (s *Snapshot) Worst() *PartitionHealth {
	var worst *PartitionHealth
	for i := range s.Partitions {
		ph := &s.Partitions[i]
		if ph.Status == types.HealthOK {
			continue
		}
		if worst == nil || ph.Status.Rank() > worst.Status.Rank() {
			worst = ph
		}
	}
	return worst
}

// MonitorConfig carries the monitor tunables.
type MonitorConfig struct {
	Thresholds types.ThresholdProfile
	TierPolicy types.TierPolicy
	CacheTTL   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Monitor performs health sweeps. Safe for concurrent use.
type Monitor struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
	ttl   time.Duration

	mu         sync.Mutex
	thresholds types.ThresholdProfile
	policy     types.TierPolicy

	cacheMu sync.Mutex
	cached  *Snapshot
}

// NewMonitor builds a Monitor over the store.
func NewMonitor(store storage.Store, cfg MonitorConfig) *Monitor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Thresholds == (types.ThresholdProfile{}) {
		cfg.Thresholds = types.DefaultThresholdProfile()
	}
	if cfg.TierPolicy == (types.TierPolicy{}) {
		cfg.TierPolicy = types.DefaultTierPolicy()
	}
	return &Monitor{
		store:      store,
		log:        cfg.Logger,
		now:        cfg.Now,
		ttl:        cfg.CacheTTL,
		thresholds: cfg.Thresholds,
		policy:     cfg.TierPolicy,
	}
}

// SetThresholds swaps the active profile. Called by the config watcher on
// hot reload; the next sweep classifies against the new numbers.
func (m *Monitor) SetThresholds(tp types.ThresholdProfile) {
	m.mu.Lock()
	m.thresholds = tp
	m.mu.Unlock()
}

// Thresholds returns the active profile.
func (m *Monitor) Thresholds() types.ThresholdProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// Snapshot returns the cached sweep when it is fresh enough, sweeping
// otherwise.
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.cacheMu.Lock()
	if m.cached != nil && m.now().Sub(m.cached.TakenAt) < m.ttl {
		snap := m.cached
		m.cacheMu.Unlock()
		return snap, nil
	}
	m.cacheMu.Unlock()
	return m.Sweep(ctx)
}

// Sweep samples everything now and replaces the cache. The partition
// catalog read is the only fatal probe; database-level probes degrade to
// flags on the snapshot.
func (m *Monitor) Sweep(ctx context.Context) (*Snapshot, error) {
	parts, err := m.store.PartitionsFresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("partition sweep: %w", err)
	}

	m.mu.Lock()
	thresholds := m.thresholds
	policy := m.policy
	m.mu.Unlock()

	now := m.now()
	nowY, nowM := now.Year(), int(now.Month())

	snap := &Snapshot{TakenAt: now, Status: types.HealthOK}
	snap.Partitions = make([]PartitionHealth, 0, len(parts))
	for _, p := range parts {
		ph := PartitionHealth{
			Info:   p,
			Status: thresholds.Classify(p.SizeMB(), p.Rows),
			Tier:   types.TierActive,
		}
		if y, mo, err := types.ParsePartitionName(p.Name); err == nil {
			ph.AgeMonths = rawtime.MonthsBetween(y, mo, nowY, nowM)
			ph.Tier = policy.TierFor(ph.AgeMonths)
		}
		if ph.Status.Rank() > snap.Status.Rank() {
			snap.Status = ph.Status
		}
		snap.Partitions = append(snap.Partitions, ph)
	}

	if bytes, err := m.store.DatabaseBytes(ctx); err != nil {
		m.log.Warn("database size probe failed", "error", err)
	} else {
		snap.TotalBytes = bytes
	}

	if rows, elapsed, err := m.store.SentinelQuery(ctx); err != nil {
		m.log.Warn("sentinel query failed", "error", err)
	} else {
		snap.SentinelRows = rows
		snap.SentinelElapsed = elapsed
	}

	if err := m.store.Ping(ctx); err != nil {
		snap.PingError = err.Error()
	} else {
		snap.PingOK = true
	}

	if seen, err := m.store.DeadlockDetected(ctx); err != nil {
		m.log.Warn("deadlock probe failed", "error", err)
	} else {
		snap.DeadlockSeen = seen
	}

	m.cacheMu.Lock()
	m.cached = snap
	m.cacheMu.Unlock()
	return snap, nil
}
