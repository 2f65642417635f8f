// Package ingest implements the de-duplicating ingestion path.
//
// Reports enter through Ingest (live feed) or IngestBatch (bulk backfill),
// are normalized and validated, then land in the partitioned store as
// upserts keyed on (device_id, device_ts). Accepted live rows update the
// last-known projection and fan out onto the hub; panic flags raise a
// PanicAlert regardless of status. Storage-level outages retry with
// exponential backoff inside the 30 second ingest deadline; a missing
// target partition is surfaced to the caller, whose queue retries after
// the scheduler heartbeat has created the month.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/positrack/positrack/internal/lastknown"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// Status is the ingest verdict for a single report.
type Status int

const (
	// StatusAccepted means the row was inserted or merged into an
	// existing row.
	StatusAccepted Status = iota
	// StatusDuplicate means an identical row already existed; nothing
	// changed and no events were emitted.
	StatusDuplicate
	// StatusRejected means the report failed validation. Reason carries
	// the rejection text.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDuplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Result reports what Ingest did with one report.
type Result struct {
	Status  Status
	Outcome storage.RowOutcome // meaningful when Status is Accepted
	Reason  string             // set when Status is Rejected
}

// RowError ties a batch rejection back to its input index.
type RowError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult summarizes an IngestBatch call. Affected follows the MySQL
// affected-rows convention of storage.BatchOutcome.
type BatchResult struct {
	Rows     int        `json:"rows"`
	Affected int64      `json:"affected"`
	Rejected []RowError `json:"rejected,omitempty"`
}

const (
	// DefaultTimeout is the end-to-end deadline for one ingest call.
	DefaultTimeout = 30 * time.Second
	// DefaultBatchSize caps rows per multi-row upsert statement.
	DefaultBatchSize = 500

	retryInitialInterval = 100 * time.Millisecond
	retryMaxElapsed      = 10 * time.Second
)

// Publisher is the slice of the hub the ingest path needs.
type Publisher interface {
	Publish(ev types.Event)
}

// Config carries the tunables lifted from the partition config section.
type Config struct {
	BatchSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Service is the ingestion front door. Safe for concurrent use.
type Service struct {
	store     storage.Store
	last      lastknown.Store
	bus       Publisher
	log       *slog.Logger
	batchSize int
	timeout   time.Duration

	accepted   atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64
}

// New builds a Service. last and bus may be nil; the corresponding side
// effects are skipped.
func New(store storage.Store, last lastknown.Store, bus Publisher, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:     store,
		last:      last,
		bus:       bus,
		log:       cfg.Logger,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
	}
}

// Ingest validates and upserts a single report, then runs the accept side
// effects. The verdict distinguishes protocol outcomes (Accepted,
// Duplicate, Rejected) from storage failures, which come back as errors:
// ErrPartitionMissing asks the caller to retry after the next scheduler
// tick, everything else is a genuine fault.
func (s *Service) Ingest(ctx context.Context, r *types.Report) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	r.Normalize()
	if err := r.Validate(); err != nil {
		s.rejected.Add(1)
		s.log.Debug("report rejected", "device", r.DeviceID, "reason", err)
		return Result{Status: StatusRejected, Reason: err.Error()}, nil
	}

	var outcome storage.RowOutcome
	err := s.withRetry(ctx, func() error {
		var uerr error
		outcome, uerr = s.store.UpsertReport(ctx, r)
		return uerr
	})
	if err != nil {
		s.failed.Add(1)
		return Result{}, fmt.Errorf("ingest %s@%s: %w", r.DeviceID, r.DeviceTS, err)
	}

	if outcome == storage.OutcomeUnchanged {
		s.duplicates.Add(1)
		return Result{Status: StatusDuplicate, Outcome: outcome}, nil
	}

	s.accepted.Add(1)
	s.sideEffects(ctx, r)
	return Result{Status: StatusAccepted, Outcome: outcome}, nil
}

// IngestBatch upserts many reports in one call. Rows are validated
// individually (bad rows are reported, not fatal), grouped by reported
// month so every statement stays within one partition, and chunked to the
// configured batch size. Side effects run per accepted row, same as the
// single-report path.
func (s *Service) IngestBatch(ctx context.Context, rs []*types.Report) (BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var res BatchResult
	groups := make(map[int][]*types.Report)
	for i, r := range rs {
		r.Normalize()
		if err := r.Validate(); err != nil {
			s.rejected.Add(1)
			res.Rejected = append(res.Rejected, RowError{Index: i, Reason: err.Error()})
			continue
		}
		key := r.DeviceTS.Key()
		groups[key] = append(groups[key], r)
	}

	months := make([]int, 0, len(groups))
	for key := range groups {
		months = append(months, key)
	}
	sort.Ints(months)

	for _, key := range months {
		rows := groups[key]
		for start := 0; start < len(rows); start += s.batchSize {
			end := min(start+s.batchSize, len(rows))
			chunk := rows[start:end]

			var out storage.BatchOutcome
			err := s.withRetry(ctx, func() error {
				var uerr error
				out, uerr = s.store.UpsertReports(ctx, chunk)
				return uerr
			})
			if err != nil {
				s.failed.Add(1)
				return res, fmt.Errorf("batch upsert month %d: %w", key, err)
			}

			res.Rows += out.Rows
			res.Affected += out.Affected
			s.accepted.Add(int64(out.Rows))
			for _, r := range chunk {
				s.sideEffects(ctx, r)
			}
		}
	}
	return res, nil
}

// sideEffects runs the accept hooks: last-known projection for live rows,
// PanicAlert for panic flags, LocationUpdate for live rows. A projection
// failure is logged and swallowed; the row is already durable.
func (s *Service) sideEffects(ctx context.Context, r *types.Report) {
	if r.Live() && s.last != nil {
		if _, err := s.last.Put(ctx, r); err != nil {
			s.log.Warn("last-known update failed", "device", r.DeviceID, "error", err)
		}
	}
	if s.bus == nil {
		return
	}
	if r.Panic {
		s.bus.Publish(types.Event{Kind: types.EventPanic, Report: r})
	}
	if r.Live() {
		s.bus.Publish(types.Event{Kind: types.EventLocation, Report: r})
	}
}

// withRetry runs op, retrying transient storage outages with exponential
// backoff. Everything else, including ErrPartitionMissing, stops the loop
// immediately.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxElapsedTime = retryMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrStorageUnavailable) {
			s.log.Warn("storage unavailable, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// Counters is a point-in-time snapshot of ingest activity.
type Counters struct {
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
}

func (s *Service) Counters() Counters {
	return Counters{
		Accepted:   s.accepted.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
		Failed:     s.failed.Load(),
	}
}
