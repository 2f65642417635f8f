// Package storage defines the interface to the partitioned telemetry store.
//
// The concrete implementation lives in the mysql sub-package. This package
// holds the interface, the sentinel error taxonomy, and the small value
// types shared by the implementation and its consumers (ingest, query,
// lifecycle, health, archive, cmd/positrack).
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/types"
)

// ErrMalformedTimestamp rejects device input that is not a canonical
// wall-clock stamp. It is the same sentinel rawtime raises, re-exported so
// callers matching storage errors need one import.
var ErrMalformedTimestamp = rawtime.ErrMalformed

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrPartitionMissing is returned when a write targets a reported month
// with no partition. Recoverable: the scheduler heartbeat creates missing
// current-month partitions, so the caller should retry.
var ErrPartitionMissing = errors.New("no partition for reported month")

// ErrPartitionKeyMissing is returned when the engine rejects partitioning
// because the primary key does not include the partition key. Fatal to
// lifecycle operations; requires operator intervention.
var ErrPartitionKeyMissing = errors.New("primary key does not include partition key")

// ErrNotPartitioned is returned by partition management against a table
// that has no partition scheme installed.
var ErrNotPartitioned = errors.New("table is not partitioned")

// ErrPartitionArchived is returned when a create targets a month that was
// exported and dropped. Archived months are immutable; the partition is
// never silently recreated.
var ErrPartitionArchived = errors.New("partition was archived")

// ErrDuplicate is returned when a plain insert hits an existing key.
// The report path never surfaces it (duplicates become upserts).
var ErrDuplicate = errors.New("duplicate key")

// ErrStorageUnavailable wraps connection-level failures that are worth a
// backoff retry before surfacing.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrUnauthorized rejects a query or subscription outside the caller's
// scope chain.
var ErrUnauthorized = errors.New("unauthorized")

// ErrSubscriberSlow marks a subscriber disconnected for exceeding its send
// queue under a non-droppable event.
var ErrSubscriberSlow = errors.New("subscriber too slow")

// ErrArchiveVerification blocks a partition drop whose export file failed
// verification.
var ErrArchiveVerification = errors.New("archive verification failed")

// RowOutcome describes what a single-report upsert did.
type RowOutcome int

const (
	OutcomeInserted RowOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

func (o RowOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// BatchOutcome summarizes a multi-row upsert. Affected follows MySQL
// semantics for ON DUPLICATE KEY UPDATE: 1 per inserted row, 2 per row
// updated in place, 0 per duplicate that changed nothing.
type BatchOutcome struct {
	Rows     int   `json:"rows"`
	Affected int64 `json:"affected"`
}

// Store is the interface satisfied by *mysql.Store. Consumers depend on it
// rather than on the concrete type so that decorators (telemetry) and test
// fakes can be substituted.
type Store interface {
	// Report writes
	UpsertReport(ctx context.Context, r *types.Report) (RowOutcome, error)
	UpsertReports(ctx context.Context, rs []*types.Report) (BatchOutcome, error)

	// Last-known projection (persisted table; the hot cache lives in lastknown)
	UpsertLastKnown(ctx context.Context, r *types.Report) error
	LastKnown(ctx context.Context, deviceID string) (*types.LastKnown, error)

	// Scoped reads
	History(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error)
	RoutePoints(ctx context.Context, deviceID string, w types.Window, box *types.BBox, sc types.Scope) ([]types.RoutePoint, error)
	PanicEvents(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error)
	SpeedViolations(ctx context.Context, deviceID string, w types.Window, limitKMH float64, sc types.Scope) ([]*types.Report, error)
	DailySummary(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]types.DailySummary, error)
	FleetSummary(ctx context.Context, adminID int64, w types.Window, sc types.Scope) ([]types.DailySummary, error)
	ParkedReports(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error)
	Stats(ctx context.Context, sc types.Scope) (types.Stats, error)

	// Partition catalog
	Partitions(ctx context.Context) ([]types.PartitionInfo, error)
	PartitionsFresh(ctx context.Context) ([]types.PartitionInfo, error)
	PartitionExists(ctx context.Context, name string) (bool, error)
	CreatePartition(ctx context.Context, year, month int) error
	DropPartition(ctx context.Context, name string) error
	OptimizePartition(ctx context.Context, name string) error
	AnalyzePartition(ctx context.Context, name string) error
	CompressPartition(ctx context.Context, name string) (types.CompressionResult, error)
	ConvertToPartitioned(ctx context.Context, futureMonths int) error
	MarkArchived(ctx context.Context, name string) error

	// Health probes
	Ping(ctx context.Context) error
	SentinelQuery(ctx context.Context) (rows int64, elapsed time.Duration, err error)
	DeadlockDetected(ctx context.Context) (bool, error)
	TableExists(ctx context.Context, name string) (bool, error)
	DatabaseBytes(ctx context.Context) (int64, error)

	// Archive export: streams one INSERT statement per row batch to w,
	// returning the number of rows written.
	DumpPartition(ctx context.Context, name string, w io.Writer) (int64, error)

	// Lifecycle
	Close() error
}
