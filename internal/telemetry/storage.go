package telemetry

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

const storageScopeName = "github.com/positrack/positrack/internal/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in positrack.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner     storage.Store
	tracer    trace.Tracer
	ops       metric.Int64Counter
	dur       metric.Float64Histogram
	errs      metric.Int64Counter
	partGauge metric.Int64Gauge
	sizeGauge metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("positrack.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("positrack.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("positrack.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	partGauge, _ := m.Int64Gauge("positrack.partition.count",
		metric.WithDescription("Current number of monthly partitions (snapshot from catalog reads)"),
	)
	sizeGauge, _ := m.Int64Gauge("positrack.database.bytes",
		metric.WithDescription("Total database footprint in bytes (snapshot from DatabaseBytes)"),
	)
	return &InstrumentedStore{
		inner:     s,
		tracer:    Tracer(storageScopeName),
		ops:       ops,
		dur:       dur,
		errs:      errs,
		partGauge: partGauge,
		sizeGauge: sizeGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Report writes ────────────────────────────────────────────────────────────

func (s *InstrumentedStore) UpsertReport(ctx context.Context, r *types.Report) (storage.RowOutcome, error) {
	attrs := []attribute.KeyValue{
		attribute.String("positrack.device_id", r.DeviceID),
		attribute.String("positrack.report.status", string(r.Status)),
	}
	ctx, span, t := s.op(ctx, "UpsertReport", attrs...)
	out, err := s.inner.UpsertReport(ctx, r)
	if err == nil {
		span.SetAttributes(attribute.String("positrack.outcome", out.String()))
	}
	s.done(ctx, span, t, err, attrs...)
	return out, err
}

func (s *InstrumentedStore) UpsertReports(ctx context.Context, rs []*types.Report) (storage.BatchOutcome, error) {
	attrs := []attribute.KeyValue{attribute.Int("positrack.batch.rows", len(rs))}
	ctx, span, t := s.op(ctx, "UpsertReports", attrs...)
	out, err := s.inner.UpsertReports(ctx, rs)
	s.done(ctx, span, t, err, attrs...)
	return out, err
}

func (s *InstrumentedStore) UpsertLastKnown(ctx context.Context, r *types.Report) error {
	attrs := []attribute.KeyValue{attribute.String("positrack.device_id", r.DeviceID)}
	ctx, span, t := s.op(ctx, "UpsertLastKnown", attrs...)
	err := s.inner.UpsertLastKnown(ctx, r)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) LastKnown(ctx context.Context, deviceID string) (*types.LastKnown, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.device_id", deviceID)}
	ctx, span, t := s.op(ctx, "LastKnown", attrs...)
	v, err := s.inner.LastKnown(ctx, deviceID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Scoped reads ─────────────────────────────────────────────────────────────

func (s *InstrumentedStore) History(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	attrs := []attribute.KeyValue{
		attribute.String("positrack.device_id", deviceID),
		attribute.String("positrack.role", string(sc.Role)),
	}
	ctx, span, t := s.op(ctx, "History", attrs...)
	v, err := s.inner.History(ctx, deviceID, w, sc)
	if err == nil {
		span.SetAttributes(attribute.Int("positrack.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) RoutePoints(ctx context.Context, deviceID string, w types.Window, box *types.BBox, sc types.Scope) ([]types.RoutePoint, error) {
	attrs := []attribute.KeyValue{
		attribute.String("positrack.device_id", deviceID),
		attribute.Bool("positrack.bbox", box != nil),
	}
	ctx, span, t := s.op(ctx, "RoutePoints", attrs...)
	v, err := s.inner.RoutePoints(ctx, deviceID, w, box, sc)
	if err == nil {
		span.SetAttributes(attribute.Int("positrack.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PanicEvents(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.device_id", deviceID)}
	ctx, span, t := s.op(ctx, "PanicEvents", attrs...)
	v, err := s.inner.PanicEvents(ctx, deviceID, w, sc)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SpeedViolations(ctx context.Context, deviceID string, w types.Window, limitKMH float64, sc types.Scope) ([]*types.Report, error) {
	attrs := []attribute.KeyValue{
		attribute.String("positrack.device_id", deviceID),
		attribute.Float64("positrack.speed_limit", limitKMH),
	}
	ctx, span, t := s.op(ctx, "SpeedViolations", attrs...)
	v, err := s.inner.SpeedViolations(ctx, deviceID, w, limitKMH, sc)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DailySummary(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]types.DailySummary, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.device_id", deviceID)}
	ctx, span, t := s.op(ctx, "DailySummary", attrs...)
	v, err := s.inner.DailySummary(ctx, deviceID, w, sc)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) FleetSummary(ctx context.Context, adminID int64, w types.Window, sc types.Scope) ([]types.DailySummary, error) {
	attrs := []attribute.KeyValue{attribute.Int64("positrack.admin_id", adminID)}
	ctx, span, t := s.op(ctx, "FleetSummary", attrs...)
	v, err := s.inner.FleetSummary(ctx, adminID, w, sc)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ParkedReports(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.device_id", deviceID)}
	ctx, span, t := s.op(ctx, "ParkedReports", attrs...)
	v, err := s.inner.ParkedReports(ctx, deviceID, w, sc)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Stats(ctx context.Context, sc types.Scope) (types.Stats, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.role", string(sc.Role))}
	ctx, span, t := s.op(ctx, "Stats", attrs...)
	v, err := s.inner.Stats(ctx, sc)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Partition catalog ────────────────────────────────────────────────────────

func (s *InstrumentedStore) Partitions(ctx context.Context) ([]types.PartitionInfo, error) {
	ctx, span, t := s.op(ctx, "Partitions")
	v, err := s.inner.Partitions(ctx)
	s.done(ctx, span, t, err)
	if err == nil {
		s.partGauge.Record(ctx, int64(len(v)))
	}
	return v, err
}

func (s *InstrumentedStore) PartitionsFresh(ctx context.Context) ([]types.PartitionInfo, error) {
	ctx, span, t := s.op(ctx, "PartitionsFresh")
	v, err := s.inner.PartitionsFresh(ctx)
	s.done(ctx, span, t, err)
	if err == nil {
		s.partGauge.Record(ctx, int64(len(v)))
	}
	return v, err
}

func (s *InstrumentedStore) PartitionExists(ctx context.Context, name string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.partition", name)}
	ctx, span, t := s.op(ctx, "PartitionExists", attrs...)
	v, err := s.inner.PartitionExists(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CreatePartition(ctx context.Context, year, month int) error {
	attrs := []attribute.KeyValue{
		attribute.Int("positrack.year", year),
		attribute.Int("positrack.month", month),
	}
	ctx, span, t := s.op(ctx, "CreatePartition", attrs...)
	err := s.inner.CreatePartition(ctx, year, month)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) DropPartition(ctx context.Context, name string) error {
	attrs := []attribute.KeyValue{attribute.String("positrack.partition", name)}
	ctx, span, t := s.op(ctx, "DropPartition", attrs...)
	err := s.inner.DropPartition(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) OptimizePartition(ctx context.Context, name string) error {
	attrs := []attribute.KeyValue{attribute.String("positrack.partition", name)}
	ctx, span, t := s.op(ctx, "OptimizePartition", attrs...)
	err := s.inner.OptimizePartition(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) AnalyzePartition(ctx context.Context, name string) error {
	attrs := []attribute.KeyValue{attribute.String("positrack.partition", name)}
	ctx, span, t := s.op(ctx, "AnalyzePartition", attrs...)
	err := s.inner.AnalyzePartition(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) CompressPartition(ctx context.Context, name string) (types.CompressionResult, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.partition", name)}
	ctx, span, t := s.op(ctx, "CompressPartition", attrs...)
	v, err := s.inner.CompressPartition(ctx, name)
	if err == nil {
		span.SetAttributes(attribute.Int64("positrack.saved_bytes", v.Saved()))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ConvertToPartitioned(ctx context.Context, futureMonths int) error {
	attrs := []attribute.KeyValue{attribute.Int("positrack.future_months", futureMonths)}
	ctx, span, t := s.op(ctx, "ConvertToPartitioned", attrs...)
	err := s.inner.ConvertToPartitioned(ctx, futureMonths)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) MarkArchived(ctx context.Context, name string) error {
	attrs := []attribute.KeyValue{attribute.String("positrack.partition", name)}
	ctx, span, t := s.op(ctx, "MarkArchived", attrs...)
	err := s.inner.MarkArchived(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Health probes ────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) SentinelQuery(ctx context.Context) (int64, time.Duration, error) {
	ctx, span, t := s.op(ctx, "SentinelQuery")
	rows, elapsed, err := s.inner.SentinelQuery(ctx)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("positrack.sentinel.rows", rows),
			attribute.Int64("positrack.sentinel.ms", elapsed.Milliseconds()),
		)
	}
	s.done(ctx, span, t, err)
	return rows, elapsed, err
}

func (s *InstrumentedStore) DeadlockDetected(ctx context.Context) (bool, error) {
	ctx, span, t := s.op(ctx, "DeadlockDetected")
	v, err := s.inner.DeadlockDetected(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) TableExists(ctx context.Context, name string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.table", name)}
	ctx, span, t := s.op(ctx, "TableExists", attrs...)
	v, err := s.inner.TableExists(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DatabaseBytes(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "DatabaseBytes")
	v, err := s.inner.DatabaseBytes(ctx)
	s.done(ctx, span, t, err)
	if err == nil {
		s.sizeGauge.Record(ctx, v)
	}
	return v, err
}

// ── Archive export ───────────────────────────────────────────────────────────

func (s *InstrumentedStore) DumpPartition(ctx context.Context, name string, w io.Writer) (int64, error) {
	attrs := []attribute.KeyValue{attribute.String("positrack.partition", name)}
	ctx, span, t := s.op(ctx, "DumpPartition", attrs...)
	rows, err := s.inner.DumpPartition(ctx, name, w)
	if err == nil {
		span.SetAttributes(attribute.Int64("positrack.dump.rows", rows))
	}
	s.done(ctx, span, t, err, attrs...)
	return rows, err
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
