package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/positrack/positrack/internal/lastknown"
	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// fakeStore stubs the two write methods the service uses; everything else
// panics through the embedded nil interface if touched.
type fakeStore struct {
	storage.Store
	mu      sync.Mutex
	calls   int
	chunks  [][]*types.Report
	upsert  func(r *types.Report) (storage.RowOutcome, error)
	upsertN func(rs []*types.Report) (storage.BatchOutcome, error)
}

func (f *fakeStore) UpsertReport(ctx context.Context, r *types.Report) (storage.RowOutcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.upsert(r)
}

func (f *fakeStore) UpsertReports(ctx context.Context, rs []*types.Report) (storage.BatchOutcome, error) {
	if err := ctx.Err(); err != nil {
		return storage.BatchOutcome{}, err
	}
	f.mu.Lock()
	f.calls++
	f.chunks = append(f.chunks, rs)
	f.mu.Unlock()
	if f.upsertN == nil {
		return storage.BatchOutcome{Rows: len(rs), Affected: int64(len(rs))}, nil
	}
	return f.upsertN(rs)
}

type fakeBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *fakeBus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBus) kinds() []types.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.EventKind, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind
	}
	return out
}

func insertOK(r *types.Report) (storage.RowOutcome, error) {
	return storage.OutcomeInserted, nil
}

func liveReport(ts string) *types.Report {
	return &types.Report{
		DeviceID: "GT06-0042",
		DeviceTS: rawtime.Stamp(ts),
		Lat:      12.97,
		Lon:      77.59,
		Speed:    42,
		Status:   types.StatusLive,
		UserID:   20,
	}
}

func TestIngestAccepted(t *testing.T) {
	store := &fakeStore{upsert: insertOK}
	last := lastknown.NewMemory()
	bus := &fakeBus{}
	svc := New(store, last, bus, Config{})

	res, err := svc.Ingest(t.Context(), liveReport("2025-06-15 10:00:00"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != StatusAccepted || res.Outcome != storage.OutcomeInserted {
		t.Errorf("result = %+v", res)
	}

	lk, err := last.Get(t.Context(), "GT06-0042")
	if err != nil {
		t.Fatalf("projection miss: %v", err)
	}
	if lk.DeviceTS != "2025-06-15 10:00:00" {
		t.Errorf("projection ts = %s", lk.DeviceTS)
	}

	kinds := bus.kinds()
	if len(kinds) != 1 || kinds[0] != types.EventLocation {
		t.Errorf("events = %v, want one LocationUpdate", kinds)
	}
}

func TestIngestNormalizesEnums(t *testing.T) {
	var got *types.Report
	store := &fakeStore{upsert: func(r *types.Report) (storage.RowOutcome, error) {
		got = r
		return storage.OutcomeInserted, nil
	}}
	svc := New(store, nil, nil, Config{})

	r := liveReport("2025-06-15 10:00:00")
	r.Status = "live"
	r.Ignition = "on"
	r.VehicleStatus = "weird"

	if _, err := svc.Ingest(t.Context(), r); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got.Status != types.StatusLive {
		t.Errorf("status = %q", got.Status)
	}
	if got.Ignition != types.IgnitionOn {
		t.Errorf("ignition = %q", got.Ignition)
	}
	if got.VehicleStatus != types.VehicleUnknown {
		t.Errorf("vehicle status = %q", got.VehicleStatus)
	}
}

func TestIngestRejectsInvalid(t *testing.T) {
	store := &fakeStore{upsert: insertOK}
	svc := New(store, nil, nil, Config{})

	bad := liveReport("2025-06-15 10:00:00")
	bad.DeviceID = ""

	res, err := svc.Ingest(t.Context(), bad)
	if err != nil {
		t.Fatalf("rejection should not be an error: %v", err)
	}
	if res.Status != StatusRejected || res.Reason == "" {
		t.Errorf("result = %+v", res)
	}
	if store.calls != 0 {
		t.Errorf("store called %d times for a rejected report", store.calls)
	}

	bad2 := liveReport("15/06/2025 10:00")
	res, _ = svc.Ingest(t.Context(), bad2)
	if res.Status != StatusRejected || !strings.Contains(res.Reason, "device_ts") {
		t.Errorf("malformed timestamp result = %+v", res)
	}
}

func TestIngestDuplicateEmitsNothing(t *testing.T) {
	store := &fakeStore{upsert: func(r *types.Report) (storage.RowOutcome, error) {
		return storage.OutcomeUnchanged, nil
	}}
	last := lastknown.NewMemory()
	bus := &fakeBus{}
	svc := New(store, last, bus, Config{})

	res, err := svc.Ingest(t.Context(), liveReport("2025-06-15 10:00:00"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != StatusDuplicate {
		t.Errorf("status = %v, want duplicate", res.Status)
	}
	if n := len(bus.kinds()); n != 0 {
		t.Errorf("duplicate emitted %d events", n)
	}
	if count, _ := last.Count(t.Context()); count != 0 {
		t.Error("duplicate touched the projection")
	}
}

func TestIngestHistorySkipsLiveSideEffects(t *testing.T) {
	store := &fakeStore{upsert: insertOK}
	last := lastknown.NewMemory()
	bus := &fakeBus{}
	svc := New(store, last, bus, Config{})

	r := liveReport("2025-06-15 10:00:00")
	r.Status = types.StatusHistory

	if _, err := svc.Ingest(t.Context(), r); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n := len(bus.kinds()); n != 0 {
		t.Errorf("history row emitted %d events", n)
	}
	if count, _ := last.Count(t.Context()); count != 0 {
		t.Error("history row touched the projection")
	}
}

func TestIngestPanicAlertPrecedesLocation(t *testing.T) {
	store := &fakeStore{upsert: insertOK}
	bus := &fakeBus{}
	svc := New(store, nil, bus, Config{})

	r := liveReport("2025-06-15 10:00:00")
	r.Panic = true

	if _, err := svc.Ingest(t.Context(), r); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	kinds := bus.kinds()
	if len(kinds) != 2 || kinds[0] != types.EventPanic || kinds[1] != types.EventLocation {
		t.Errorf("events = %v", kinds)
	}
}

func TestIngestPanicOnHistoryStillAlerts(t *testing.T) {
	store := &fakeStore{upsert: insertOK}
	bus := &fakeBus{}
	svc := New(store, nil, bus, Config{})

	r := liveReport("2025-06-15 10:00:00")
	r.Status = types.StatusHistory
	r.Panic = true

	if _, err := svc.Ingest(t.Context(), r); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	kinds := bus.kinds()
	if len(kinds) != 1 || kinds[0] != types.EventPanic {
		t.Errorf("events = %v, want one PanicAlert", kinds)
	}
}

func TestIngestRetriesUnavailableStorage(t *testing.T) {
	attempts := 0
	store := &fakeStore{upsert: func(r *types.Report) (storage.RowOutcome, error) {
		attempts++
		if attempts < 3 {
			return 0, storage.ErrStorageUnavailable
		}
		return storage.OutcomeInserted, nil
	}}
	svc := New(store, nil, nil, Config{})

	res, err := svc.Ingest(t.Context(), liveReport("2025-06-15 10:00:00"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != StatusAccepted {
		t.Errorf("status = %v", res.Status)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestIngestPartitionMissingIsNotRetried(t *testing.T) {
	store := &fakeStore{upsert: func(r *types.Report) (storage.RowOutcome, error) {
		return 0, storage.ErrPartitionMissing
	}}
	svc := New(store, nil, nil, Config{})

	_, err := svc.Ingest(t.Context(), liveReport("2025-06-15 10:00:00"))
	if !errors.Is(err, storage.ErrPartitionMissing) {
		t.Fatalf("err = %v, want ErrPartitionMissing", err)
	}
	if store.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", store.calls)
	}
	if c := svc.Counters(); c.Failed != 1 {
		t.Errorf("Failed = %d", c.Failed)
	}
}

func TestIngestDeadline(t *testing.T) {
	store := &fakeStore{upsert: func(r *types.Report) (storage.RowOutcome, error) {
		time.Sleep(50 * time.Millisecond)
		return 0, storage.ErrStorageUnavailable
	}}
	svc := New(store, nil, nil, Config{Timeout: 30 * time.Millisecond})

	_, err := svc.Ingest(t.Context(), liveReport("2025-06-15 10:00:00"))
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestIngestBatchGroupsByMonthAndChunks(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, nil, nil, Config{BatchSize: 2})

	rs := []*types.Report{
		liveReport("2025-07-01 00:00:00"),
		liveReport("2025-06-30 23:59:59"),
		liveReport("2025-06-10 08:00:00"),
		liveReport("2025-06-20 09:00:00"),
		liveReport("2025-07-02 01:00:00"),
	}
	res, err := svc.IngestBatch(t.Context(), rs)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if res.Rows != 5 {
		t.Errorf("Rows = %d, want 5", res.Rows)
	}

	// June (3 rows, chunked 2+1) before July (2 rows), months ascending.
	if len(store.chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(store.chunks))
	}
	wantMonths := []int{202506, 202506, 202507}
	wantSizes := []int{2, 1, 2}
	for i, chunk := range store.chunks {
		if len(chunk) != wantSizes[i] {
			t.Errorf("chunk %d size = %d, want %d", i, len(chunk), wantSizes[i])
		}
		for _, r := range chunk {
			if r.DeviceTS.Key() != wantMonths[i] {
				t.Errorf("chunk %d mixes months: %s", i, r.DeviceTS)
			}
		}
	}
}

func TestIngestBatchReportsBadRowsByIndex(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	svc := New(store, nil, bus, Config{})

	bad := liveReport("2025-06-15 10:00:00")
	bad.Lat = 200
	rs := []*types.Report{
		liveReport("2025-06-15 10:00:00"),
		bad,
		liveReport("2025-06-15 10:00:02"),
	}
	res, err := svc.IngestBatch(t.Context(), rs)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if res.Rows != 2 {
		t.Errorf("Rows = %d, want 2", res.Rows)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Index != 1 {
		t.Fatalf("Rejected = %+v", res.Rejected)
	}
	if res.Rejected[0].Reason == "" {
		t.Error("rejection reason missing")
	}
	if n := len(bus.kinds()); n != 2 {
		t.Errorf("events = %d, want 2 live updates", n)
	}
}

func TestIngestBatchEmptyAfterValidation(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, nil, nil, Config{})

	bad := liveReport("not a time")
	res, err := svc.IngestBatch(t.Context(), []*types.Report{bad})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if res.Rows != 0 || len(res.Rejected) != 1 {
		t.Errorf("res = %+v", res)
	}
	if store.calls != 0 {
		t.Errorf("store called %d times with nothing to write", store.calls)
	}
}

func TestCountersTrackVerdicts(t *testing.T) {
	outcome := storage.OutcomeInserted
	store := &fakeStore{upsert: func(r *types.Report) (storage.RowOutcome, error) {
		return outcome, nil
	}}
	svc := New(store, nil, nil, Config{})

	svc.Ingest(t.Context(), liveReport("2025-06-15 10:00:00"))
	outcome = storage.OutcomeUnchanged
	svc.Ingest(t.Context(), liveReport("2025-06-15 10:00:00"))
	bad := liveReport("2025-06-15 10:00:00")
	bad.DeviceID = ""
	svc.Ingest(t.Context(), bad)

	c := svc.Counters()
	if c.Accepted != 1 || c.Duplicates != 1 || c.Rejected != 1 || c.Failed != 0 {
		t.Errorf("counters = %+v", c)
	}
}
