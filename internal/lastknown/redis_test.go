package lastknown

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/positrack/positrack/internal/storage"
)

func newTestRedis(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedis("redis://"+mr.Addr(), WithNamespace("ptest"), WithTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisPutGetRoundTrip(t *testing.T) {
	s := newTestRedis(t)
	ctx := t.Context()

	r := report("KA01-7788", "2025-07-08 10:00:00")
	r.Speed = 42.5
	r.IMEI = "356000000000001"

	advanced, err := s.Put(ctx, r)
	if err != nil || !advanced {
		t.Fatalf("Put = (%v, %v), want advance", advanced, err)
	}

	got, err := s.Get(ctx, "KA01-7788")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.DeviceTS) != "2025-07-08 10:00:00" {
		t.Errorf("DeviceTS = %q, want stamp preserved verbatim", got.DeviceTS)
	}
	if got.Speed != 42.5 || got.IMEI != "356000000000001" {
		t.Errorf("round trip lost fields: %+v", got.Report)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestRedisPutRejectsStale(t *testing.T) {
	s := newTestRedis(t)
	ctx := t.Context()

	if _, err := s.Put(ctx, report("A", "2025-07-08 10:00:00")); err != nil {
		t.Fatal(err)
	}
	advanced, err := s.Put(ctx, report("A", "2025-07-08 09:00:00"))
	if err != nil {
		t.Fatalf("stale Put: %v", err)
	}
	if advanced {
		t.Error("stale Put advanced over a newer entry")
	}

	got, _ := s.Get(ctx, "A")
	if string(got.DeviceTS) != "2025-07-08 10:00:00" {
		t.Errorf("DeviceTS = %q after stale Put", got.DeviceTS)
	}
}

func TestRedisGetUnknownDevice(t *testing.T) {
	s := newTestRedis(t)

	_, err := s.Get(t.Context(), "ghost")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisAllAndCount(t *testing.T) {
	s := newTestRedis(t)
	ctx := t.Context()

	for _, d := range []string{"A", "B", "C"} {
		if _, err := s.Put(ctx, report(d, "2025-07-08 10:00:00")); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("All returned %d entries, want 3", len(all))
	}
	n, err := s.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count = (%d, %v), want 3", n, err)
	}
}

func TestRedisAllPrunesExpiredEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedis("redis://"+mr.Addr(), WithNamespace("ptest"), WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer s.Close()
	ctx := t.Context()

	for _, d := range []string{"A", "B"} {
		if _, err := s.Put(ctx, report(d, "2025-07-08 10:00:00")); err != nil {
			t.Fatal(err)
		}
	}

	// Past the TTL the value keys are gone but the index still lists them.
	mr.FastForward(2 * time.Minute)

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("All returned %d entries after expiry", len(all))
	}
	n, err := s.Count(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Count = (%d, %v) after index prune, want 0", n, err)
	}
}

func TestRedisGetPrunesExpiredIndexEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedis("redis://"+mr.Addr(), WithNamespace("ptest"), WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer s.Close()
	ctx := t.Context()

	if _, err := s.Put(ctx, report("A", "2025-07-08 10:00:00")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := s.Get(ctx, "A"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after expiry = %v, want ErrNotFound", err)
	}
	n, _ := s.Count(ctx)
	if n != 0 {
		t.Errorf("Count = %d after Get pruned the index, want 0", n)
	}
}

func TestRedisClosedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Put(t.Context(), report("A", "2025-07-08 10:00:00")); err == nil {
		t.Error("Put on closed store succeeded")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
