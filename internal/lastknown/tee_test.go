package lastknown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/positrack/positrack/internal/types"
)

// failingStore errors on every write so the tee's best-effort path is exercised.
type failingStore struct{ Store }

func (f *failingStore) Put(ctx context.Context, r *types.Report) (bool, error) {
	return false, errors.New("mirror down")
}

func TestTeeMirrorsAdvancingWrites(t *testing.T) {
	primary := NewMemory()
	mirror := NewMemory()
	tee := NewTee(primary, mirror, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer tee.Close()
	ctx := t.Context()

	advanced, err := tee.Put(ctx, report("A", "2025-07-08 10:00:00"))
	if err != nil || !advanced {
		t.Fatalf("Put = (%v, %v)", advanced, err)
	}
	if _, err := mirror.Get(ctx, "A"); err != nil {
		t.Fatalf("mirror missed an advancing write: %v", err)
	}

	// A stale write does not advance the primary and must not touch the mirror.
	mirror.Put(ctx, report("A", "2025-07-08 11:00:00"))
	advanced, err = tee.Put(ctx, report("A", "2025-07-08 09:00:00"))
	if err != nil || advanced {
		t.Fatalf("stale Put = (%v, %v)", advanced, err)
	}
	got, _ := mirror.Get(ctx, "A")
	if string(got.DeviceTS) != "2025-07-08 11:00:00" {
		t.Errorf("mirror DeviceTS = %q, want untouched", got.DeviceTS)
	}
}

func TestTeeMirrorFailureIsBestEffort(t *testing.T) {
	primary := NewMemory()
	tee := NewTee(primary, &failingStore{Store: NewMemory()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := t.Context()

	advanced, err := tee.Put(ctx, report("A", "2025-07-08 10:00:00"))
	if err != nil {
		t.Fatalf("Put surfaced a mirror error: %v", err)
	}
	if !advanced {
		t.Fatal("Put did not advance the primary")
	}
	if _, err := primary.Get(ctx, "A"); err != nil {
		t.Fatalf("primary missed the write: %v", err)
	}
}

func TestTeeReadsComeFromPrimary(t *testing.T) {
	primary := NewMemory()
	mirror := NewMemory()
	tee := NewTee(primary, mirror, nil)
	ctx := t.Context()

	mirror.Put(ctx, report("B", "2025-07-08 10:00:00"))
	primary.Put(ctx, report("A", "2025-07-08 10:00:00"))

	if _, err := tee.Get(ctx, "B"); err == nil {
		t.Error("Get consulted the mirror")
	}
	n, err := tee.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count = (%d, %v), want primary's 1", n, err)
	}
}
