package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesHolderInfo(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "positrack")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	info, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.Database != "positrack" {
		t.Errorf("database = %q", info.Database)
	}
	if info.StartedAt == "" {
		t.Error("started_at should be recorded")
	}
	if !info.Alive() {
		t.Error("holder should be alive, it is this process")
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "positrack")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	// flock treats a second open file description as a separate holder,
	// so a second acquire conflicts even within one process.
	_, err = Acquire(dir, "positrack")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire = %v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Errorf("error should carry holder pid: %v", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "positrack")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := Acquire(dir, "positrack")
	if err != nil {
		t.Fatalf("re-Acquire after Release: %v", err)
	}
	again.Release()
}

func TestReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lock.Release()

	if _, err := os.Stat(filepath.Join(dir, FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	if _, err := Read(dir); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Read after release = %v, want ErrNotLocked", err)
	}
}

func TestReadMissingDir(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "absent")); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Read = %v, want ErrNotLocked", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
