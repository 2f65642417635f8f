// Package lockfile guards a data directory against concurrent daemons.
//
// Acquire takes an exclusive flock on <dir>/positrack.lock and records the
// holder (pid, database, start stamp) as JSON in the same file, so `status`
// can report who owns the directory. The flock is the actual guard; the
// JSON is advisory and survives crashes only as a hint.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/positrack/positrack/internal/rawtime"
)

// FileName is the lock file created inside the data directory.
const FileName = "positrack.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("data directory locked by another process")

// ErrNotLocked is returned by Read when no lock file exists.
var ErrNotLocked = errors.New("no lock file present")

// Info identifies the holder of a lock.
type Info struct {
	PID       int    `json:"pid"`
	Hostname  string `json:"hostname,omitempty"`
	Database  string `json:"database,omitempty"`
	StartedAt string `json:"started_at"`
}

// Alive reports whether the recorded pid still maps to a running process
// on this host.
func (i *Info) Alive() bool {
	return processAlive(i.PID)
}

// Lock is a held data-directory lock. Release it on shutdown.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Acquire locks dir for this process. database is recorded for status
// output only. Returns ErrLocked (with holder details when readable) if
// another process owns the directory.
func Acquire(dir, database string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := flockExclusive(f); err != nil {
		defer f.Close()
		if errors.Is(err, errWouldBlock) {
			if holder, rerr := readInfo(path); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d since %s)", ErrLocked, holder.PID, holder.StartedAt)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	host, _ := os.Hostname()
	info := Info{
		PID:       os.Getpid(),
		Hostname:  host,
		Database:  database,
		StartedAt: string(rawtime.FromTime(time.Now())),
	}
	data, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		flockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("failed to encode lock info: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		if _, err := f.WriteAt(data, 0); err == nil {
			_ = f.Sync()
		}
	}

	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and removes the file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := flockUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	// Best effort; a racing Acquire may already own the path.
	_ = os.Remove(l.path)
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// Read reports the recorded holder of dir's lock without acquiring it.
func Read(dir string) (*Info, error) {
	return readInfo(filepath.Join(dir, FileName))
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotLocked
		}
		return nil, fmt.Errorf("failed to read lock file %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, ErrNotLocked
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", path, err)
	}
	return &info, nil
}
