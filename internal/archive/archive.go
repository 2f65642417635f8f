// Package archive exports partitions to SQL dump files.
//
// An export writes {partition}_{YYYYMMDD_HHMMSS}.sql (optionally gzipped)
// under the archive directory through a temp file, verifies the final file
// against the sha256 computed while writing, and appends one line to the
// MANIFEST. Only a verified export may mark a partition archived, and only
// a marked partition is dropped; a partition whose dump cannot be trusted
// stays in the database.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/positrack/positrack/internal/storage"
)

// ManifestName is the per-directory export ledger. One line per export:
// partition, file, rows, bytes, sha256.
const ManifestName = "MANIFEST"

// Export describes one verified dump file.
type Export struct {
	Partition string `json:"partition"`
	File      string `json:"file"`
	Rows      int64  `json:"rows"`
	Bytes     int64  `json:"bytes"`
	SHA256    string `json:"sha256"`
}

// Config carries the archiver tunables.
type Config struct {
	// Dir is the archive root. Created if absent.
	Dir string
	// Compress gzips dumps at rest.
	Compress bool
	// ParallelJobs bounds concurrent exports.
	ParallelJobs int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Archiver exports partitions. Safe for concurrent use.
type Archiver struct {
	store    storage.Store
	dir      string
	compress bool
	jobs     int
	log      *slog.Logger
	now      func() time.Time

	manifestMu sync.Mutex
}

// New builds an Archiver and ensures the archive directory exists.
func New(store storage.Store, cfg Config) (*Archiver, error) {
	if cfg.Dir == "" {
		cfg.Dir = "archive"
	}
	if cfg.ParallelJobs < 1 {
		cfg.ParallelJobs = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", cfg.Dir, err)
	}
	return &Archiver{
		store:    store,
		dir:      cfg.Dir,
		compress: cfg.Compress,
		jobs:     cfg.ParallelJobs,
		log:      cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Dir returns the archive root.
func (a *Archiver) Dir() string { return a.dir }

// Archive runs the full export-verify-mark-drop pipeline over every named
// partition, at most ParallelJobs at a time. A failing partition is logged
// and skipped; the rest still archive. The joined failures come back.
func (a *Archiver) Archive(ctx context.Context, names []string) error {
	var g errgroup.Group
	g.SetLimit(a.jobs)

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		g.Go(func() error {
			if _, err := a.ArchiveOne(ctx, name); err != nil {
				a.log.Error("partition archive failed",
					slog.String("partition", name),
					slog.Any("error", err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ArchiveOne exports one partition and drops it once the dump verifies.
func (a *Archiver) ArchiveOne(ctx context.Context, name string) (Export, error) {
	start := time.Now()
	exp, err := a.export(ctx, name)
	if err != nil {
		return Export{}, err
	}
	if err := a.store.MarkArchived(ctx, name); err != nil {
		return Export{}, fmt.Errorf("marking %s archived: %w", name, err)
	}
	if err := a.store.DropPartition(ctx, name); err != nil {
		return Export{}, fmt.Errorf("dropping archived %s: %w", name, err)
	}
	a.log.Info("partition archived",
		slog.String("partition", name),
		slog.String("file", exp.File),
		slog.Int64("rows", exp.Rows),
		slog.String("size", humanize.IBytes(uint64(exp.Bytes))),
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return exp, nil
}

// Backup exports and marks one partition without dropping it. Retention
// uses it to keep a verified copy of anything it is about to delete.
func (a *Archiver) Backup(ctx context.Context, name string) error {
	exp, err := a.export(ctx, name)
	if err != nil {
		return err
	}
	if err := a.store.MarkArchived(ctx, name); err != nil {
		return fmt.Errorf("marking %s archived: %w", name, err)
	}
	a.log.Info("partition backed up",
		slog.String("partition", name),
		slog.String("file", exp.File),
		slog.Int64("rows", exp.Rows),
		slog.String("size", humanize.IBytes(uint64(exp.Bytes))))
	return nil
}

// export writes, verifies and records one dump file.
func (a *Archiver) export(ctx context.Context, name string) (Export, error) {
	base := fmt.Sprintf("%s_%s.sql", name, a.now().Format("20060102_150405"))
	if a.compress {
		base += ".gz"
	}
	final := filepath.Join(a.dir, base)
	tmp := final + ".tmp"

	rows, digest, err := a.writeDump(ctx, name, tmp)
	if err != nil {
		os.Remove(tmp)
		return Export{}, err
	}

	st, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return Export{}, fmt.Errorf("%w: %s: %v", storage.ErrArchiveVerification, base, err)
	}
	if st.Size() == 0 {
		os.Remove(tmp)
		return Export{}, fmt.Errorf("%w: %s is empty", storage.ErrArchiveVerification, base)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return Export{}, fmt.Errorf("publishing %s: %w", base, err)
	}
	if err := verifyFile(final, digest); err != nil {
		return Export{}, err
	}

	exp := Export{Partition: name, File: base, Rows: rows, Bytes: st.Size(), SHA256: digest}
	if err := a.appendManifest(exp); err != nil {
		return Export{}, err
	}
	return exp, nil
}

// writeDump streams the partition into path, hashing the bytes as written.
func (a *Archiver) writeDump(ctx context.Context, name, path string) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("creating dump %s: %w", path, err)
	}

	hasher := sha256.New()
	sink := io.MultiWriter(f, hasher)
	var w io.Writer = sink
	var gz *gzip.Writer
	if a.compress {
		gz = gzip.NewWriter(sink)
		w = gz
	}

	rows, err := a.store.DumpPartition(ctx, name, w)
	if err != nil {
		f.Close()
		return 0, "", fmt.Errorf("dumping %s: %w", name, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return 0, "", fmt.Errorf("compressing dump of %s: %w", name, err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("closing dump of %s: %w", name, err)
	}
	return rows, hex.EncodeToString(hasher.Sum(nil)), nil
}

// verifyFile re-reads a published dump and compares its digest with the one
// computed during the write.
func verifyFile(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", storage.ErrArchiveVerification, path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("%w: reading %s back: %v", storage.ErrArchiveVerification, path, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is empty", storage.ErrArchiveVerification, path)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s digest mismatch", storage.ErrArchiveVerification, path)
	}
	return nil
}

// appendManifest records a verified export in the directory ledger.
func (a *Archiver) appendManifest(exp Export) error {
	a.manifestMu.Lock()
	defer a.manifestMu.Unlock()

	f, err := os.OpenFile(filepath.Join(a.dir, ManifestName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s %d %d %s\n",
		exp.Partition, exp.File, exp.Rows, exp.Bytes, exp.SHA256); err != nil {
		return fmt.Errorf("appending to manifest: %w", err)
	}
	return nil
}

// Consolidate removes the droppings of failed exports: leftover .tmp files
// and zero-byte dumps. Verified archives and the manifest are never
// touched. Returns the number of files removed.
func (a *Archiver) Consolidate(_ context.Context) (int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, fmt.Errorf("reading archive dir %s: %w", a.dir, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || e.Name() == ManifestName {
			continue
		}
		stale := strings.HasSuffix(e.Name(), ".tmp")
		if !stale {
			info, err := e.Info()
			if err != nil {
				continue
			}
			stale = info.Size() == 0
		}
		if !stale {
			continue
		}
		path := filepath.Join(a.dir, e.Name())
		if err := os.Remove(path); err != nil {
			a.log.Warn("could not remove stale archive file",
				slog.String("file", e.Name()),
				slog.Any("error", err))
			continue
		}
		a.log.Debug("stale archive file removed", slog.String("file", e.Name()))
		removed++
	}
	return removed, nil
}
