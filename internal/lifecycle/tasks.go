package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// runHeartbeat verifies the current month has a partition. Ingest cannot
// land rows without one, so a miss is created on the spot when auto_create
// allows it and reported as a failure otherwise.
func (s *Scheduler) runHeartbeat(ctx context.Context) error {
	now := s.now()
	y, m := now.Year(), int(now.Month())
	name := types.PartitionName(y, m)

	ok, err := s.store.PartitionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking partition %s: %w", name, err)
	}
	if ok {
		return nil
	}
	if !s.snapshot().AutoCreate {
		return fmt.Errorf("partition %s is missing and auto_create is off", name)
	}
	s.log.Warn("current-month partition missing, creating", slog.String("partition", name))
	if err := s.store.CreatePartition(ctx, y, m); err != nil {
		return fmt.Errorf("emergency create of %s: %w", name, err)
	}
	return nil
}

// runHealthSample sweeps the monitor and feeds the result to the alerter.
func (s *Scheduler) runHealthSample(ctx context.Context) error {
	snap, err := s.monitor.Sweep(ctx)
	if err != nil {
		return err
	}
	if s.alerter != nil {
		s.alerter.Observe(ctx, snap)
	}
	return nil
}

// runSizeGuard re-checks partitions above the warn threshold between the
// half-hourly sweeps. A partition at or past critical_mb is compressed
// immediately when auto_compress allows it; the current tier stays
// untouched because rebuilding a partition under live writes stalls
// ingest.
func (s *Scheduler) runSizeGuard(ctx context.Context) error {
	set := s.snapshot()
	snap, err := s.monitor.Sweep(ctx)
	if err != nil {
		return err
	}
	if s.alerter != nil {
		s.alerter.Observe(ctx, snap)
	}

	th := s.monitor.Thresholds()
	var errs []error
	for _, ph := range snap.Partitions {
		sizeMB := ph.Info.SizeMB()
		if sizeMB < float64(th.WarnMB) {
			continue
		}
		if sizeMB < float64(th.CriticalMB) {
			s.log.Warn("partition above warn size",
				slog.String("partition", ph.Info.Name),
				slog.String("size", humanize.IBytes(uint64(ph.Info.TotalBytes()))),
				slog.String("tier", string(ph.Tier)))
			continue
		}
		if !set.AutoCompress || ph.Info.Compressed || ph.Tier == types.TierActive {
			s.log.Error("partition above critical size",
				slog.String("partition", ph.Info.Name),
				slog.String("size", humanize.IBytes(uint64(ph.Info.TotalBytes()))),
				slog.String("tier", string(ph.Tier)),
				slog.Bool("compressed", ph.Info.Compressed))
			continue
		}
		if err := s.compress(ctx, ph.Info.Name); err != nil {
			errs = append(errs, fmt.Errorf("compressing %s: %w", ph.Info.Name, err))
		}
	}
	return errors.Join(errs...)
}

// runDailyMaint tops up the partition horizon and optimizes the months
// still taking writes.
func (s *Scheduler) runDailyMaint(ctx context.Context) error {
	set := s.snapshot()
	var errs []error
	if set.AutoCreate {
		if err := s.ensureMonths(ctx, set.FutureMonths); err != nil {
			errs = append(errs, err)
		}
	}

	parts, err := s.store.PartitionsFresh(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("partition snapshot: %w", err))
		return errors.Join(errs...)
	}
	now := s.now()
	var recent []string
	for _, p := range parts {
		y, m, perr := types.ParsePartitionName(p.Name)
		if perr != nil {
			continue
		}
		age := rawtime.MonthsBetween(y, m, now.Year(), int(now.Month()))
		if age < 0 || age > 1 || p.Rows == 0 {
			continue
		}
		recent = append(recent, p.Name)
	}
	if err := s.eachPartition(ctx, "optimize", recent, s.store.OptimizePartition); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runTierAnalysis classifies every partition by age and compresses WARM
// partitions that have not been rebuilt yet.
func (s *Scheduler) runTierAnalysis(ctx context.Context) error {
	set := s.snapshot()
	snap, err := s.monitor.Sweep(ctx)
	if err != nil {
		return err
	}

	counts := make(map[types.Tier]int)
	var candidates []string
	for _, ph := range snap.Partitions {
		counts[ph.Tier]++
		if ph.Tier == types.TierWarm && !ph.Info.Compressed {
			candidates = append(candidates, ph.Info.Name)
		}
	}
	s.log.Info("partition tier analysis",
		slog.Int("active", counts[types.TierActive]),
		slog.Int("warm", counts[types.TierWarm]),
		slog.Int("cold", counts[types.TierCold]),
		slog.Int("archive", counts[types.TierArchive]))

	if !set.AutoCompress || len(candidates) == 0 {
		return nil
	}
	sort.Strings(candidates)
	return s.eachPartition(ctx, "compress", candidates, s.compress)
}

// runMetricsReport publishes the daily fleet snapshot to stats subscribers
// and logs the storage footprint.
func (s *Scheduler) runMetricsReport(ctx context.Context) error {
	snap, err := s.monitor.Snapshot(ctx)
	if err != nil {
		return err
	}
	stats, err := s.store.Stats(ctx, types.AllScope)
	if err != nil {
		return fmt.Errorf("fleet stats: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(types.Event{Kind: types.EventStats, Stats: &stats})
	}
	s.log.Info("storage report",
		slog.Int("partitions", len(snap.Partitions)),
		slog.String("total", humanize.IBytes(uint64(snap.TotalBytes))),
		slog.String("status", string(snap.Status)),
		slog.Int64("devices", stats.TotalDevices),
		slog.Int64("live", stats.LiveDevices),
		slog.Int64("open_alerts", stats.OpenAlerts))
	return nil
}

// runArchive exports every ARCHIVE-tier partition and drops it once its
// dump file verifies. The archiver owns the export-verify-drop pipeline.
func (s *Scheduler) runArchive(ctx context.Context) error {
	if s.archiver == nil {
		return nil
	}
	set := s.snapshot()
	if set.AutoCreate {
		if err := s.ensureMonths(ctx, set.FutureMonths); err != nil {
			s.log.Warn("partition ensure before archive incomplete", slog.Any("error", err))
		}
	}

	snap, err := s.monitor.Sweep(ctx)
	if err != nil {
		return err
	}
	var names []string
	for _, ph := range snap.Partitions {
		if ph.Tier != types.TierArchive {
			continue
		}
		if s.compressInFlight(ph.Info.Name) {
			s.log.Info("archive skipping partition under compression",
				slog.String("partition", ph.Info.Name))
			continue
		}
		names = append(names, ph.Info.Name)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return s.archiver.Archive(ctx, names)
}

// runStorageOpt re-optimizes compressed partitions, whose free-list
// fragmentation grows as old rows are touched, and compacts the archive
// directory.
func (s *Scheduler) runStorageOpt(ctx context.Context) error {
	parts, err := s.store.PartitionsFresh(ctx)
	if err != nil {
		return fmt.Errorf("partition snapshot: %w", err)
	}
	var compressed []string
	for _, p := range parts {
		if p.Compressed {
			compressed = append(compressed, p.Name)
		}
	}

	var errs []error
	if err := s.eachPartition(ctx, "optimize", compressed, s.store.OptimizePartition); err != nil {
		errs = append(errs, err)
	}
	if s.archiver != nil {
		n, err := s.archiver.Consolidate(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("consolidating archive files: %w", err))
		} else if n > 0 {
			s.log.Info("archive files consolidated", slog.Int("files", n))
		}
	}
	return errors.Join(errs...)
}

// runRetention drops partitions past the retention horizon. Partitions are
// walked oldest first; one under compression survives until the next run,
// and when BackupBeforeDrop is set a failed export keeps the partition.
func (s *Scheduler) runRetention(ctx context.Context) error {
	set := s.snapshot()
	if !set.AutoCleanup {
		s.log.Debug("retention skipped, auto_cleanup is off")
		return nil
	}
	if set.BackupBeforeDrop && s.archiver == nil {
		return errors.New("retention requires an archiver when backup before drop is set")
	}
	if set.AutoCreate {
		if err := s.ensureMonths(ctx, set.FutureMonths); err != nil {
			s.log.Warn("partition ensure before retention incomplete", slog.Any("error", err))
		}
	}

	parts, err := s.store.PartitionsFresh(ctx)
	if err != nil {
		return fmt.Errorf("partition snapshot: %w", err)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name < parts[j].Name })

	now := s.now()
	var errs []error
	for _, p := range parts {
		y, m, perr := types.ParsePartitionName(p.Name)
		if perr != nil {
			continue
		}
		age := rawtime.MonthsBetween(y, m, now.Year(), int(now.Month()))
		if age <= set.RetentionMonths {
			continue
		}
		if s.compressInFlight(p.Name) {
			s.log.Info("retention skipping partition under compression",
				slog.String("partition", p.Name))
			continue
		}
		if set.BackupBeforeDrop {
			if err := s.archiver.Backup(ctx, p.Name); err != nil {
				errs = append(errs, fmt.Errorf("backup of %s before drop: %w", p.Name, err))
				continue
			}
		}
		if err := s.store.DropPartition(ctx, p.Name); err != nil {
			errs = append(errs, fmt.Errorf("dropping %s: %w", p.Name, err))
			continue
		}
		s.log.Info("partition dropped by retention",
			slog.String("partition", p.Name),
			slog.Int("age_months", age),
			slog.Int64("rows", p.Rows))
	}
	return errors.Join(errs...)
}

// ensureMonths creates any missing partition from the current month through
// future months ahead. Archived months are left alone: their rows were
// exported and the month must not silently come back.
func (s *Scheduler) ensureMonths(ctx context.Context, future int) error {
	now := s.now()
	y, m := now.Year(), int(now.Month())

	var errs []error
	for i := 0; i <= future; i++ {
		yy, mm := rawtime.AddMonths(y, m, i)
		name := types.PartitionName(yy, mm)
		ok, err := s.store.PartitionExists(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("checking %s: %w", name, err))
			continue
		}
		if ok {
			continue
		}
		if err := s.store.CreatePartition(ctx, yy, mm); err != nil {
			if errors.Is(err, storage.ErrPartitionArchived) {
				s.log.Warn("not recreating archived month", slog.String("partition", name))
				continue
			}
			errs = append(errs, fmt.Errorf("creating %s: %w", name, err))
			continue
		}
		s.log.Info("partition created", slog.String("partition", name))
	}
	return errors.Join(errs...)
}

// compress rebuilds one partition, claiming it against concurrent drops.
func (s *Scheduler) compress(ctx context.Context, name string) error {
	if !s.beginCompress(name) {
		return nil
	}
	defer s.endCompress(name)

	res, err := s.store.CompressPartition(ctx, name)
	if err != nil {
		return err
	}
	s.log.Info("partition compressed",
		slog.String("partition", name),
		slog.String("before", humanize.IBytes(uint64(res.BeforeBytes))),
		slog.String("after", humanize.IBytes(uint64(res.AfterBytes))),
		slog.String("saved", humanize.IBytes(uint64(res.Saved()))))
	return nil
}

// eachPartition applies op to every name with at most MaxConcurrentOps in
// flight, collecting failures instead of stopping at the first.
func (s *Scheduler) eachPartition(ctx context.Context, what string, names []string, op func(context.Context, string) error) error {
	if len(names) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(int64(s.snapshot().MaxConcurrentOps))

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, name := range names {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(fmt.Errorf("%s %s: %w", what, name, err))
			break
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)
			start := time.Now()
			if err := op(ctx, name); err != nil {
				fail(fmt.Errorf("%s %s: %w", what, name, err))
				return
			}
			s.log.Debug("partition maintenance step complete",
				slog.String("op", what),
				slog.String("partition", name),
				slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
		}(name)
	}
	wg.Wait()
	return errors.Join(errs...)
}
