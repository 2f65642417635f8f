// Package lifecycle drives the cadenced partition maintenance tasks.
//
// Each task class runs on its own goroutine: interval classes (heartbeat,
// health sample, size guard) tick on a time.Ticker, clock-aligned classes
// (daily, weekly, monthly) poll the wall clock once a minute and fire when
// their slot comes up. A class never overlaps itself: each one owns a
// taskGuard whose TryLock skips, counts and logs invocations that arrive
// while a previous run is still going.
//
// Ordering inside a tick is conservative: missing partitions are created
// before anything is compressed, archived or dropped, and a partition with
// a compression in flight is never dropped or archived in the same pass.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/positrack/positrack/internal/health"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// Class names one scheduler task class.
type Class string

const (
	ClassHeartbeat  Class = "heartbeat"
	ClassHealth     Class = "health_sample"
	ClassSizeGuard  Class = "size_guard"
	ClassDailyMaint Class = "daily_maint"
	ClassTier       Class = "tier_analysis"
	ClassMetrics    Class = "metrics_report"
	ClassArchive    Class = "archive"
	ClassStorageOpt Class = "storage_opt"
	ClassRetention  Class = "retention"
)

// Task timeouts. Partition DDL on a busy month can run long, so anything
// that compresses, optimizes or drops gets the heavy budget.
const (
	quickTimeout = time.Minute
	sweepTimeout = 5 * time.Minute
	heavyTimeout = time.Hour
)

// Publisher is the hub surface the scheduler needs for the daily stats
// snapshot. *hub.Hub implements it.
type Publisher interface {
	Publish(ev types.Event)
}

// Archiver exports partitions to dump files. *archive.Archiver implements
// it; a nil Archiver disables the weekly archive task, the pre-drop backup
// and the monthly consolidation step.
type Archiver interface {
	// Archive exports, verifies, marks and drops each named partition.
	Archive(ctx context.Context, names []string) error
	// Backup exports and verifies one partition without dropping it.
	Backup(ctx context.Context, name string) error
	// Consolidate compacts the archive directory, returning how many
	// files it touched.
	Consolidate(ctx context.Context) (int, error)
}

// Settings holds the scheduler's tunables. The auto flags are the dynamic
// subset; everything else is fixed at construction.
type Settings struct {
	AutoCreate   bool
	AutoCleanup  bool
	AutoCompress bool
	AutoConvert  bool

	FutureMonths      int
	RetentionMonths   int
	SizeCheckInterval time.Duration
	MaxConcurrentOps  int

	// BackupBeforeDrop makes retention export and verify a partition
	// before dropping it. Requires an Archiver.
	BackupBeforeDrop bool
}

func (s *Settings) applyDefaults() {
	if s.FutureMonths < 1 {
		s.FutureMonths = 3
	}
	if s.RetentionMonths < 1 {
		s.RetentionMonths = 12
	}
	if s.SizeCheckInterval <= 0 {
		s.SizeCheckInterval = time.Hour
	}
	if s.MaxConcurrentOps < 1 {
		s.MaxConcurrentOps = 4
	}
}

// AutoFlags is the hot-reloadable subset of Settings. Convert only matters
// at startup; applying it later has no effect until the next boot.
type AutoFlags struct {
	Create   bool
	Cleanup  bool
	Compress bool
	Convert  bool
}

// Options wires the scheduler's collaborators. Store is the only required
// piece; a nil Monitor gets a default one over the same store.
type Options struct {
	Monitor  *health.Monitor
	Alerter  *health.Alerter
	Archiver Archiver
	Bus      Publisher
	Settings Settings
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler owns the maintenance goroutines. Construct with New, start with
// Run; it stops when the context is canceled.
type Scheduler struct {
	store    storage.Store
	monitor  *health.Monitor
	alerter  *health.Alerter
	archiver Archiver
	bus      Publisher
	log      *slog.Logger
	now      func() time.Time

	// alignEvery is how often clock-aligned loops re-check the wall
	// clock. One minute in production; tests shrink it.
	alignEvery time.Duration

	mu       sync.Mutex
	settings Settings

	guardMu sync.Mutex
	guards  map[Class]*taskGuard

	compMu      sync.Mutex
	compressing map[string]bool

	wg sync.WaitGroup
}

// taskGuard makes one task class single-flight. TryLock failing means a
// previous run is still in progress.
type taskGuard struct {
	mu       sync.Mutex
	runs     atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64
}

// New builds a Scheduler over the store.
func New(store storage.Store, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Monitor == nil {
		opts.Monitor = health.NewMonitor(store, health.MonitorConfig{Logger: opts.Logger, Now: opts.Now})
	}
	opts.Settings.applyDefaults()
	return &Scheduler{
		store:       store,
		monitor:     opts.Monitor,
		alerter:     opts.Alerter,
		archiver:    opts.Archiver,
		bus:         opts.Bus,
		log:         opts.Logger,
		now:         opts.Now,
		alignEvery:  time.Minute,
		settings:    opts.Settings,
		guards:      make(map[Class]*taskGuard),
		compressing: make(map[string]bool),
	}
}

// Apply swaps the dynamic flags. Called by the config watcher on reload.
func (s *Scheduler) Apply(f AutoFlags) {
	s.mu.Lock()
	s.settings.AutoCreate = f.Create
	s.settings.AutoCleanup = f.Cleanup
	s.settings.AutoCompress = f.Compress
	s.settings.AutoConvert = f.Convert
	s.mu.Unlock()
	s.log.Info("lifecycle flags applied",
		slog.Bool("auto_create", f.Create),
		slog.Bool("auto_cleanup", f.Cleanup),
		slog.Bool("auto_compress", f.Compress))
}

func (s *Scheduler) snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// task binds a class to its cadence and body. Exactly one of every/due is
// set: every drives a ticker, due is a wall-clock predicate polled each
// minute.
type task struct {
	class   Class
	every   time.Duration
	due     func(time.Time) bool
	timeout time.Duration
	run     func(context.Context) error
}

func (s *Scheduler) tasks() []task {
	set := s.snapshot()
	return []task{
		{class: ClassHeartbeat, every: 5 * time.Minute, timeout: quickTimeout, run: s.runHeartbeat},
		{class: ClassHealth, every: 30 * time.Minute, timeout: sweepTimeout, run: s.runHealthSample},
		{class: ClassSizeGuard, every: set.SizeCheckInterval, timeout: heavyTimeout, run: s.runSizeGuard},
		{class: ClassDailyMaint, due: dailyAt(2), timeout: heavyTimeout, run: s.runDailyMaint},
		{class: ClassTier, due: dailyAt(3), timeout: heavyTimeout, run: s.runTierAnalysis},
		{class: ClassMetrics, due: dailyAt(6), timeout: quickTimeout, run: s.runMetricsReport},
		{class: ClassArchive, due: weeklyAt(time.Sunday, 2), timeout: heavyTimeout, run: s.runArchive},
		{class: ClassStorageOpt, due: monthlyAt(1, 4), timeout: heavyTimeout, run: s.runStorageOpt},
		{class: ClassRetention, due: monthlyAt(2, 2), timeout: heavyTimeout, run: s.runRetention},
	}
}

func dailyAt(hour int) func(time.Time) bool {
	return func(t time.Time) bool { return t.Hour() == hour && t.Minute() == 0 }
}

func weeklyAt(day time.Weekday, hour int) func(time.Time) bool {
	return func(t time.Time) bool {
		return t.Weekday() == day && t.Hour() == hour && t.Minute() == 0
	}
}

func monthlyAt(day, hour int) func(time.Time) bool {
	return func(t time.Time) bool {
		return t.Day() == day && t.Hour() == hour && t.Minute() == 0
	}
}

// Run reconciles once at startup, launches the task loops and blocks until
// ctx is canceled. The one-shot table conversion is the only startup step
// that can fail the whole scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	set := s.snapshot()
	if set.AutoConvert {
		if err := s.store.ConvertToPartitioned(ctx, set.FutureMonths); err != nil {
			return fmt.Errorf("convert to partitioned: %w", err)
		}
	}
	if set.AutoCreate {
		if err := s.ensureMonths(ctx, set.FutureMonths); err != nil {
			s.log.Warn("startup partition reconcile incomplete", slog.Any("error", err))
		}
	}

	tasks := s.tasks()
	for _, t := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.Info("lifecycle scheduler started",
		slog.Int("tasks", len(tasks)),
		slog.Bool("auto_create", set.AutoCreate),
		slog.Bool("auto_cleanup", set.AutoCleanup),
		slog.Bool("auto_compress", set.AutoCompress))

	<-ctx.Done()
	s.wg.Wait()
	s.log.Info("lifecycle scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()

	if t.every > 0 {
		ticker := time.NewTicker(t.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fire(ctx, t)
			}
		}
	}

	// Clock-aligned: poll the wall clock and fire at most once per
	// matching minute.
	ticker := time.NewTicker(s.alignEvery)
	defer ticker.Stop()
	var lastSlot string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			if !t.due(now) {
				continue
			}
			slot := now.Format("2006-01-02 15:04")
			if slot == lastSlot {
				continue
			}
			lastSlot = slot
			s.fire(ctx, t)
		}
	}
}

// fire runs one invocation of t under its guard and timeout.
func (s *Scheduler) fire(ctx context.Context, t task) {
	g := s.guard(t.class)
	if !g.mu.TryLock() {
		g.skipped.Add(1)
		s.log.Warn("lifecycle task still running, skipping",
			slog.String("task", string(t.class)),
			slog.Int64("skipped", g.skipped.Load()))
		return
	}
	defer g.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	err := t.run(tctx)
	g.runs.Add(1)
	if err != nil {
		g.failures.Add(1)
		s.log.Error("lifecycle task failed",
			slog.String("task", string(t.class)),
			slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
			slog.Any("error", err))
		return
	}
	s.log.Debug("lifecycle task complete",
		slog.String("task", string(t.class)),
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
}

func (s *Scheduler) guard(c Class) *taskGuard {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	g, ok := s.guards[c]
	if !ok {
		g = &taskGuard{}
		s.guards[c] = g
	}
	return g
}

// beginCompress claims a partition for compression. False means another
// task already has it.
func (s *Scheduler) beginCompress(name string) bool {
	s.compMu.Lock()
	defer s.compMu.Unlock()
	if s.compressing[name] {
		return false
	}
	s.compressing[name] = true
	return true
}

func (s *Scheduler) endCompress(name string) {
	s.compMu.Lock()
	delete(s.compressing, name)
	s.compMu.Unlock()
}

func (s *Scheduler) compressInFlight(name string) bool {
	s.compMu.Lock()
	defer s.compMu.Unlock()
	return s.compressing[name]
}

// TaskCounters reports one class's run accounting for the status surface.
type TaskCounters struct {
	Class    Class `json:"class"`
	Runs     int64 `json:"runs"`
	Skipped  int64 `json:"skipped"`
	Failures int64 `json:"failures"`
}

// Counters returns per-class accounting, sorted by class name. Classes
// that have never fired are absent.
func (s *Scheduler) Counters() []TaskCounters {
	s.guardMu.Lock()
	out := make([]TaskCounters, 0, len(s.guards))
	for c, g := range s.guards {
		out = append(out, TaskCounters{
			Class:    c,
			Runs:     g.runs.Load(),
			Skipped:  g.skipped.Load(),
			Failures: g.failures.Load(),
		})
	}
	s.guardMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
