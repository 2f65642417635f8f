// Package server assembles the positrack daemon from one config tree: the
// MySQL store, the last-known projection, the fan-out hub, the ingestion
// and query services, the health monitor and alerter, the lifecycle
// scheduler, the archive exporter, the realtime TCP listener and the
// optional NATS bridge.
//
// New builds and connects everything; Run acquires the per-directory
// lockfile, starts the serving surfaces and blocks until the context is
// canceled or a shutdown signal arrives; Close releases what New opened.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/positrack/positrack/internal/archive"
	"github.com/positrack/positrack/internal/bridge"
	"github.com/positrack/positrack/internal/config"
	"github.com/positrack/positrack/internal/health"
	"github.com/positrack/positrack/internal/hub"
	"github.com/positrack/positrack/internal/ingest"
	"github.com/positrack/positrack/internal/lastknown"
	"github.com/positrack/positrack/internal/lifecycle"
	"github.com/positrack/positrack/internal/lockfile"
	"github.com/positrack/positrack/internal/query"
	"github.com/positrack/positrack/internal/realtime"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/storage/mysql"
	"github.com/positrack/positrack/internal/telemetry"
	"github.com/positrack/positrack/internal/types"
)

// Options adjusts construction beyond the config tree.
type Options struct {
	// ConfigPath enables the hot-reload watcher on that file. Empty
	// disables hot reload (env-only or embedded configurations).
	ConfigPath string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Store overrides the MySQL connection. Production leaves it nil and
	// New dials cfg.MySQL; tests inject fakes here.
	Store storage.Store
	// Scopes resolves ownership for query and subscribe authorization.
	// Nil means types.SelfScope.
	Scopes types.ScopeResolver
}

// Server is the assembled daemon.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	store    storage.Store
	last     lastknown.Store
	hub      *hub.Hub
	bridge   *bridge.Bridge
	ingest   *ingest.Service
	query    *query.Service
	monitor  *health.Monitor
	alerter  *health.Alerter
	sched    *lifecycle.Scheduler
	archiver *archive.Archiver
	rt       *realtime.Server
	watcher  *config.Watcher
}

// New wires a Server. The store connection is the only step that can touch
// the network (unless opts.Store short-circuits it); everything else is
// in-process assembly. On error the partially built server is torn down.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	scopes := opts.Scopes
	if scopes == nil {
		scopes = types.SelfScope{}
	}

	s := &Server{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	store := opts.Store
	if store == nil {
		ms, err := mysql.Open(ctx, mysqlConfig(cfg, log))
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		store = ms
	}
	s.store = telemetry.WrapStore(store)

	s.last = buildLastKnown(cfg, log)

	s.hub = hub.New(hub.Config{
		QueueMax:    cfg.Realtime.SubscriberQueueMax,
		SendTimeout: cfg.Realtime.SendTimeout(),
		Scopes:      scopes,
		Logger:      log,
	})

	var bus ingest.Publisher = s.hub
	if cfg.Bridge.URL != "" {
		br, err := bridge.New(bridge.Config{
			URL:           cfg.Bridge.URL,
			SubjectPrefix: cfg.Bridge.SubjectPrefix,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("starting bridge: %w", err)
		}
		s.bridge = br
		bus = multiBus{s.hub, br}
	}

	s.ingest = ingest.New(s.store, s.last, bus, ingest.Config{
		BatchSize: cfg.Partition.BatchSize,
		Logger:    log,
	})
	s.query = query.New(s.store, s.last, scopes, query.Config{
		Timeout: cfg.Partition.QueryTimeout(),
		Logger:  log,
	})

	s.monitor = health.NewMonitor(s.store, health.MonitorConfig{
		Thresholds: cfg.Thresholds(),
		TierPolicy: cfg.TierPolicy(),
		Logger:     log,
	})
	s.alerter = health.NewAlerter(alertChannels(cfg, log), health.AlerterConfig{
		Cooldown: cfg.AlertCooldown(),
		Logger:   log,
	})

	arch, err := archive.New(s.store, archive.Config{
		Dir:          archiveDir(cfg),
		Compress:     cfg.Archive.Compress,
		ParallelJobs: cfg.Archive.ParallelJobs,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	s.archiver = arch

	s.sched = lifecycle.New(s.store, lifecycle.Options{
		Monitor:  s.monitor,
		Alerter:  s.alerter,
		Archiver: arch,
		Bus:      bus,
		Settings: lifecycle.Settings{
			AutoCreate:        cfg.Partition.AutoCreate,
			AutoCleanup:       cfg.Partition.AutoCleanup,
			AutoCompress:      cfg.Partition.AutoCompress,
			AutoConvert:       cfg.Partition.AutoConvert,
			FutureMonths:      cfg.Partition.FutureMonths,
			RetentionMonths:   cfg.Partition.RetentionMonths,
			SizeCheckInterval: cfg.Partition.SizeCheckInterval(),
			MaxConcurrentOps:  cfg.Partition.MaxConcurrentOps,
			BackupBeforeDrop:  cfg.Archive.BackupBeforeArchive,
		},
		Logger: log,
	})

	s.rt = realtime.NewServer(s.hub, realtime.Config{
		Addr:      cfg.Realtime.Addr,
		Heartbeat: cfg.Realtime.Heartbeat(),
		MaxConns:  cfg.Realtime.MaxConns,
		Auth:      realtime.StaticToken(cfg.Realtime.AuthToken),
		Stats:     s.query,
		Logger:    log,
	})

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, cfg, log)
		if err != nil {
			log.Warn("config watcher unavailable, hot reload disabled",
				slog.String("path", opts.ConfigPath), slog.Any("error", err))
		} else {
			w.OnChange(s.applyDynamic)
			s.watcher = w
		}
	}

	ok = true
	return s, nil
}

// Run starts the daemon and blocks. The lockfile guards one daemon per data
// directory; a second Run against the same directory fails with
// lockfile.ErrLocked. Run returns after a full shutdown: scheduler drained,
// realtime clients closed, watcher stopped.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lock, err := lockfile.Acquire(s.cfg.DataDir, s.cfg.MySQL.Database)
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	if err := s.rt.Start(); err != nil {
		return err
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Warn("config watcher unavailable, hot reload disabled",
				slog.Any("error", err))
		}
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- s.sched.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	s.log.Info("daemon started",
		slog.String("realtime_addr", s.rt.Addr().String()),
		slog.String("database", s.cfg.MySQL.Database),
		slog.String("data_dir", s.cfg.DataDir))

	var schedErr error
	schedExited := false
wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.log.Info("reload signal ignored, config changes apply through the file watcher")
				continue
			}
			s.log.Info("signal received, shutting down", slog.String("signal", sig.String()))
			break wait
		case <-ctx.Done():
			s.log.Info("context canceled, shutting down")
			break wait
		case schedErr = <-schedDone:
			schedExited = true
			break wait
		}
	}

	cancel()
	if !schedExited {
		schedErr = <-schedDone
	}
	_ = s.rt.Stop()
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.log.Info("daemon stopped")

	if schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		return fmt.Errorf("lifecycle scheduler: %w", schedErr)
	}
	return nil
}

// Close releases everything New opened. Safe after a failed New and safe to
// call whether or not Run was ever started.
func (s *Server) Close() error {
	var errs []error
	if s.rt != nil {
		errs = append(errs, s.rt.Stop())
	}
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.last != nil {
		errs = append(errs, s.last.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// Ingest exposes the ingestion service for embedding callers.
func (s *Server) Ingest() *ingest.Service { return s.ingest }

// Query exposes the principal-scoped read service.
func (s *Server) Query() *query.Service { return s.query }

// Hub exposes the fan-out hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Realtime exposes the TCP listener, mainly so callers can learn the bound
// address when the config uses port 0.
func (s *Server) Realtime() *realtime.Server { return s.rt }

// Store exposes the (instrumented) storage layer.
func (s *Server) Store() storage.Store { return s.store }

// Scheduler exposes the lifecycle scheduler for status surfaces.
func (s *Server) Scheduler() *lifecycle.Scheduler { return s.sched }

// Monitor exposes the health monitor for status surfaces.
func (s *Server) Monitor() *health.Monitor { return s.monitor }

// applyDynamic pushes a reloaded dynamic subset into the running components.
func (s *Server) applyDynamic(d config.Dynamic) {
	s.monitor.SetThresholds(d.Thresholds)
	s.alerter.SetCooldown(d.AlertCooldown)
	s.sched.Apply(lifecycle.AutoFlags{
		Create:   d.AutoCreate,
		Cleanup:  d.AutoCleanup,
		Compress: d.AutoCompress,
		Convert:  d.AutoConvert,
	})
}

// multiBus forwards every event to each sink. Wired when the NATS bridge is
// enabled so hub subscribers and external consumers see the same stream.
type multiBus []ingest.Publisher

func (m multiBus) Publish(ev types.Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}

func mysqlConfig(cfg *config.Config, log *slog.Logger) mysql.Config {
	return mysql.Config{
		Addr:         cfg.MySQL.Addr,
		User:         cfg.MySQL.User,
		Password:     cfg.MySQL.Password,
		Database:     cfg.MySQL.Database,
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		QueryTimeout: cfg.Partition.QueryTimeout(),
		Logger:       log,
	}
}

// buildLastKnown wires the projection: in-process map always, Redis
// write-through mirror when realtime.redis_addr is set. An unreachable
// Redis degrades to memory-only with a warning; the projection is a cache,
// not a durability layer.
func buildLastKnown(cfg *config.Config, log *slog.Logger) lastknown.Store {
	mem := lastknown.NewMemory()
	if cfg.Realtime.RedisAddr == "" {
		return mem
	}
	url := cfg.Realtime.RedisAddr
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	mirror, err := lastknown.NewRedis(url)
	if err != nil {
		log.Warn("redis unavailable, last-known projection stays in memory",
			slog.String("addr", cfg.Realtime.RedisAddr), slog.Any("error", err))
		return mem
	}
	log.Info("last-known projection mirrored to redis", slog.String("addr", cfg.Realtime.RedisAddr))
	return lastknown.NewTee(mem, mirror, log)
}

// alertChannels builds the delivery list: the log channel is always on,
// webhook and SMTP join when configured.
func alertChannels(cfg *config.Config, log *slog.Logger) []health.Channel {
	channels := []health.Channel{health.LogChannel{Log: log}}
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, health.NewWebhookChannel(cfg.Alerts.WebhookURL))
	}
	if cfg.Alerts.SMTP.Host != "" {
		channels = append(channels, health.NewSMTPChannel(health.SMTPSettings{
			Host:     cfg.Alerts.SMTP.Host,
			Port:     cfg.Alerts.SMTP.Port,
			From:     cfg.Alerts.SMTP.From,
			To:       cfg.Alerts.SMTP.To,
			Username: cfg.Alerts.SMTP.Username,
			Password: cfg.Alerts.SMTP.Password,
		}))
	}
	return channels
}

// archiveDir resolves archive.path against the data directory.
func archiveDir(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Archive.Path) {
		return cfg.Archive.Path
	}
	return filepath.Join(cfg.DataDir, cfg.Archive.Path)
}
