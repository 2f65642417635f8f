package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is the quiet period after the last file event before the
// config is re-read. Editors that write-then-rename fire several events
// per save; one reload covers them all.
const reloadDebounce = 500 * time.Millisecond

// Watcher re-reads the config file when it changes on disk and pushes the
// dynamic subset to registered listeners. Static fields (addresses, DSN,
// batch sizes) need a restart; changes to them are logged as ignored.
type Watcher struct {
	path     string
	log      *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	current   *Config
	listeners []func(Dynamic)

	fsw     *fsnotify.Watcher
	deb     *Debouncer
	stopped chan struct{}
}

// NewWatcher prepares a watcher for path with base as the currently applied
// configuration. Call OnChange to register listeners, then Start.
func NewWatcher(path string, base *Config, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher needs an explicit file path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		log:      logger,
		debounce: reloadDebounce,
		current:  base,
		stopped:  make(chan struct{}),
	}, nil
}

// OnChange registers a listener that receives the dynamic subset after each
// effective reload. Must be called before Start.
func (w *Watcher) OnChange(fn func(Dynamic)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Current returns the most recently applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic saves (write temp, rename over) keep working.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	w.deb = NewDebouncer(w.debounce, w.reload)

	go func() {
		defer close(w.stopped)
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				w.deb.Trigger()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("config watch error", "error", err)
			}
		}
	}()

	w.log.Info("watching config for changes", "path", w.path)
	return nil
}

// Close stops watching and waits for any in-flight reload to finish.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.stopped
	w.deb.CancelAndWait()
	return err
}

// reload re-reads the file, logs static drift, and if the dynamic subset
// changed pushes it to every listener. A file that fails to load or
// validate leaves the previous configuration in force.
func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload skipped", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	listeners := make([]func(Dynamic), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	if ignored := staticDiff(prev, next); len(ignored) > 0 {
		w.log.Warn("config changes require restart, ignoring", "keys", ignored)
	}

	dyn := next.Dynamic()
	if prev != nil && dyn == prev.Dynamic() {
		return
	}

	w.log.Info("applying config changes",
		"warn_mb", dyn.Thresholds.WarnMB,
		"critical_mb", dyn.Thresholds.CriticalMB,
		"emergency_mb", dyn.Thresholds.EmergencyMB,
		"cooldown", dyn.AlertCooldown,
		"auto_create", dyn.AutoCreate,
		"auto_cleanup", dyn.AutoCleanup,
		"auto_compress", dyn.AutoCompress,
		"auto_convert", dyn.AutoConvert)
	for _, fn := range listeners {
		fn(dyn)
	}
}

// staticDiff lists restart-only keys whose values differ between two
// configurations.
func staticDiff(old, next *Config) []string {
	if old == nil {
		return nil
	}
	var changed []string
	add := func(key string, differs bool) {
		if differs {
			changed = append(changed, key)
		}
	}

	add("data_dir", old.DataDir != next.DataDir)
	add("mysql.addr", old.MySQL.Addr != next.MySQL.Addr)
	add("mysql.user", old.MySQL.User != next.MySQL.User)
	add("mysql.password", old.MySQL.Password != next.MySQL.Password)
	add("mysql.database", old.MySQL.Database != next.MySQL.Database)
	add("mysql.dsn", old.MySQL.DSN != next.MySQL.DSN)
	add("mysql.max_open_conns", old.MySQL.MaxOpenConns != next.MySQL.MaxOpenConns)
	add("mysql.max_idle_conns", old.MySQL.MaxIdleConns != next.MySQL.MaxIdleConns)
	add("partition.future_months", old.Partition.FutureMonths != next.Partition.FutureMonths)
	add("partition.retention_months", old.Partition.RetentionMonths != next.Partition.RetentionMonths)
	add("partition.size_check_interval_ms", old.Partition.SizeCheckIntervalMS != next.Partition.SizeCheckIntervalMS)
	add("partition.query_timeout_ms", old.Partition.QueryTimeoutMS != next.Partition.QueryTimeoutMS)
	add("partition.batch_size", old.Partition.BatchSize != next.Partition.BatchSize)
	add("partition.max_concurrent_ops", old.Partition.MaxConcurrentOps != next.Partition.MaxConcurrentOps)
	add("archive.path", old.Archive.Path != next.Archive.Path)
	add("archive.active_months", old.Archive.ActiveMonths != next.Archive.ActiveMonths)
	add("archive.warm_months", old.Archive.WarmMonths != next.Archive.WarmMonths)
	add("archive.cold_months", old.Archive.ColdMonths != next.Archive.ColdMonths)
	add("archive.parallel_jobs", old.Archive.ParallelJobs != next.Archive.ParallelJobs)
	add("archive.backup_before_archive", old.Archive.BackupBeforeArchive != next.Archive.BackupBeforeArchive)
	add("archive.compress", old.Archive.Compress != next.Archive.Compress)
	add("realtime.addr", old.Realtime.Addr != next.Realtime.Addr)
	add("realtime.heartbeat_ms", old.Realtime.HeartbeatMS != next.Realtime.HeartbeatMS)
	add("realtime.subscriber_queue_max", old.Realtime.SubscriberQueueMax != next.Realtime.SubscriberQueueMax)
	add("realtime.send_timeout_ms", old.Realtime.SendTimeoutMS != next.Realtime.SendTimeoutMS)
	add("realtime.max_conns", old.Realtime.MaxConns != next.Realtime.MaxConns)
	add("realtime.auth_token", old.Realtime.AuthToken != next.Realtime.AuthToken)
	add("realtime.redis_addr", old.Realtime.RedisAddr != next.Realtime.RedisAddr)
	add("alerts.webhook_url", old.Alerts.WebhookURL != next.Alerts.WebhookURL)
	add("alerts.smtp.host", old.Alerts.SMTP.Host != next.Alerts.SMTP.Host)
	add("alerts.smtp.port", old.Alerts.SMTP.Port != next.Alerts.SMTP.Port)
	add("bridge.url", old.Bridge.URL != next.Bridge.URL)
	add("bridge.subject_prefix", old.Bridge.SubjectPrefix != next.Bridge.SubjectPrefix)

	return changed
}
