// Package mysql implements the telemetry store on a MySQL server with a
// RANGE-partitioned positions table.
//
// Two contracts shape everything here. First, device timestamps are opaque
// civil-time strings: the DSN sets parseTime=false, device_ts is a DATETIME
// column (zoneless by definition), and values cross the driver as strings in
// both directions. Second, every partition mutation serializes through one
// mutex while reads serve a copy-on-write catalog snapshot, so the hot
// ingest and query paths never wait on lifecycle work.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// Table names are fixed; the engine owns them.
const (
	tablePositions = "positions"
	tableLastKnown = "last_known_location"
	tableMeta      = "partition_meta"
)

const (
	defaultQueryTimeout = 5 * time.Second
	defaultCatalogTTL   = 5 * time.Minute
	retryMaxElapsed     = 30 * time.Second
)

// Config holds MySQL connection settings.
type Config struct {
	Addr     string // host:port
	User     string
	Password string
	Database string

	// DSN, when set, overrides the component fields above. parseTime is
	// forced off either way.
	DSN string

	MaxOpenConns    int           // default 32
	MaxIdleConns    int           // default 8
	ConnMaxLifetime time.Duration // default 30m

	// QueryTimeout is applied to any call arriving without a deadline.
	QueryTimeout time.Duration
	// CatalogTTL bounds the age of the partition snapshot served to readers.
	CatalogTTL time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 32
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 8
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.CatalogTTL == 0 {
		c.CatalogTTL = defaultCatalogTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) dsn() (string, error) {
	if c.DSN != "" {
		mc, err := mysql.ParseDSN(c.DSN)
		if err != nil {
			return "", fmt.Errorf("invalid dsn: %w", err)
		}
		// Stamps must cross the driver as strings, never as time.Time.
		mc.ParseTime = false
		return mc.FormatDSN(), nil
	}
	if c.Addr == "" || c.Database == "" {
		return "", fmt.Errorf("mysql addr and database are required")
	}
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = c.Addr
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.Database
	mc.ParseTime = false
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN(), nil
}

// Store implements storage.Store against MySQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	closed atomic.Bool

	queryTimeout time.Duration
	catalogTTL   time.Duration

	// partMu serializes partition mutations; snap is the copy-on-write
	// catalog snapshot served to lock-free readers.
	partMu sync.Mutex
	snap   atomic.Pointer[catalogSnapshot]

	// tableCache memoizes table-existence probes for catalogTTL.
	tableMu    sync.Mutex
	tableCache map[string]tableProbe
}

type tableProbe struct {
	exists  bool
	checked time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects, verifies the server, and installs the schema (idempotent).
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.setDefaults()

	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}

	s := newStore(db, cfg)
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// newStore wires a Store around an existing pool. Split from Open so tests
// can inject a mocked *sql.DB.
func newStore(db *sql.DB, cfg Config) *Store {
	cfg.setDefaults()
	return &Store{
		db:           db,
		logger:       cfg.Logger,
		queryTimeout: cfg.QueryTimeout,
		catalogTTL:   cfg.CatalogTTL,
		tableCache:   make(map[string]tableProbe),
	}
}

// Close releases the connection pool. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// withDeadline applies the default query timeout when the caller supplied
// no deadline of its own.
func (s *Store) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// withRetry runs op, retrying transient connection failures with
// exponential backoff. Exhausted retries surface as ErrStorageUnavailable.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := newRetryBackoff()
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return err
}

// execContext wraps db.ExecContext with the default deadline and transient
// retry.
func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// queryContext wraps db.QueryContext with the default deadline and
// transient retry. The scan callback must fully consume the rows; the
// deadline stays open until it returns.
func (s *Store) queryContext(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// queryRowContext wraps db.QueryRowContext; scan receives the single row.
func (s *Store) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.withRetry(ctx, func() error {
		return scan(s.db.QueryRowContext(ctx, query, args...))
	})
}

// drainExec runs a statement that returns a result set we do not care
// about (OPTIMIZE/ANALYZE PARTITION report rows, not an exec result).
func (s *Store) drainExec(ctx context.Context, query string) error {
	return s.queryContext(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
		}
		return nil
	}, query)
}

// TableExists probes information_schema with a TTL cache so scheduler
// sweeps do not hammer the dictionary.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	s.tableMu.Lock()
	if p, ok := s.tableCache[name]; ok && time.Since(p.checked) < s.catalogTTL {
		s.tableMu.Unlock()
		return p.exists, nil
	}
	s.tableMu.Unlock()

	var n int
	err := s.queryRowContext(ctx, func(row *sql.Row) error { return row.Scan(&n) },
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = DATABASE() AND table_name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("probing table %s: %w", name, err)
	}

	s.tableMu.Lock()
	s.tableCache[name] = tableProbe{exists: n > 0, checked: time.Now()}
	s.tableMu.Unlock()
	return n > 0, nil
}

// Ping verifies pool connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// nullID converts a zero owner id to SQL NULL; absent links stay NULL in
// the row so the merge rules can tell "unset" from a real id.
func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// idOf unwraps a nullable owner column.
func idOf(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}

func elapsedAttr(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

// catalogSnapshot is the immutable partition list readers observe.
type catalogSnapshot struct {
	parts     []types.PartitionInfo
	fetchedAt time.Time
}
