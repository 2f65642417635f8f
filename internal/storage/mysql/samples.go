package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/positrack/positrack/internal/rawtime"
)

// SentinelQuery measures end-to-end query latency with a COUNT over the
// last 24 hours of reported time. The count itself is a byproduct; the
// monitor cares about the elapsed time and whether the query ran at all.
func (s *Store) SentinelQuery(ctx context.Context) (int64, time.Duration, error) {
	since := rawtime.FromTime(time.Now().Add(-24 * time.Hour))
	start := time.Now()
	var n int64
	err := s.queryRowContext(ctx, func(row *sql.Row) error { return row.Scan(&n) },
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE device_ts >= ?", tablePositions),
		string(since))
	if err != nil {
		return 0, 0, mapError(err)
	}
	return n, time.Since(start), nil
}

// DeadlockDetected scrapes SHOW ENGINE INNODB STATUS for a recorded
// deadlock. InnoDB keeps the latest deadlock in the status text until the
// next one replaces it, so this is a "has happened" flag, not a live
// condition.
func (s *Store) DeadlockDetected(ctx context.Context) (bool, error) {
	var typ, name, status string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&typ, &name, &status)
	}, "SHOW ENGINE INNODB STATUS")
	if err != nil {
		return false, mapError(err)
	}
	return strings.Contains(status, "LATEST DETECTED DEADLOCK"), nil
}

// DatabaseBytes is the total data+index footprint of the current schema.
func (s *Store) DatabaseBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.queryRowContext(ctx, func(row *sql.Row) error { return row.Scan(&total) },
		"SELECT COALESCE(SUM(DATA_LENGTH + INDEX_LENGTH), 0) FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE()")
	if err != nil {
		return 0, mapError(err)
	}
	return total.Int64, nil
}
