package mysql

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/types"
)

func mustStamp(s string) rawtime.Stamp {
	st, err := rawtime.Parse(s)
	if err != nil {
		panic(err)
	}
	return st
}

// newMockStore builds a Store over a sqlmock pool. Expectations use the
// default regexp matcher, so patterns below are substrings with regexp
// metacharacters escaped where needed.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := newStore(db, Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, mock
}

// seedSnapshot primes the catalog cache so write paths skip the
// information_schema round-trip.
func seedSnapshot(s *Store, names ...string) {
	parts := make([]types.PartitionInfo, len(names))
	for i, n := range names {
		parts[i] = types.PartitionInfo{Name: n, Rows: 10, DataBytes: 4096, IndexBytes: 1024}
	}
	s.snap.Store(&catalogSnapshot{parts: parts, fetchedAt: time.Now()})
}

// catalogRows fabricates an information_schema result in catalogQuery's
// column order.
func catalogRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"PARTITION_NAME", "TABLE_ROWS", "DATA_LENGTH", "INDEX_LENGTH", "CREATE_TIME", "compressed",
	})
	for _, n := range names {
		rows.AddRow(n, int64(100), int64(1<<20), int64(1<<18), "2025-07-01 00:00:00", false)
	}
	return rows
}

func expectMeta(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTableExistsCachesProbe(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema\.tables`).
		WithArgs("positions").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	ctx := t.Context()
	for i := 0; i < 3; i++ {
		ok, err := s.TableExists(ctx, "positions")
		if err != nil {
			t.Fatalf("TableExists call %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("TableExists call %d = false, want true", i)
		}
	}
	expectMeta(t, mock)
}
