package mysql

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

func liveReport(ts string) *types.Report {
	return &types.Report{
		DeviceID:      "KA01-7788",
		DeviceTS:      mustStamp(ts),
		Lat:           12.9716,
		Lon:           77.5946,
		Speed:         42,
		Course:        "NE",
		Ignition:      types.IgnitionOn,
		VehicleStatus: types.VehicleRunning,
		Status:        types.StatusLive,
		AdminID:       3,
	}
}

func TestUpsertReportOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     storage.RowOutcome
	}{
		{"fresh row inserts", 1, storage.OutcomeInserted},
		{"same key merges", 2, storage.OutcomeUpdated},
		{"identical duplicate is a no-op", 0, storage.OutcomeUnchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			seedSnapshot(s, "p_202507", "p_max")
			mock.ExpectExec("INSERT INTO positions").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := s.UpsertReport(t.Context(), liveReport("2025-07-08 16:18:11"))
			if err != nil {
				t.Fatalf("UpsertReport: %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			expectMeta(t, mock)
		})
	}
}

func TestUpsertReportMissingMonth(t *testing.T) {
	s, mock := newMockStore(t)
	seedSnapshot(s, "p_202506", "p_max")
	// The guard takes one fresh look before rejecting.
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202506", "p_max"))

	_, err := s.UpsertReport(t.Context(), liveReport("2025-07-08 16:18:11"))
	if !errors.Is(err, storage.ErrPartitionMissing) {
		t.Fatalf("err = %v, want ErrPartitionMissing", err)
	}
	expectMeta(t, mock)
}

func TestUpsertReportsGroupsByMonth(t *testing.T) {
	s, mock := newMockStore(t)
	seedSnapshot(s, "p_202506", "p_202507", "p_max")

	// June group first (first seen), then July.
	mock.ExpectExec("INSERT INTO positions").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO positions").WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.UpsertReports(t.Context(), []*types.Report{
		liveReport("2025-06-30 23:59:59"),
		liveReport("2025-06-30 23:59:58"),
		liveReport("2025-07-01 00:00:00"),
	})
	if err != nil {
		t.Fatalf("UpsertReports: %v", err)
	}
	if out.Rows != 3 {
		t.Errorf("Rows = %d, want 3", out.Rows)
	}
	if out.Affected != 3 {
		t.Errorf("Affected = %d, want 3", out.Affected)
	}
	expectMeta(t, mock)
}

func TestUpsertReportsMissingMonthSkipsGroup(t *testing.T) {
	s, mock := newMockStore(t)
	seedSnapshot(s, "p_202507", "p_max")

	// 2023-01 was archived and dropped: its group fails, July still lands.
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202507", "p_max"))
	mock.ExpectExec("INSERT INTO positions").WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.UpsertReports(t.Context(), []*types.Report{
		liveReport("2023-01-15 10:00:00"),
		liveReport("2025-07-01 00:00:00"),
	})
	if !errors.Is(err, storage.ErrPartitionMissing) {
		t.Fatalf("err = %v, want ErrPartitionMissing", err)
	}
	if out.Rows != 1 || out.Affected != 1 {
		t.Errorf("outcome = %+v, want the July row written", out)
	}
	expectMeta(t, mock)
}

func TestUpsertLastKnown(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO last_known_location").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertLastKnown(t.Context(), liveReport("2025-07-08 16:18:11")); err != nil {
		t.Fatalf("UpsertLastKnown: %v", err)
	}
	expectMeta(t, mock)
}
