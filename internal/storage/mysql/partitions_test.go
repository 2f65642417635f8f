package mysql

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/positrack/positrack/internal/storage"
)

func archivedCount(mock sqlmock.Sqlmock, name string, n int) {
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM partition_meta`).
		WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(n))
}

func TestPartitionsServesSnapshotUntilStale(t *testing.T) {
	s, mock := newMockStore(t)
	seedSnapshot(s, "p_202506", "p_max")

	parts, err := s.Partitions(t.Context())
	if err != nil {
		t.Fatalf("Partitions: %v", err)
	}
	if len(parts) != 2 || parts[0].Name != "p_202506" {
		t.Fatalf("snapshot read = %+v", parts)
	}

	// Age the snapshot past the TTL; the next read must hit the catalog.
	snap := s.snap.Load()
	s.snap.Store(&catalogSnapshot{parts: snap.parts, fetchedAt: time.Now().Add(-time.Hour)})
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202506", "p_202507", "p_max"))

	parts, err = s.Partitions(t.Context())
	if err != nil {
		t.Fatalf("Partitions after stale: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("refreshed read = %d partitions, want 3", len(parts))
	}
	expectMeta(t, mock)
}

func TestCreatePartitionSplitsCatchAll(t *testing.T) {
	s, mock := newMockStore(t)
	archivedCount(mock, "p_202507", 0)
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202506", "p_max"))
	mock.ExpectExec(`REORGANIZE PARTITION p_max INTO \(PARTITION p_202507 VALUES LESS THAN \(202508\), PARTITION p_max VALUES LESS THAN MAXVALUE\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202506", "p_202507", "p_max"))

	if err := s.CreatePartition(t.Context(), 2025, 7); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	expectMeta(t, mock)
}

func TestCreatePartitionDecemberWrapsYear(t *testing.T) {
	s, mock := newMockStore(t)
	archivedCount(mock, "p_202512", 0)
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_max"))
	mock.ExpectExec(`PARTITION p_202512 VALUES LESS THAN \(202601\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202512", "p_max"))

	if err := s.CreatePartition(t.Context(), 2025, 12); err != nil {
		t.Fatalf("CreatePartition: %v", err)
	}
	expectMeta(t, mock)
}

func TestCreatePartitionExistingIsSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	archivedCount(mock, "p_202507", 0)
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202507", "p_max"))

	if err := s.CreatePartition(t.Context(), 2025, 7); err != nil {
		t.Fatalf("CreatePartition on existing month: %v", err)
	}
	expectMeta(t, mock)
}

func TestCreatePartitionCollapsesSameNameRace(t *testing.T) {
	s, mock := newMockStore(t)
	archivedCount(mock, "p_202507", 0)
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_max"))
	mock.ExpectExec("REORGANIZE PARTITION p_max").
		WillReturnError(&mysql.MySQLError{Number: 1517, Message: "Duplicate partition name p_202507"})
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202507", "p_max"))

	if err := s.CreatePartition(t.Context(), 2025, 7); err != nil {
		t.Fatalf("CreatePartition lost race: %v", err)
	}
	expectMeta(t, mock)
}

func TestCreatePartitionRefusesArchivedMonth(t *testing.T) {
	s, mock := newMockStore(t)
	archivedCount(mock, "p_202301", 1)

	err := s.CreatePartition(t.Context(), 2023, 1)
	if !errors.Is(err, storage.ErrPartitionArchived) {
		t.Fatalf("err = %v, want ErrPartitionArchived", err)
	}
	expectMeta(t, mock)
}

func TestCreatePartitionValidatesInput(t *testing.T) {
	s, _ := newMockStore(t)
	if err := s.CreatePartition(t.Context(), 2025, 13); err == nil {
		t.Error("month 13 accepted")
	}
	if err := s.CreatePartition(t.Context(), 2025, 0); err == nil {
		t.Error("month 0 accepted")
	}
	if err := s.CreatePartition(t.Context(), 12025, 1); err == nil {
		t.Error("five-digit year accepted")
	}
}

func TestDropPartitionValidatesName(t *testing.T) {
	s, _ := newMockStore(t)
	for _, name := range []string{
		"p_max",
		"positions",
		"p_2025",
		"p_2025071",
		"p_202507; DROP TABLE positions",
		"",
	} {
		if err := s.DropPartition(t.Context(), name); err == nil {
			t.Errorf("DropPartition(%q) accepted", name)
		}
	}
}

func TestDropPartitionCollapsesMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DROP PARTITION p_202301").
		WillReturnError(&mysql.MySQLError{Number: 1507, Message: "Error in list of partitions"})
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202506", "p_max"))

	if err := s.DropPartition(t.Context(), "p_202301"); err != nil {
		t.Fatalf("DropPartition on missing partition: %v", err)
	}
	expectMeta(t, mock)
}

func TestCompressPartitionRecordsSizes(t *testing.T) {
	s, mock := newMockStore(t)

	before := sqlmock.NewRows([]string{
		"PARTITION_NAME", "TABLE_ROWS", "DATA_LENGTH", "INDEX_LENGTH", "CREATE_TIME", "compressed",
	}).AddRow("p_202502", int64(1000), int64(8<<20), int64(2<<20), "2025-02-01 00:00:00", false)
	after := sqlmock.NewRows([]string{
		"PARTITION_NAME", "TABLE_ROWS", "DATA_LENGTH", "INDEX_LENGTH", "CREATE_TIME", "compressed",
	}).AddRow("p_202502", int64(1000), int64(3<<20), int64(1<<20), "2025-02-01 00:00:00", true)

	mock.ExpectQuery("FROM information_schema.PARTITIONS").WillReturnRows(before)
	mock.ExpectQuery("SELECT ROW_FORMAT FROM information_schema.TABLES").
		WithArgs(tablePositions).
		WillReturnRows(sqlmock.NewRows([]string{"ROW_FORMAT"}).AddRow("Compressed"))
	mock.ExpectQuery("REBUILD PARTITION p_202502").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Op", "Msg_type", "Msg_text"}).
			AddRow("positions", "rebuild", "status", "OK"))
	mock.ExpectExec("INSERT INTO partition_meta").
		WithArgs("p_202502").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM information_schema.PARTITIONS").WillReturnRows(after)

	res, err := s.CompressPartition(t.Context(), "p_202502")
	if err != nil {
		t.Fatalf("CompressPartition: %v", err)
	}
	if res.BeforeBytes != 10<<20 {
		t.Errorf("BeforeBytes = %d, want %d", res.BeforeBytes, 10<<20)
	}
	if res.AfterBytes != 4<<20 {
		t.Errorf("AfterBytes = %d, want %d", res.AfterBytes, 4<<20)
	}
	if res.Saved() != 6<<20 {
		t.Errorf("Saved = %d, want %d", res.Saved(), 6<<20)
	}
	expectMeta(t, mock)
}

func TestCompressPartitionUnknownName(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202506", "p_max"))

	_, err := s.CompressPartition(t.Context(), "p_209901")
	if !errors.Is(err, storage.ErrPartitionMissing) {
		t.Fatalf("err = %v, want ErrPartitionMissing", err)
	}
	expectMeta(t, mock)
}

func TestConvertToPartitionedSkipsPartitionedTable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema\.PARTITIONS`).
		WithArgs(tablePositions).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(4))

	if err := s.ConvertToPartitioned(t.Context(), 2); err != nil {
		t.Fatalf("ConvertToPartitioned on partitioned table: %v", err)
	}
	expectMeta(t, mock)
}

func TestConvertToPartitionedInstallsScheme(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema\.PARTITIONS`).
		WithArgs(tablePositions).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectQuery(`SELECT MIN\(device_ts\) FROM positions`).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow("2025-05-12 08:00:00"))
	mock.ExpectExec(`PARTITION BY RANGE \(YEAR\(device_ts\) \* 100 \+ MONTH\(device_ts\)\) \(PARTITION p_202505 VALUES LESS THAN \(202506\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202505", "p_max"))

	if err := s.ConvertToPartitioned(t.Context(), 2); err != nil {
		t.Fatalf("ConvertToPartitioned: %v", err)
	}
	expectMeta(t, mock)
}

func TestMarkArchived(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO partition_meta").
		WithArgs("p_202301").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkArchived(t.Context(), "p_202301"); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	if err := s.MarkArchived(t.Context(), "p_max"); err == nil {
		t.Error("MarkArchived accepted the catch-all")
	}
	expectMeta(t, mock)
}

func TestValidatePartitionName(t *testing.T) {
	if err := validatePartitionName("p_202507"); err != nil {
		t.Errorf("p_202507 rejected: %v", err)
	}
	bad := []string{"p_max", "P_202507", "p_20257", " p_202507", "p_202507 "}
	for _, name := range bad {
		err := validatePartitionName(name)
		if err == nil {
			t.Errorf("%q accepted", name)
			continue
		}
		if !strings.Contains(err.Error(), "p_YYYYMM") {
			t.Errorf("%q error does not name the expected shape: %v", name, err)
		}
	}
}
