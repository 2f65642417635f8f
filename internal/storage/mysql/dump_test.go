package mysql

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/positrack/positrack/internal/storage"
)

func TestDumpPartitionStreamsInsertBatches(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202301", "p_max"))

	rows := sqlmock.NewRows(reportColumnsList())
	reportRow(rows, "KA01-7788", "2023-01-15 08:00:00")
	reportRow(rows, "KA01-7789", "2023-01-15 08:00:05")
	mock.ExpectQuery(`FROM positions PARTITION \(p_202301\)`).
		WillReturnRows(rows)

	var buf bytes.Buffer
	n, err := s.DumpPartition(t.Context(), "p_202301", &buf)
	if err != nil {
		t.Fatalf("DumpPartition: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}

	out := buf.String()
	for _, want := range []string{
		"-- partition: p_202301",
		"INSERT INTO positions (" + reportColumns + ") VALUES",
		"'2023-01-15 08:00:00'",
		"'KA01-7789'",
		");",
		"-- 2 rows",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q\n%s", want, out)
		}
	}
	// NULL owner ids must restore as NULL, not zero.
	if !strings.Contains(out, "NULL") {
		t.Error("dump renders no NULLs for absent owner ids")
	}
	expectMeta(t, mock)
}

func TestDumpPartitionEscapesLiterals(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202301", "p_max"))

	rows := sqlmock.NewRows(reportColumnsList()).AddRow(
		`dev'quote`, "2023-01-15 08:00:00", 0.0, 0.0, 0.0, `N\E`, "UNKNOWN", "UNKNOWN", "HISTORY",
		true, 0, "", "", "",
		nil, nil, nil, nil, nil, nil,
	)
	mock.ExpectQuery(`FROM positions PARTITION \(p_202301\)`).
		WillReturnRows(rows)

	var buf bytes.Buffer
	if _, err := s.DumpPartition(t.Context(), "p_202301", &buf); err != nil {
		t.Fatalf("DumpPartition: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `'dev\'quote'`) {
		t.Errorf("quote not escaped:\n%s", out)
	}
	if !strings.Contains(out, `'N\\E'`) {
		t.Errorf("backslash not escaped:\n%s", out)
	}
}

func TestDumpPartitionRejectsBadNames(t *testing.T) {
	s, _ := newMockStore(t)
	var buf bytes.Buffer
	for _, name := range []string{"p_max", "positions; --", "p_202301 OR 1=1"} {
		if _, err := s.DumpPartition(t.Context(), name, &buf); err == nil {
			t.Errorf("DumpPartition(%q) accepted", name)
		}
	}
}

func TestDumpPartitionMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM information_schema.PARTITIONS").
		WillReturnRows(catalogRows("p_202506", "p_max"))

	var buf bytes.Buffer
	_, err := s.DumpPartition(t.Context(), "p_202301", &buf)
	if !errors.Is(err, storage.ErrPartitionMissing) {
		t.Fatalf("err = %v, want ErrPartitionMissing", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes before failing", buf.Len())
	}
	expectMeta(t, mock)
}
