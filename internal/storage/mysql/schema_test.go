package mysql

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	got := splitStatements(schema)
	if len(got) != 3 {
		t.Fatalf("schema splits into %d statements, want 3", len(got))
	}
	for i, stmt := range got {
		if !strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS") {
			t.Errorf("statement %d is not a CREATE TABLE: %s", i, truncateStmt(stmt))
		}
	}
	if !strings.Contains(got[0], "PARTITION BY RANGE") {
		t.Error("positions statement lost its partition clause")
	}
}

func TestSplitStatementsIgnoresQuotedSemicolons(t *testing.T) {
	script := `INSERT INTO t VALUES ('a;b'); UPDATE t SET v = "x;y";`
	got := splitStatements(script)
	if len(got) != 2 {
		t.Fatalf("split = %d statements, want 2: %q", len(got), got)
	}
	if !strings.Contains(got[0], "'a;b'") {
		t.Errorf("quoted semicolon broke statement: %q", got[0])
	}
}

func TestTruncateStmt(t *testing.T) {
	long := strings.Repeat("SELECT 1 ", 40)
	got := truncateStmt(long)
	if len(got) > 130 {
		t.Errorf("truncated statement still %d chars", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("no ellipsis: %q", got)
	}
	if truncateStmt("SELECT 1") != "SELECT 1" {
		t.Error("short statement altered")
	}
}
