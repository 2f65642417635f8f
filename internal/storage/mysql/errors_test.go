package mysql

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/positrack/positrack/internal/storage"
)

func TestMapError(t *testing.T) {
	plain := errors.New("syntax error")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil stays nil", nil, nil},
		{"dup entry", &mysql.MySQLError{Number: 1062}, storage.ErrDuplicate},
		{"no partition for value", &mysql.MySQLError{Number: 1526}, storage.ErrPartitionMissing},
		{"unique key misses partition column", &mysql.MySQLError{Number: 1503}, storage.ErrPartitionKeyMissing},
		{"partition ddl on plain table", &mysql.MySQLError{Number: 1505}, storage.ErrNotPartitioned},
		{"server shutdown is unavailable", &mysql.MySQLError{Number: 1053}, storage.ErrStorageUnavailable},
		{"bad conn is unavailable", driver.ErrBadConn, storage.ErrStorageUnavailable},
		{"network blip is unavailable", fmt.Errorf("dial tcp: connection refused"), storage.ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.in)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("mapError = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("mapError(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	t.Run("unmapped errors pass through", func(t *testing.T) {
		if got := mapError(plain); got != plain {
			t.Errorf("mapError(%v) = %v, want identity", plain, got)
		}
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want bool
	}{
		{"bad conn", driver.ErrBadConn, true},
		{"driver invalid conn", mysql.ErrInvalidConn, true},
		{"server shutdown errno", &mysql.MySQLError{Number: 1053}, true},
		{"lost connection text", errors.New("Error 2013: Lost connection to MySQL server during query"), true},
		{"gone away text", errors.New("Error 2006: MySQL server has gone away"), true},
		{"io timeout", errors.New("read tcp 10.0.0.2:3306: i/o timeout"), true},
		{"dup entry is permanent", &mysql.MySQLError{Number: 1062}, false},
		{"syntax error is permanent", errors.New("Error 1064: You have an error in your SQL syntax"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.in); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
