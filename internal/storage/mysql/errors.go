package mysql

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/positrack/positrack/internal/storage"
)

// MySQL server error numbers this engine cares about. Names follow the
// server's own ER_ constants.
const (
	errDupEntry              = 1062 // ER_DUP_ENTRY
	errPartitionBoundOrder   = 1493 // ER_RANGE_NOT_INCREASING_ERROR
	errUniqueKeyNeedsAllPart = 1503 // ER_UNIQUE_KEY_NEED_ALL_FIELDS_IN_PF
	errPartitionMgmtOnNone   = 1505 // ER_PARTITION_MGMT_ON_NONPARTITIONED
	errDropPartitionNonExist = 1507 // ER_DROP_PARTITION_NON_EXISTENT
	errSamePartitionName     = 1517 // ER_SAME_NAME_PARTITION
	errReorgOutsideRange     = 1520 // ER_REORG_OUTSIDE_RANGE
	errNoPartitionForValue   = 1526 // ER_NO_PARTITION_FOR_GIVEN_VALUE
	errServerShutdown        = 1053 // ER_SERVER_SHUTDOWN
)

// mysqlErrNumber extracts the server error number, or 0 for client-side and
// wrapped non-MySQL errors.
func mysqlErrNumber(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// isMySQLErr reports whether err carries the given server error number.
func isMySQLErr(err error, number uint16) bool {
	return mysqlErrNumber(err) == number
}

// mapError translates driver errors into the storage sentinel taxonomy.
// Errors with no mapping pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch mysqlErrNumber(err) {
	case errDupEntry:
		return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
	case errNoPartitionForValue:
		return fmt.Errorf("%w: %v", storage.ErrPartitionMissing, err)
	case errUniqueKeyNeedsAllPart:
		return fmt.Errorf("%w: add device_ts to the primary key and every unique key, then retry (%v)",
			storage.ErrPartitionKeyMissing, err)
	case errPartitionMgmtOnNone:
		return fmt.Errorf("%w: %v", storage.ErrNotPartitioned, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return err
}

// isTransient reports whether the error is a connection-level failure worth
// a backoff retry: the pool handed out a stale connection, the server is
// restarting, or the network blipped.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	if isMySQLErr(err, errServerShutdown) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection", // server error 2013, mid-query disconnect
		"gone away",       // server error 2006, idle connection dropped
		"i/o timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
