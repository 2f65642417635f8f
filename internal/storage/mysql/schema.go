package mysql

import (
	"context"
	"fmt"
	"strings"
)

// schema is executed statement by statement on open; every statement is
// idempotent. device_ts is DATETIME: MySQL stores it as zoneless civil
// time, so the string a device reported is the string every reader gets
// back. TIMESTAMP would silently convert through the session zone and is
// never used here.
//
// The positions table is created already under the RANGE scheme with only
// the p_max catch-all; monthly partitions are carved out of it by the
// lifecycle. Pre-existing unpartitioned tables are handled separately by
// ConvertToPartitioned.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    device_id VARCHAR(64) NOT NULL,
    device_ts DATETIME NOT NULL,
    lat DOUBLE NOT NULL DEFAULT 0,
    lon DOUBLE NOT NULL DEFAULT 0,
    speed DOUBLE NOT NULL DEFAULT 0,
    course VARCHAR(16) NOT NULL DEFAULT '',
    ignition VARCHAR(8) NOT NULL DEFAULT 'UNKNOWN',
    vehicle_status VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN',
    status VARCHAR(8) NOT NULL DEFAULT 'LIVE',
    panic TINYINT(1) NOT NULL DEFAULT 0,
    gsm_strength SMALLINT NOT NULL DEFAULT 0,
    sequence_no VARCHAR(32) NOT NULL DEFAULT '',
    imei VARCHAR(32) NOT NULL DEFAULT '',
    serial_no VARCHAR(32) NOT NULL DEFAULT '',
    superadmin_id BIGINT NULL,
    admin_id BIGINT NULL,
    dealer_id BIGINT NULL,
    client_id BIGINT NULL,
    user_id BIGINT NULL,
    driver_id BIGINT NULL,
    PRIMARY KEY (id, device_ts),
    UNIQUE KEY uk_device_ts (device_id, device_ts),
    KEY idx_device_status (device_id, status),
    KEY idx_admin_ts (admin_id, device_ts),
    KEY idx_lat_lon (lat, lon),
    KEY idx_imei (imei),
    KEY idx_panic_ts (panic, device_ts)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
PARTITION BY RANGE (YEAR(device_ts) * 100 + MONTH(device_ts)) (
    PARTITION p_max VALUES LESS THAN MAXVALUE
);

CREATE TABLE IF NOT EXISTS last_known_location (
    device_id VARCHAR(64) NOT NULL,
    device_ts DATETIME NOT NULL,
    lat DOUBLE NOT NULL DEFAULT 0,
    lon DOUBLE NOT NULL DEFAULT 0,
    speed DOUBLE NOT NULL DEFAULT 0,
    course VARCHAR(16) NOT NULL DEFAULT '',
    ignition VARCHAR(8) NOT NULL DEFAULT 'UNKNOWN',
    vehicle_status VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN',
    panic TINYINT(1) NOT NULL DEFAULT 0,
    superadmin_id BIGINT NULL,
    admin_id BIGINT NULL,
    dealer_id BIGINT NULL,
    client_id BIGINT NULL,
    user_id BIGINT NULL,
    driver_id BIGINT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (device_id),
    KEY idx_lk_admin (admin_id),
    KEY idx_lk_dealer (dealer_id),
    KEY idx_lk_client (client_id),
    KEY idx_lk_user (user_id),
    KEY idx_lk_updated (updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS partition_meta (
    name VARCHAR(64) NOT NULL,
    compressed_at DATETIME NULL,
    archived_at DATETIME NULL,
    PRIMARY KEY (name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// initSchema installs the tables. MySQL rejects multi-statement Exec on a
// standard connection, so the script is split and run one statement at a
// time.
func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schema) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w\nstatement: %s", err, truncateStmt(stmt))
		}
	}
	return nil
}

// splitStatements splits the schema script on statement-terminating
// semicolons, ignoring semicolons inside quoted literals.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(script); i++ {
		ch := script[i]
		if inString {
			current.WriteByte(ch)
			if ch == stringChar && (i == 0 || script[i-1] != '\\') {
				inString = false
			}
			continue
		}
		switch ch {
		case '\'', '"', '`':
			inString = true
			stringChar = ch
			current.WriteByte(ch)
		case ';':
			statements = append(statements, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}

func truncateStmt(stmt string) string {
	const max = 120
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) <= max {
		return stmt
	}
	return stmt[:max] + "..."
}
