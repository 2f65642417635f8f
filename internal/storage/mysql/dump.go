package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/positrack/positrack/internal/storage"
)

// dumpBatchRows is the row count per INSERT statement in an export file.
const dumpBatchRows = 500

var sqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func sqlString(v string) string {
	return "'" + sqlEscaper.Replace(v) + "'"
}

func sqlFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sqlBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func sqlNullID(v sql.NullInt64) string {
	if !v.Valid {
		return "NULL"
	}
	return strconv.FormatInt(v.Int64, 10)
}

// DumpPartition streams the rows of one partition as executable SQL. The
// dump reloads with a plain mysql client: one INSERT per batch of rows,
// device_ts written as the literal stamp string so a restore reproduces
// byte-identical timestamps.
//
// The row query deliberately bypasses the retry wrapper: a mid-stream retry
// would replay rows the writer already consumed. A failed dump is the
// caller's to discard.
func (s *Store) DumpPartition(ctx context.Context, name string, w io.Writer) (int64, error) {
	if err := validatePartitionName(name); err != nil {
		return 0, err
	}
	exists, err := s.PartitionExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", storage.ErrPartitionMissing, name)
	}

	bw := bufio.NewWriterSize(w, 1<<16)
	fmt.Fprintf(bw, "-- positrack partition dump\n-- partition: %s\n-- generated: %s\n\n",
		name, time.Now().Format(time.RFC3339))

	query := fmt.Sprintf("SELECT %s FROM %s PARTITION (%s) ORDER BY device_ts, device_id",
		reportColumns, tablePositions, name)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, mapError(err)
	}
	defer rows.Close()

	var (
		total   int64
		inBatch int
	)
	for rows.Next() {
		var (
			deviceID, ts, course, ign, vst, status string
			lat, lon, speed                        float64
			panicked                               bool
			gsm                                    int
			seq, imei, serial                      string
			sa, ad, de, cl, us, dr                 sql.NullInt64
		)
		if err := rows.Scan(
			&deviceID, &ts, &lat, &lon, &speed, &course, &ign, &vst, &status,
			&panicked, &gsm, &seq, &imei, &serial,
			&sa, &ad, &de, &cl, &us, &dr,
		); err != nil {
			return total, err
		}

		if inBatch == 0 {
			fmt.Fprintf(bw, "INSERT INTO %s (%s) VALUES\n", tablePositions, reportColumns)
		} else {
			bw.WriteString(",\n")
		}
		fmt.Fprintf(bw, "(%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %d, %s, %s, %s, %s, %s, %s, %s, %s, %s)",
			sqlString(deviceID), sqlString(ts),
			sqlFloat(lat), sqlFloat(lon), sqlFloat(speed),
			sqlString(course), sqlString(ign), sqlString(vst), sqlString(status),
			sqlBool(panicked), gsm,
			sqlString(seq), sqlString(imei), sqlString(serial),
			sqlNullID(sa), sqlNullID(ad), sqlNullID(de), sqlNullID(cl), sqlNullID(us), sqlNullID(dr))

		total++
		inBatch++
		if inBatch == dumpBatchRows {
			bw.WriteString(";\n\n")
			inBatch = 0
		}
	}
	if err := rows.Err(); err != nil {
		return total, mapError(err)
	}
	if inBatch > 0 {
		bw.WriteString(";\n")
	}
	fmt.Fprintf(bw, "\n-- %d rows\n", total)
	if err := bw.Flush(); err != nil {
		return total, err
	}
	return total, nil
}
