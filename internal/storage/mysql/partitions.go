package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// catalogQuery reads one row per physical partition. The LEFT JOIN against
// partition_meta marks compressed partitions without a second round-trip.
const catalogQuery = `
SELECT p.PARTITION_NAME, p.TABLE_ROWS, p.DATA_LENGTH, p.INDEX_LENGTH, p.CREATE_TIME,
       m.compressed_at IS NOT NULL
FROM information_schema.PARTITIONS p
LEFT JOIN partition_meta m ON m.name = p.PARTITION_NAME
WHERE p.TABLE_SCHEMA = DATABASE()
  AND p.TABLE_NAME = ?
  AND p.PARTITION_NAME IS NOT NULL
ORDER BY p.PARTITION_ORDINAL_POSITION`

// Partitions returns the cached catalog snapshot, refreshing it when it is
// older than the catalog TTL. The returned slice is the caller's to keep.
func (s *Store) Partitions(ctx context.Context) ([]types.PartitionInfo, error) {
	if snap := s.snap.Load(); snap != nil && time.Since(snap.fetchedAt) < s.catalogTTL {
		return slices.Clone(snap.parts), nil
	}
	return s.PartitionsFresh(ctx)
}

// PartitionsFresh bypasses the snapshot and reads information_schema.
func (s *Store) PartitionsFresh(ctx context.Context) ([]types.PartitionInfo, error) {
	parts, err := s.refreshCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(parts), nil
}

// refreshCatalog queries information_schema and swaps the snapshot pointer.
// Readers racing a refresh see either the old or the new snapshot, never a
// partially built one.
func (s *Store) refreshCatalog(ctx context.Context) ([]types.PartitionInfo, error) {
	var parts []types.PartitionInfo
	err := s.queryContext(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				name       string
				nrows      sql.NullInt64
				dataLen    sql.NullInt64
				indexLen   sql.NullInt64
				createdRaw sql.NullString
				compressed bool
			)
			if err := rows.Scan(&name, &nrows, &dataLen, &indexLen, &createdRaw, &compressed); err != nil {
				return err
			}
			p := types.PartitionInfo{
				Name:       name,
				Rows:       nrows.Int64,
				DataBytes:  dataLen.Int64,
				IndexBytes: indexLen.Int64,
				Compressed: compressed,
			}
			if createdRaw.Valid {
				// Server-side metadata, not device data; local wall clock
				// is the right reading.
				if t, err := time.ParseInLocation(rawtime.Layout, createdRaw.String, time.Local); err == nil {
					p.CreatedAt = t
				}
			}
			parts = append(parts, p)
		}
		return rows.Err()
	}, catalogQuery, tablePositions)
	if err != nil {
		return nil, mapError(err)
	}
	s.snap.Store(&catalogSnapshot{parts: parts, fetchedAt: time.Now()})
	return parts, nil
}

// PartitionExists answers from a fresh catalog read so that callers deciding
// on DDL never act on a stale snapshot.
func (s *Store) PartitionExists(ctx context.Context, name string) (bool, error) {
	parts, err := s.refreshCatalog(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range parts {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// hasMonthPartition consults the snapshot (refreshing it once on a miss) for
// the monthly partition covering the given stamp. Ingest uses it to reject
// rows whose month has no home instead of letting them leak into the
// catch-all partition.
func (s *Store) hasMonthPartition(ctx context.Context, ts rawtime.Stamp) (bool, error) {
	year, month := ts.YearMonth()
	name := types.PartitionName(year, month)
	if snap := s.snap.Load(); snap != nil && time.Since(snap.fetchedAt) < s.catalogTTL {
		for _, p := range snap.parts {
			if p.Name == name {
				return true, nil
			}
		}
	}
	// Miss or stale: the partition may have been created since the last
	// refresh (heartbeat runs every five minutes). One fresh look settles it.
	parts, err := s.refreshCatalog(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range parts {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// validatePartitionName rejects anything outside the monthly p_YYYYMM scheme
// before it can reach DDL. The catch-all is deliberately excluded: no caller
// may drop, rebuild or archive it.
func validatePartitionName(name string) error {
	if !types.PartitionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid partition name %q (want p_YYYYMM)", name)
	}
	return nil
}

// CreatePartition adds the monthly partition for (year, month). Creating a
// month that already exists is success. Months that were archived and
// dropped stay dropped.
//
// New months are split out of the catch-all with REORGANIZE PARTITION, which
// also re-homes any rows that reached the catch-all before the month existed.
func (s *Store) CreatePartition(ctx context.Context, year, month int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("create partition: month %d out of range", month)
	}
	if year < 1970 || year > 9999 {
		return fmt.Errorf("create partition: year %d out of range", year)
	}
	name := types.PartitionName(year, month)

	s.partMu.Lock()
	defer s.partMu.Unlock()

	archived, err := s.isArchived(ctx, name)
	if err != nil {
		return err
	}
	if archived {
		return fmt.Errorf("%w: %s", storage.ErrPartitionArchived, name)
	}

	parts, err := s.refreshCatalog(ctx)
	if err != nil {
		return err
	}
	hasCatchAll := false
	for _, p := range parts {
		if p.Name == name {
			return nil
		}
		if p.Name == types.CatchAllPartition {
			hasCatchAll = true
		}
	}

	// The bound of p_YYYYMM is the key of the following month.
	boundY, boundM := rawtime.AddMonths(year, month, 1)
	bound := rawtime.MonthKey(boundY, boundM)

	var stmt string
	if hasCatchAll {
		stmt = fmt.Sprintf(
			"ALTER TABLE %s REORGANIZE PARTITION %s INTO (PARTITION %s VALUES LESS THAN (%d), PARTITION %s VALUES LESS THAN MAXVALUE)",
			tablePositions, types.CatchAllPartition, name, bound, types.CatchAllPartition)
	} else {
		stmt = fmt.Sprintf(
			"ALTER TABLE %s ADD PARTITION (PARTITION %s VALUES LESS THAN (%d))",
			tablePositions, name, bound)
	}

	start := time.Now()
	_, err = s.execContext(ctx, stmt)
	switch {
	case err == nil:
	case isMySQLErr(err, errSamePartitionName):
		// Lost a create race; the month exists, which is what we wanted.
		err = nil
	case isMySQLErr(err, errPartitionBoundOrder), isMySQLErr(err, errReorgOutsideRange):
		return fmt.Errorf("partition %s sorts below an existing bound; months must be added oldest first: %v", name, err)
	default:
		return mapError(err)
	}

	s.logger.Info("partition created",
		slog.String("partition", name),
		slog.Int("bound", bound),
		elapsedAttr(start))
	_, err = s.refreshCatalog(ctx)
	return err
}

// DropPartition removes a monthly partition and its rows. Dropping a
// partition that is already gone is success.
func (s *Store) DropPartition(ctx context.Context, name string) error {
	if err := validatePartitionName(name); err != nil {
		return err
	}

	s.partMu.Lock()
	defer s.partMu.Unlock()

	start := time.Now()
	_, err := s.execContext(ctx,
		fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", tablePositions, name))
	switch {
	case err == nil:
	case isMySQLErr(err, errDropPartitionNonExist):
		err = nil
	default:
		return mapError(err)
	}

	s.logger.Info("partition dropped", slog.String("partition", name), elapsedAttr(start))
	_, err = s.refreshCatalog(ctx)
	return err
}

// OptimizePartition reclaims space inside one partition. InnoDB answers
// OPTIMIZE with a result set instead of an OK packet, so the statement goes
// through the query path and the rows are drained.
func (s *Store) OptimizePartition(ctx context.Context, name string) error {
	if err := validatePartitionName(name); err != nil {
		return err
	}
	s.partMu.Lock()
	defer s.partMu.Unlock()

	start := time.Now()
	if err := s.drainExec(ctx,
		fmt.Sprintf("ALTER TABLE %s OPTIMIZE PARTITION %s", tablePositions, name)); err != nil {
		return mapError(err)
	}
	s.logger.Info("partition optimized", slog.String("partition", name), elapsedAttr(start))
	_, err := s.refreshCatalog(ctx)
	return err
}

// AnalyzePartition refreshes index statistics for one partition.
func (s *Store) AnalyzePartition(ctx context.Context, name string) error {
	if err := validatePartitionName(name); err != nil {
		return err
	}
	s.partMu.Lock()
	defer s.partMu.Unlock()

	if err := s.drainExec(ctx,
		fmt.Sprintf("ALTER TABLE %s ANALYZE PARTITION %s", tablePositions, name)); err != nil {
		return mapError(err)
	}
	_, err := s.refreshCatalog(ctx)
	return err
}

// CompressPartition rebuilds one partition under the table's compressed row
// format and records the result in partition_meta so repeat runs are cheap
// no-ops for the scheduler. Holding partMu for the duration means a
// retention drop of the same partition waits for the rebuild to finish.
func (s *Store) CompressPartition(ctx context.Context, name string) (types.CompressionResult, error) {
	res := types.CompressionResult{Name: name}
	if err := validatePartitionName(name); err != nil {
		return res, err
	}

	s.partMu.Lock()
	defer s.partMu.Unlock()

	parts, err := s.refreshCatalog(ctx)
	if err != nil {
		return res, err
	}
	found := false
	for _, p := range parts {
		if p.Name == name {
			res.BeforeBytes = p.TotalBytes()
			found = true
			break
		}
	}
	if !found {
		return res, fmt.Errorf("%w: %s", storage.ErrPartitionMissing, name)
	}

	if err := s.ensureCompressedFormat(ctx); err != nil {
		return res, err
	}

	start := time.Now()
	if err := s.drainExec(ctx,
		fmt.Sprintf("ALTER TABLE %s REBUILD PARTITION %s", tablePositions, name)); err != nil {
		return res, mapError(err)
	}

	_, err = s.execContext(ctx,
		"INSERT INTO partition_meta (name, compressed_at) VALUES (?, NOW()) ON DUPLICATE KEY UPDATE compressed_at = NOW()",
		name)
	if err != nil {
		return res, mapError(err)
	}

	parts, err = s.refreshCatalog(ctx)
	if err != nil {
		return res, err
	}
	for _, p := range parts {
		if p.Name == name {
			res.AfterBytes = p.TotalBytes()
			break
		}
	}
	res.CompressedAt = time.Now()

	s.logger.Info("partition compressed",
		slog.String("partition", name),
		slog.Int64("before_bytes", res.BeforeBytes),
		slog.Int64("after_bytes", res.AfterBytes),
		elapsedAttr(start))
	return res, nil
}

// ensureCompressedFormat switches the table default to the compressed row
// format once. The first compression pays for a full rebuild; afterwards the
// format check short-circuits and only the requested partition is rebuilt.
func (s *Store) ensureCompressedFormat(ctx context.Context) error {
	var format sql.NullString
	err := s.queryRowContext(ctx, func(row *sql.Row) error { return row.Scan(&format) },
		"SELECT ROW_FORMAT FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?",
		tablePositions)
	if err != nil {
		return mapError(err)
	}
	if strings.EqualFold(format.String, "Compressed") {
		return nil
	}
	s.logger.Info("switching table to compressed row format", slog.String("table", tablePositions))
	_, err = s.execContext(ctx,
		fmt.Sprintf("ALTER TABLE %s ROW_FORMAT=COMPRESSED KEY_BLOCK_SIZE=8", tablePositions))
	return mapError(err)
}

// ConvertToPartitioned installs the monthly RANGE scheme on a positions
// table that predates partitioning. It is a one-shot installer: a table that
// is already partitioned is left alone.
func (s *Store) ConvertToPartitioned(ctx context.Context, futureMonths int) error {
	if futureMonths < 0 {
		futureMonths = 0
	}

	s.partMu.Lock()
	defer s.partMu.Unlock()

	var n int
	err := s.queryRowContext(ctx, func(row *sql.Row) error { return row.Scan(&n) },
		"SELECT COUNT(*) FROM information_schema.PARTITIONS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND PARTITION_NAME IS NOT NULL",
		tablePositions)
	if err != nil {
		return mapError(err)
	}
	if n > 0 {
		return nil
	}

	// Start the scheme at the earliest month present so existing rows all
	// find a home; an empty table starts at the current month.
	startY, startM := rawtime.FromTime(time.Now()).YearMonth()
	var earliest sql.NullString
	err = s.queryRowContext(ctx, func(row *sql.Row) error { return row.Scan(&earliest) },
		fmt.Sprintf("SELECT MIN(device_ts) FROM %s", tablePositions))
	if err != nil {
		return mapError(err)
	}
	if earliest.Valid && earliest.String != "" {
		ts, perr := rawtime.Parse(earliest.String)
		if perr != nil {
			return fmt.Errorf("convert to partitioned: earliest device_ts %q: %w", earliest.String, perr)
		}
		startY, startM = ts.YearMonth()
	}

	nowY, nowM := rawtime.FromTime(time.Now()).YearMonth()
	months := rawtime.MonthsBetween(startY, startM, nowY, nowM) + futureMonths

	var b strings.Builder
	fmt.Fprintf(&b, "ALTER TABLE %s PARTITION BY RANGE (YEAR(device_ts) * 100 + MONTH(device_ts)) (", tablePositions)
	y, m := startY, startM
	for i := 0; i <= months; i++ {
		boundY, boundM := rawtime.AddMonths(y, m, 1)
		fmt.Fprintf(&b, "PARTITION %s VALUES LESS THAN (%d), ",
			types.PartitionName(y, m), rawtime.MonthKey(boundY, boundM))
		y, m = boundY, boundM
	}
	fmt.Fprintf(&b, "PARTITION %s VALUES LESS THAN MAXVALUE)", types.CatchAllPartition)

	start := time.Now()
	if _, err := s.execContext(ctx, b.String()); err != nil {
		return mapError(err)
	}
	s.logger.Info("table converted to monthly partitions",
		slog.String("table", tablePositions),
		slog.String("first", types.PartitionName(startY, startM)),
		slog.Int("months", months+1),
		elapsedAttr(start))
	_, err = s.refreshCatalog(ctx)
	return err
}

// MarkArchived records that a partition's rows were exported. The create
// path refuses to bring a marked month back.
func (s *Store) MarkArchived(ctx context.Context, name string) error {
	if err := validatePartitionName(name); err != nil {
		return err
	}
	_, err := s.execContext(ctx,
		"INSERT INTO partition_meta (name, archived_at) VALUES (?, NOW()) ON DUPLICATE KEY UPDATE archived_at = NOW()",
		name)
	return mapError(err)
}

// isArchived reports whether partition_meta carries an archive mark for name.
func (s *Store) isArchived(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.queryRowContext(ctx, func(row *sql.Row) error { return row.Scan(&n) },
		"SELECT COUNT(*) FROM partition_meta WHERE name = ? AND archived_at IS NOT NULL",
		name)
	if err != nil {
		return false, mapError(err)
	}
	return n > 0, nil
}
