package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// reportColumns is the insert column list shared by the single and batch
// upsert paths and by the archive dumper.
const reportColumns = "device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status, status, " +
	"panic, gsm_strength, sequence_no, imei, serial_no, " +
	"superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id"

// upsertMergeArm encodes the field-merge rules for a second report arriving
// on the same (device_id, device_ts) key:
//
//   - a LIVE report landing on a LIVE row takes the mutable fields
//     (last writer wins)
//   - otherwise only absent values are filled: zero coordinates, empty
//     course/sequence, UNKNOWN enums, zero signal, NULL owner ids
//   - panic is sticky once set
//   - a HISTORY report never downgrades a LIVE row
//
// The status assignment must stay last: every earlier arm compares against
// the stored status, and MySQL applies the assignments left to right.
const upsertMergeArm = `
    lat = IF((VALUES(status) = 'LIVE' AND status = 'LIVE') OR lat = 0, VALUES(lat), lat),
    lon = IF((VALUES(status) = 'LIVE' AND status = 'LIVE') OR lon = 0, VALUES(lon), lon),
    speed = IF(VALUES(status) = 'LIVE' AND status = 'LIVE', VALUES(speed), speed),
    course = IF((VALUES(status) = 'LIVE' AND status = 'LIVE') OR course = '', VALUES(course), course),
    ignition = IF((VALUES(status) = 'LIVE' AND status = 'LIVE') OR ignition = 'UNKNOWN', VALUES(ignition), ignition),
    vehicle_status = IF((VALUES(status) = 'LIVE' AND status = 'LIVE') OR vehicle_status = 'UNKNOWN', VALUES(vehicle_status), vehicle_status),
    panic = panic OR VALUES(panic),
    gsm_strength = IF((VALUES(status) = 'LIVE' AND status = 'LIVE') OR gsm_strength = 0, VALUES(gsm_strength), gsm_strength),
    sequence_no = IF((VALUES(status) = 'LIVE' AND status = 'LIVE') OR sequence_no = '', VALUES(sequence_no), sequence_no),
    imei = IF(imei = '', VALUES(imei), imei),
    serial_no = IF(serial_no = '', VALUES(serial_no), serial_no),
    superadmin_id = IFNULL(superadmin_id, VALUES(superadmin_id)),
    admin_id = IFNULL(admin_id, VALUES(admin_id)),
    dealer_id = IFNULL(dealer_id, VALUES(dealer_id)),
    client_id = IFNULL(client_id, VALUES(client_id)),
    user_id = IFNULL(user_id, VALUES(user_id)),
    driver_id = IFNULL(driver_id, VALUES(driver_id)),
    status = IF(status = 'LIVE', status, VALUES(status))`

const reportPlaceholders = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

// reportArgs flattens a report into the placeholder order of reportColumns.
func reportArgs(r *types.Report) []any {
	return []any{
		r.DeviceID, string(r.DeviceTS), r.Lat, r.Lon, r.Speed, r.Course,
		string(r.Ignition), string(r.VehicleStatus), string(r.Status),
		r.Panic, r.GSMStrength, r.SequenceNo, r.IMEI, r.SerialNo,
		nullID(r.SuperadminID), nullID(r.AdminID), nullID(r.DealerID),
		nullID(r.ClientID), nullID(r.UserID), nullID(r.DriverID),
	}
}

// UpsertReport writes one report into its monthly partition. The row lands
// in the partition derived from the reported month of device_ts; a month
// with no partition is rejected with ErrPartitionMissing so the caller's
// queue can retry after the heartbeat has created it.
func (s *Store) UpsertReport(ctx context.Context, r *types.Report) (storage.RowOutcome, error) {
	ok, err := s.hasMonthPartition(ctx, r.DeviceTS)
	if err != nil {
		return storage.OutcomeUnchanged, err
	}
	if !ok {
		return storage.OutcomeUnchanged, fmt.Errorf("%w: no partition for month of %s",
			storage.ErrPartitionMissing, r.DeviceTS)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON DUPLICATE KEY UPDATE%s",
		tablePositions, reportColumns, reportPlaceholders, upsertMergeArm)
	res, err := s.execContext(ctx, query, reportArgs(r)...)
	if err != nil {
		return storage.OutcomeUnchanged, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.OutcomeUnchanged, err
	}
	switch affected {
	case 1:
		return storage.OutcomeInserted, nil
	case 2:
		return storage.OutcomeUpdated, nil
	default:
		return storage.OutcomeUnchanged, nil
	}
}

// upsertBatchSize caps the rows per multi-row INSERT so a statement stays
// well under max_allowed_packet.
const upsertBatchSize = 500

// UpsertReports writes a batch. Rows are grouped by reported month so each
// statement targets a single partition; a group whose partition is missing
// fails with ErrPartitionMissing without poisoning the other groups.
//
// The outcome accumulates across groups; on error it reports what was
// written before the failure.
func (s *Store) UpsertReports(ctx context.Context, rs []*types.Report) (storage.BatchOutcome, error) {
	var out storage.BatchOutcome
	if len(rs) == 0 {
		return out, nil
	}

	groups := make(map[int][]*types.Report)
	order := make([]int, 0, 4)
	for _, r := range rs {
		key := r.DeviceTS.Key()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	var firstErr error
	for _, key := range order {
		group := groups[key]
		ok, err := s.hasMonthPartition(ctx, group[0].DeviceTS)
		if err != nil {
			return out, err
		}
		if !ok {
			err := fmt.Errorf("%w: no partition for month %d", storage.ErrPartitionMissing, key)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for start := 0; start < len(group); start += upsertBatchSize {
			end := min(start+upsertBatchSize, len(group))
			chunk := group[start:end]

			var b strings.Builder
			fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", tablePositions, reportColumns)
			args := make([]any, 0, len(chunk)*20)
			for i, r := range chunk {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(reportPlaceholders)
				args = append(args, reportArgs(r)...)
			}
			b.WriteString(" ON DUPLICATE KEY UPDATE")
			b.WriteString(upsertMergeArm)

			res, err := s.execContext(ctx, b.String(), args...)
			if err != nil {
				if firstErr == nil {
					firstErr = mapError(err)
				}
				break
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return out, err
			}
			out.Rows += len(chunk)
			out.Affected += affected
		}
	}
	return out, firstErr
}

// UpsertLastKnown advances the per-device projection, but only for a report
// newer than the stored one. DATETIME comparison in the arm is
// chronological without any zone conversion, matching the string order of
// canonical stamps.
//
// device_ts is assigned last so every other arm still compares against the
// stored value.
func (s *Store) UpsertLastKnown(ctx context.Context, r *types.Report) error {
	const query = `
INSERT INTO last_known_location
    (device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status, panic,
     superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())
ON DUPLICATE KEY UPDATE
    lat = IF(VALUES(device_ts) > device_ts, VALUES(lat), lat),
    lon = IF(VALUES(device_ts) > device_ts, VALUES(lon), lon),
    speed = IF(VALUES(device_ts) > device_ts, VALUES(speed), speed),
    course = IF(VALUES(device_ts) > device_ts, VALUES(course), course),
    ignition = IF(VALUES(device_ts) > device_ts, VALUES(ignition), ignition),
    vehicle_status = IF(VALUES(device_ts) > device_ts, VALUES(vehicle_status), vehicle_status),
    panic = IF(VALUES(device_ts) > device_ts, VALUES(panic), panic),
    superadmin_id = IFNULL(superadmin_id, VALUES(superadmin_id)),
    admin_id = IFNULL(admin_id, VALUES(admin_id)),
    dealer_id = IFNULL(dealer_id, VALUES(dealer_id)),
    client_id = IFNULL(client_id, VALUES(client_id)),
    user_id = IFNULL(user_id, VALUES(user_id)),
    driver_id = IFNULL(driver_id, VALUES(driver_id)),
    updated_at = NOW(),
    device_ts = IF(VALUES(device_ts) > device_ts, VALUES(device_ts), device_ts)`

	_, err := s.execContext(ctx, query,
		r.DeviceID, string(r.DeviceTS), r.Lat, r.Lon, r.Speed, r.Course,
		string(r.Ignition), string(r.VehicleStatus), r.Panic,
		nullID(r.SuperadminID), nullID(r.AdminID), nullID(r.DealerID),
		nullID(r.ClientID), nullID(r.UserID), nullID(r.DriverID))
	return mapError(err)
}
