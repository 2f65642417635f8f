package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// scopeClause renders a resolved visibility scope as a WHERE fragment.
// Storage applies the scope mechanically; deciding it is the query
// service's job. A scope that carries no recognizable role filters
// everything out rather than leaking rows.
func scopeClause(sc types.Scope) (string, []any) {
	if sc.All {
		return "", nil
	}
	switch sc.Role {
	case types.RoleSuperadmin:
		return " AND superadmin_id = ?", []any{sc.ID}
	case types.RoleAdmin:
		return " AND admin_id = ?", []any{sc.ID}
	case types.RoleDealer:
		if len(sc.ClientIDs) == 0 {
			return " AND dealer_id = ?", []any{sc.ID}
		}
		args := make([]any, 0, 1+len(sc.ClientIDs))
		args = append(args, sc.ID)
		marks := make([]string, len(sc.ClientIDs))
		for i, id := range sc.ClientIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		return " AND (dealer_id = ? OR client_id IN (" + strings.Join(marks, ", ") + "))", args
	case types.RoleClient:
		return " AND client_id = ?", []any{sc.ID}
	case types.RoleUser:
		return " AND user_id = ?", []any{sc.ID}
	default:
		return " AND 1 = 0", nil
	}
}

// scanReport reads one positions row in reportColumns order.
func scanReport(rows *sql.Rows) (*types.Report, error) {
	var (
		r          types.Report
		ts         string
		ign, v, st string
		sa, ad, de sql.NullInt64
		cl, us, dr sql.NullInt64
	)
	if err := rows.Scan(
		&r.DeviceID, &ts, &r.Lat, &r.Lon, &r.Speed, &r.Course, &ign, &v, &st,
		&r.Panic, &r.GSMStrength, &r.SequenceNo, &r.IMEI, &r.SerialNo,
		&sa, &ad, &de, &cl, &us, &dr,
	); err != nil {
		return nil, err
	}
	// Stored stamps went through the validator on the way in; no re-parse.
	r.DeviceTS = rawtime.Stamp(ts)
	r.Ignition = types.Ignition(ign)
	r.VehicleStatus = types.VehicleStatus(v)
	r.Status = types.ReportStatus(st)
	r.SuperadminID = idOf(sa)
	r.AdminID = idOf(ad)
	r.DealerID = idOf(de)
	r.ClientID = idOf(cl)
	r.UserID = idOf(us)
	r.DriverID = idOf(dr)
	return &r, nil
}

// queryReports runs a positions SELECT and scans every row.
func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]*types.Report, error) {
	var out []*types.Report
	err := s.queryContext(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			r, err := scanReport(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	}, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// History returns every report for a device inside the window, ascending by
// device_ts. The BETWEEN on the partition key keeps the scan inside the
// window's monthly partitions.
func (s *Store) History(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	clause, scopeArgs := scopeClause(sc)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE device_id = ? AND device_ts BETWEEN ? AND ?%s ORDER BY device_ts ASC",
		reportColumns, tablePositions, clause)
	args := append([]any{deviceID, string(w.From), string(w.To)}, scopeArgs...)
	return s.queryReports(ctx, query, args...)
}

// RoutePoints returns the slim track of a device inside the window,
// excluding no-fix rows, optionally clipped to a bounding box.
func (s *Store) RoutePoints(ctx context.Context, deviceID string, w types.Window, box *types.BBox, sc types.Scope) ([]types.RoutePoint, error) {
	clause, scopeArgs := scopeClause(sc)
	var b strings.Builder
	fmt.Fprintf(&b,
		"SELECT device_ts, lat, lon, speed, course FROM %s WHERE device_id = ? AND device_ts BETWEEN ? AND ? AND NOT (lat = 0 AND lon = 0)",
		tablePositions)
	args := []any{deviceID, string(w.From), string(w.To)}
	if box != nil {
		b.WriteString(" AND lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?")
		args = append(args, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	}
	b.WriteString(clause)
	b.WriteString(" ORDER BY device_ts ASC")
	args = append(args, scopeArgs...)

	var out []types.RoutePoint
	err := s.queryContext(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				p  types.RoutePoint
				ts string
			)
			if err := rows.Scan(&ts, &p.Lat, &p.Lon, &p.Speed, &p.Course); err != nil {
				return err
			}
			p.DeviceTS = rawtime.Stamp(ts)
			out = append(out, p)
		}
		return rows.Err()
	}, b.String(), args...)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// PanicEvents returns panic-flagged reports in the window. An empty
// deviceID widens the read to every device the scope can see.
func (s *Store) PanicEvents(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	clause, scopeArgs := scopeClause(sc)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE panic = 1 AND device_ts BETWEEN ? AND ?", reportColumns, tablePositions)
	args := []any{string(w.From), string(w.To)}
	if deviceID != "" {
		b.WriteString(" AND device_id = ?")
		args = append(args, deviceID)
	}
	b.WriteString(clause)
	b.WriteString(" ORDER BY device_ts ASC")
	args = append(args, scopeArgs...)
	return s.queryReports(ctx, b.String(), args...)
}

// SpeedViolations returns reports exceeding limitKMH for a device in the
// window.
func (s *Store) SpeedViolations(ctx context.Context, deviceID string, w types.Window, limitKMH float64, sc types.Scope) ([]*types.Report, error) {
	clause, scopeArgs := scopeClause(sc)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE device_id = ? AND device_ts BETWEEN ? AND ? AND speed > ?%s ORDER BY device_ts ASC",
		reportColumns, tablePositions, clause)
	args := append([]any{deviceID, string(w.From), string(w.To), limitKMH}, scopeArgs...)
	return s.queryReports(ctx, query, args...)
}

const summarySelect = "DATE(device_ts), COUNT(*), COALESCE(AVG(speed), 0), COALESCE(MAX(speed), 0), " +
	"COALESCE(MIN(speed), 0), COALESCE(SUM(panic), 0), COALESCE(SUM(ignition = 'ON'), 0)"

func scanSummary(rows *sql.Rows, d *types.DailySummary, withDevice bool) error {
	if withDevice {
		return rows.Scan(&d.Date, &d.DeviceID, &d.Rows, &d.AvgSpeed, &d.MaxSpeed, &d.MinSpeed, &d.PanicCount, &d.IgnitionOn)
	}
	return rows.Scan(&d.Date, &d.Rows, &d.AvgSpeed, &d.MaxSpeed, &d.MinSpeed, &d.PanicCount, &d.IgnitionOn)
}

// DailySummary rolls one device up per calendar date. Dates group on the
// stamp's date prefix, so a report summarizes under the day the device
// reported, wherever the server runs.
func (s *Store) DailySummary(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]types.DailySummary, error) {
	clause, scopeArgs := scopeClause(sc)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE device_id = ? AND device_ts BETWEEN ? AND ?%s GROUP BY DATE(device_ts) ORDER BY DATE(device_ts)",
		summarySelect, tablePositions, clause)
	args := append([]any{deviceID, string(w.From), string(w.To)}, scopeArgs...)

	var out []types.DailySummary
	err := s.queryContext(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var d types.DailySummary
			if err := scanSummary(rows, &d, false); err != nil {
				return err
			}
			d.DeviceID = deviceID
			out = append(out, d)
		}
		return rows.Err()
	}, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// FleetSummary rolls up every device under an admin, per device per date.
func (s *Store) FleetSummary(ctx context.Context, adminID int64, w types.Window, sc types.Scope) ([]types.DailySummary, error) {
	clause, scopeArgs := scopeClause(sc)
	query := fmt.Sprintf(
		"SELECT DATE(device_ts), device_id, COUNT(*), COALESCE(AVG(speed), 0), COALESCE(MAX(speed), 0), "+
			"COALESCE(MIN(speed), 0), COALESCE(SUM(panic), 0), COALESCE(SUM(ignition = 'ON'), 0) "+
			"FROM %s WHERE admin_id = ? AND device_ts BETWEEN ? AND ?%s "+
			"GROUP BY DATE(device_ts), device_id ORDER BY DATE(device_ts), device_id",
		tablePositions, clause)
	args := append([]any{adminID, string(w.From), string(w.To)}, scopeArgs...)

	var out []types.DailySummary
	err := s.queryContext(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var d types.DailySummary
			if err := scanSummary(rows, &d, true); err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	}, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ParkedReports returns the PARKED rows the parking-duration pass pairs up.
func (s *Store) ParkedReports(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	clause, scopeArgs := scopeClause(sc)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE device_id = ? AND vehicle_status = 'PARKED' AND device_ts BETWEEN ? AND ?%s ORDER BY device_ts ASC",
		reportColumns, tablePositions, clause)
	args := append([]any{deviceID, string(w.From), string(w.To)}, scopeArgs...)
	return s.queryReports(ctx, query, args...)
}

// LastKnown reads the per-device projection. ErrNotFound means the device
// has never reported LIVE.
func (s *Store) LastKnown(ctx context.Context, deviceID string) (*types.LastKnown, error) {
	const query = `
SELECT device_id, device_ts, lat, lon, speed, course, ignition, vehicle_status, panic,
       superadmin_id, admin_id, dealer_id, client_id, user_id, driver_id, updated_at
FROM last_known_location WHERE device_id = ?`

	var (
		lk         types.LastKnown
		ts         string
		ign, v     string
		updatedRaw string
		sa, ad, de sql.NullInt64
		cl, us, dr sql.NullInt64
	)
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(
			&lk.DeviceID, &ts, &lk.Lat, &lk.Lon, &lk.Speed, &lk.Course, &ign, &v, &lk.Panic,
			&sa, &ad, &de, &cl, &us, &dr, &updatedRaw)
	}, query, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s", storage.ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, mapError(err)
	}
	lk.DeviceTS = rawtime.Stamp(ts)
	lk.Ignition = types.Ignition(ign)
	lk.VehicleStatus = types.VehicleStatus(v)
	lk.Status = types.StatusLive
	lk.SuperadminID = idOf(sa)
	lk.AdminID = idOf(ad)
	lk.DealerID = idOf(de)
	lk.ClientID = idOf(cl)
	lk.UserID = idOf(us)
	lk.DriverID = idOf(dr)
	if t, perr := time.ParseInLocation(rawtime.Layout, updatedRaw, time.Local); perr == nil {
		lk.UpdatedAt = t
	}
	return &lk, nil
}

// Stats counts devices off the projection: total tracked, live (ignition on
// or a moving vehicle state), and devices with the panic flag still set.
func (s *Store) Stats(ctx context.Context, sc types.Scope) (types.Stats, error) {
	clause, scopeArgs := scopeClause(sc)
	query := fmt.Sprintf(
		"SELECT COUNT(*), COALESCE(SUM(ignition = 'ON' OR vehicle_status IN ('RUNNING', 'MOVING', 'IDLE')), 0), "+
			"COALESCE(SUM(panic), 0) FROM %s WHERE 1 = 1%s",
		tableLastKnown, clause)

	var st types.Stats
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&st.TotalDevices, &st.LiveDevices, &st.OpenAlerts)
	}, query, scopeArgs...)
	if err != nil {
		return types.Stats{}, mapError(err)
	}
	return st, nil
}
