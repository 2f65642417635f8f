// Package types defines the core entities of the positrack telemetry engine.
package types

import (
	"fmt"
	"math"
	"strings"

	"github.com/positrack/positrack/internal/rawtime"
)

// MaxDeviceIDLen bounds the device identifier column.
const MaxDeviceIDLen = 64

// ReportStatus distinguishes real-time telemetry from backfill.
type ReportStatus string

const (
	StatusLive    ReportStatus = "LIVE"
	StatusHistory ReportStatus = "HISTORY"
)

func (s ReportStatus) IsValid() bool {
	switch s {
	case StatusLive, StatusHistory:
		return true
	}
	return false
}

// Ignition is the tri-state ignition signal reported by a device.
type Ignition string

const (
	IgnitionOn      Ignition = "ON"
	IgnitionOff     Ignition = "OFF"
	IgnitionUnknown Ignition = "UNKNOWN"
)

func (i Ignition) IsValid() bool {
	switch i {
	case IgnitionOn, IgnitionOff, IgnitionUnknown:
		return true
	}
	return false
}

// VehicleStatus is the device's own movement classification.
type VehicleStatus string

const (
	VehicleRunning VehicleStatus = "RUNNING"
	VehicleIdle    VehicleStatus = "IDLE"
	VehicleParked  VehicleStatus = "PARKED"
	VehicleMoving  VehicleStatus = "MOVING"
	VehicleUnknown VehicleStatus = "UNKNOWN"
)

func (v VehicleStatus) IsValid() bool {
	switch v {
	case VehicleRunning, VehicleIdle, VehicleParked, VehicleMoving, VehicleUnknown:
		return true
	}
	return false
}

// Report is a single position sample from a tracker device.
//
// DeviceTS is the device's wall clock exactly as reported; it is stored and
// compared as an opaque string and must never be converted to an instant.
// Owner ids are denormalized onto every report so queries and fan-out never
// need a join; zero means the link is absent.
type Report struct {
	DeviceID      string        `json:"device_id"`
	DeviceTS      rawtime.Stamp `json:"device_ts"`
	Lat           float64       `json:"lat"`
	Lon           float64       `json:"lon"`
	Speed         float64       `json:"speed"`
	Course        string        `json:"course,omitempty"`
	Ignition      Ignition      `json:"ignition,omitempty"`
	VehicleStatus VehicleStatus `json:"vehicle_status,omitempty"`
	Status        ReportStatus  `json:"status,omitempty"`
	Panic         bool          `json:"panic,omitempty"`
	GSMStrength   int           `json:"gsm_strength,omitempty"`
	SequenceNo    string        `json:"sequence_no,omitempty"`
	IMEI          string        `json:"imei,omitempty"`
	SerialNo      string        `json:"serial_no,omitempty"`
	SuperadminID  int64         `json:"superadmin_id,omitempty"`
	AdminID       int64         `json:"admin_id,omitempty"`
	DealerID      int64         `json:"dealer_id,omitempty"`
	ClientID      int64         `json:"client_id,omitempty"`
	UserID        int64         `json:"user_id,omitempty"`
	DriverID      int64         `json:"driver_id,omitempty"`
}

// Normalize fills defaults on a freshly decoded report. Enum strings are
// upcased; unrecognized ignition/vehicle values collapse to UNKNOWN because
// device firmware in the field emits free-form variants. An absent status
// means live traffic.
func (r *Report) Normalize() {
	r.Ignition = Ignition(strings.ToUpper(string(r.Ignition)))
	r.VehicleStatus = VehicleStatus(strings.ToUpper(string(r.VehicleStatus)))
	r.Status = ReportStatus(strings.ToUpper(string(r.Status)))

	if !r.Ignition.IsValid() {
		r.Ignition = IgnitionUnknown
	}
	if !r.VehicleStatus.IsValid() {
		r.VehicleStatus = VehicleUnknown
	}
	if r.Status == "" {
		r.Status = StatusLive
	}
}

// Validate checks the ingestion contract. The returned error text is the
// rejection reason surfaced to the feed.
func (r *Report) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("device_id is empty")
	}
	if len(r.DeviceID) > MaxDeviceIDLen {
		return fmt.Errorf("device_id exceeds %d chars", MaxDeviceIDLen)
	}
	if _, err := rawtime.Parse(string(r.DeviceTS)); err != nil {
		return fmt.Errorf("device_ts: %w", err)
	}
	if !finite(r.Lat) || !finite(r.Lon) {
		return fmt.Errorf("coordinates are not finite")
	}
	if r.Lat < -90 || r.Lat > 90 || r.Lon < -180 || r.Lon > 180 {
		return fmt.Errorf("coordinates out of range")
	}
	if !finite(r.Speed) || r.Speed < 0 {
		return fmt.Errorf("speed is negative or not finite")
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("status %q is not LIVE or HISTORY", r.Status)
	}
	return nil
}

// HasFix reports whether the coordinates describe a usable position.
// (0, 0) is the device's way of saying "no satellite fix".
func (r *Report) HasFix() bool {
	return r.Lat != 0 && r.Lon != 0
}

// Live reports whether this sample is current telemetry rather than backfill.
func (r *Report) Live() bool { return r.Status == StatusLive }

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Role is the closed set of subscriber/query roles. The authorization
// matrix switches over it exhaustively.
type Role string

const (
	RoleSuperadmin Role = "SUPERADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleDealer     Role = "DEALER"
	RoleClient     Role = "CLIENT"
	RoleUser       Role = "USER"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleSuperadmin, RoleAdmin, RoleDealer, RoleClient, RoleUser:
		return true
	}
	return false
}

// Elevated reports whether the role sees the whole fleet without scoping.
func (r Role) Elevated() bool {
	return r == RoleSuperadmin || r == RoleAdmin
}

// ParseRole normalizes and validates a role string from a handshake or CLI.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Principal is an authenticated subject. ID is the identity in the role's
// own namespace: a DEALER principal's ID is its dealer id, a CLIENT's its
// client id, and so on. DeviceID optionally pins the connection to one
// device (tracker-originated sessions).
type Principal struct {
	ID       int64  `json:"user_id"`
	Role     Role   `json:"user_role"`
	DeviceID string `json:"device_id,omitempty"`
}

func (p Principal) Validate() error {
	if !p.Role.IsValid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	if p.ID <= 0 && !p.Role.Elevated() {
		return fmt.Errorf("principal id must be positive for role %s", p.Role)
	}
	return nil
}

// Window is an inclusive device_ts range. Both bounds are required so every
// history query stays partition-prunable.
type Window struct {
	From rawtime.Stamp `json:"from"`
	To   rawtime.Stamp `json:"to"`
}

func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("window requires both from and to")
	}
	if w.To.Before(w.From) {
		return fmt.Errorf("window to %q precedes from %q", w.To, w.From)
	}
	return nil
}

// Months returns every year*100+month key the window touches, in order.
// Used to split batch writes and to prove partition pruning in tests.
func (w Window) Months() []int {
	fy, fm := w.From.YearMonth()
	ty, tm := w.To.YearMonth()
	n := rawtime.MonthsBetween(fy, fm, ty, tm)
	if n < 0 {
		return nil
	}
	keys := make([]int, 0, n+1)
	y, m := fy, fm
	for i := 0; i <= n; i++ {
		keys = append(keys, rawtime.MonthKey(y, m))
		y, m = rawtime.AddMonths(y, m, 1)
	}
	return keys
}
