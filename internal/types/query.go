package types

import (
	"context"
	"time"

	"github.com/positrack/positrack/internal/rawtime"
)

// Scope is the resolved row-visibility filter derived from a principal.
// The storage layer applies it mechanically; policy lives in the query
// service and the fan-out hub.
type Scope struct {
	// All short-circuits filtering (SUPERADMIN/ADMIN).
	All bool
	// Role selects the owner column the ID is matched against.
	Role Role
	// ID is the principal's identity in that role's namespace.
	ID int64
	// ClientIDs widens a DEALER scope to its clients' rows.
	ClientIDs []int64
}

// AllScope is the unfiltered scope used by elevated roles and internal
// maintenance reads.
var AllScope = Scope{All: true}

// ScopeResolver answers ownership questions against the external identity
// store. The engine never navigates user/vehicle tables itself; dealer and
// client hierarchies are someone else's data.
type ScopeResolver interface {
	// ClientsOf lists the client ids under a dealer.
	ClientsOf(ctx context.Context, dealerID int64) ([]int64, error)
	// OwnsClient reports whether the principal's scope chain contains the client.
	OwnsClient(ctx context.Context, p Principal, clientID int64) (bool, error)
	// OwnsUser reports whether the principal's scope chain contains the user.
	OwnsUser(ctx context.Context, p Principal, userID int64) (bool, error)
	// OwnsDevice reports whether the principal's scope chain contains the device.
	OwnsDevice(ctx context.Context, p Principal, deviceID string) (bool, error)
}

// SelfScope is the conservative default resolver: it affirms only what the
// principal's own identity proves and denies every cross-entity question.
// Deployments with a real identity store inject their own resolver.
type SelfScope struct{}

var _ ScopeResolver = SelfScope{}

func (SelfScope) ClientsOf(ctx context.Context, dealerID int64) ([]int64, error) {
	return nil, nil
}

func (SelfScope) OwnsClient(ctx context.Context, p Principal, clientID int64) (bool, error) {
	return p.Role == RoleClient && p.ID == clientID, nil
}

func (SelfScope) OwnsUser(ctx context.Context, p Principal, userID int64) (bool, error) {
	return p.Role == RoleUser && p.ID == userID, nil
}

func (SelfScope) OwnsDevice(ctx context.Context, p Principal, deviceID string) (bool, error) {
	return p.DeviceID != "" && p.DeviceID == deviceID, nil
}

// BBox is an optional lat/lon bounding box for route queries.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// RoutePoint is the slim row shape returned by route queries.
type RoutePoint struct {
	DeviceTS rawtime.Stamp `json:"device_ts"`
	Lat      float64       `json:"lat"`
	Lon      float64       `json:"lon"`
	Speed    float64       `json:"speed"`
	Course   string        `json:"course,omitempty"`
}

// DailySummary aggregates one device's reports for one calendar date
// (the date prefix of device_ts, zone-agnostic by construction).
type DailySummary struct {
	Date       string  `json:"date"`
	DeviceID   string  `json:"device_id"`
	Rows       int64   `json:"rows"`
	AvgSpeed   float64 `json:"avg_speed"`
	MaxSpeed   float64 `json:"max_speed"`
	MinSpeed   float64 `json:"min_speed"`
	PanicCount int64   `json:"panic_count"`
	IgnitionOn int64   `json:"ignition_on"`
}

// ParkingSpan is one PARKED interval: the gap from a PARKED report to the
// next PARKED report of the same device.
type ParkingSpan struct {
	DeviceID string        `json:"device_id"`
	From     rawtime.Stamp `json:"from"`
	To       rawtime.Stamp `json:"to"`
	Duration time.Duration `json:"duration"`
	Lat      float64       `json:"lat"`
	Lon      float64       `json:"lon"`
}
