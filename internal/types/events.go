package types

import "time"

// EventKind identifies an event flowing through the fan-out hub.
type EventKind string

const (
	// EventLocation is published for every accepted LIVE report.
	EventLocation EventKind = "LocationUpdate"
	// EventPanic is published when an accepted report carries the panic
	// flag, regardless of LIVE/HISTORY status.
	EventPanic EventKind = "PanicAlert"
	// EventStats is the periodic fleet snapshot pushed to stats subscribers.
	EventStats EventKind = "StatsSnapshot"
)

// Event is one unit of real-time delivery. The embedded report is shared
// between subscribers and must be treated as read-only after publish.
type Event struct {
	Kind        EventKind `json:"kind"`
	Report      *Report   `json:"report,omitempty"`
	Stats       *Stats    `json:"stats,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Droppable reports whether a slow subscriber may shed this event.
// Location updates are superseded by the next one; panic alerts are not.
func (e *Event) Droppable() bool { return e.Kind != EventPanic }

// Stats is the role-scoped count snapshot served on a stats request.
type Stats struct {
	TotalDevices int64 `json:"total_devices"`
	LiveDevices  int64 `json:"live_devices"`
	OpenAlerts   int64 `json:"open_alerts"`
}
