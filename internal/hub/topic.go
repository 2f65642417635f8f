// Package hub routes telemetry events to authenticated subscribers.
//
// Topics form a small path grammar:
//
//	location/dealer/{id}   one dealer's fleet
//	location/admin/{id}    one admin's fleet
//	location/client/{id}   one client's vehicles
//	location/user/{id}     one user's vehicles
//	device/{device_id}     a single tracker
//	alerts                 every panic alert (elevated roles)
//	stats                  periodic fleet snapshots (elevated roles)
//
// Subscription is gated by the role/ownership matrix in Authorize; a
// rejected subscribe leaves the connection open. Publishing maps each event
// onto every topic it belongs to and fans out per subscriber with bounded
// queues (drop-oldest for location traffic, block-then-disconnect for
// panic alerts).
package hub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// ErrBadTopic reports a topic string that does not match the grammar.
var ErrBadTopic = errors.New("malformed topic")

// Topic is a canonical, validated topic path.
type Topic string

const (
	// TopicAlerts receives every PanicAlert in the fleet.
	TopicAlerts Topic = "alerts"
	// TopicStats receives periodic StatsSnapshot events.
	TopicStats Topic = "stats"
)

// location sub-segments, mirroring the owner chain on a report.
const (
	subDealer = "dealer"
	subAdmin  = "admin"
	subClient = "client"
	subUser   = "user"
)

// DeviceTopic builds the single-tracker topic for a device id.
func DeviceTopic(deviceID string) Topic {
	return Topic("device/" + deviceID)
}

// LocationTopic builds an owner-chain topic, e.g. location/client/42.
func LocationTopic(segment string, id int64) Topic {
	return Topic("location/" + segment + "/" + strconv.FormatInt(id, 10))
}

// ParseTopic validates a raw topic string from a subscribe frame.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		switch parts[0] {
		case string(TopicAlerts):
			return TopicAlerts, nil
		case string(TopicStats):
			return TopicStats, nil
		}
	case 2:
		if parts[0] == "device" && validDeviceSegment(parts[1]) {
			return Topic(s), nil
		}
	case 3:
		if parts[0] != "location" {
			break
		}
		switch parts[1] {
		case subDealer, subAdmin, subClient, subUser:
			if _, err := parseID(parts[2]); err == nil {
				return Topic(s), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrBadTopic, s)
}

func validDeviceSegment(s string) bool {
	return s != "" && len(s) <= types.MaxDeviceIDLen
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return id, nil
}

// Authorize reports whether the principal may subscribe to the topic.
// Elevated roles pass unconditionally; everyone else must match the path
// parameter against their own identity or win the ownership check through
// the resolver. The returned error wraps storage.ErrUnauthorized so
// transports can map it to a frame without string matching.
func Authorize(ctx context.Context, p types.Principal, t Topic, scopes types.ScopeResolver) error {
	if scopes == nil {
		scopes = types.SelfScope{}
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnauthorized, err)
	}
	if p.Role.Elevated() {
		return nil
	}

	parts := strings.Split(string(t), "/")
	switch parts[0] {
	case string(TopicAlerts), string(TopicStats):
		return deny(p, t, "requires an elevated role")

	case "device":
		ok, err := scopes.OwnsDevice(ctx, p, parts[1])
		if err != nil {
			return fmt.Errorf("device scope check for %s: %w", t, err)
		}
		if !ok {
			return deny(p, t, "device outside scope")
		}
		return nil

	case "location":
		segment := parts[1]
		id, err := parseID(parts[2])
		if err != nil {
			return deny(p, t, "bad path id")
		}
		return authorizeLocation(ctx, p, t, segment, id, scopes)
	}
	return deny(p, t, "unknown topic")
}

func authorizeLocation(ctx context.Context, p types.Principal, t Topic, segment string, id int64, scopes types.ScopeResolver) error {
	switch p.Role {
	case types.RoleDealer:
		switch segment {
		case subDealer:
			if id == p.ID {
				return nil
			}
			return deny(p, t, "not this dealer")
		case subClient:
			ok, err := scopes.OwnsClient(ctx, p, id)
			if err != nil {
				return fmt.Errorf("client scope check for %s: %w", t, err)
			}
			if !ok {
				return deny(p, t, "client outside dealer scope")
			}
			return nil
		case subUser:
			ok, err := scopes.OwnsUser(ctx, p, id)
			if err != nil {
				return fmt.Errorf("user scope check for %s: %w", t, err)
			}
			if !ok {
				return deny(p, t, "user outside dealer scope")
			}
			return nil
		}

	case types.RoleClient:
		switch segment {
		case subClient:
			if id == p.ID {
				return nil
			}
			return deny(p, t, "not this client")
		case subUser:
			ok, err := scopes.OwnsUser(ctx, p, id)
			if err != nil {
				return fmt.Errorf("user scope check for %s: %w", t, err)
			}
			if !ok {
				return deny(p, t, "user outside client scope")
			}
			return nil
		}

	case types.RoleUser:
		if segment == subUser && id == p.ID {
			return nil
		}
	}
	return deny(p, t, "role not permitted for topic")
}

func deny(p types.Principal, t Topic, reason string) error {
	return fmt.Errorf("%w: %s %d cannot subscribe to %s (%s)",
		storage.ErrUnauthorized, p.Role, p.ID, t, reason)
}

// TopicsFor maps an event to every topic it publishes to. Location updates
// hit the device topic and one owner-chain topic per non-zero owner id;
// panic alerts additionally hit alerts; stats snapshots hit stats only.
func TopicsFor(ev *types.Event) []Topic {
	switch ev.Kind {
	case types.EventStats:
		return []Topic{TopicStats}

	case types.EventLocation, types.EventPanic:
		r := ev.Report
		if r == nil {
			return nil
		}
		topics := make([]Topic, 0, 6)
		topics = append(topics, DeviceTopic(r.DeviceID))
		if r.UserID > 0 {
			topics = append(topics, LocationTopic(subUser, r.UserID))
		}
		if r.ClientID > 0 {
			topics = append(topics, LocationTopic(subClient, r.ClientID))
		}
		if r.DealerID > 0 {
			topics = append(topics, LocationTopic(subDealer, r.DealerID))
		}
		if r.AdminID > 0 {
			topics = append(topics, LocationTopic(subAdmin, r.AdminID))
		}
		if ev.Kind == types.EventPanic {
			topics = append(topics, TopicAlerts)
		}
		return topics
	}
	return nil
}
