// Package realtime serves the fan-out hub over TCP.
//
// The wire protocol is newline-delimited JSON frames. The first client
// frame must be an auth frame carrying the principal identity and an
// opaque token; everything after that is subscribe, unsubscribe, stats
// and heartbeat traffic. The server pushes event frames, a heartbeat
// every interval, error frames for rejected requests and a final close
// frame naming the disconnect reason. A rejected subscribe leaves the
// connection open; a client silent for three heartbeat intervals does
// not.
package realtime

import (
	"context"
	"fmt"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// FrameType discriminates the single wire shape.
type FrameType string

const (
	// FrameAuth is the mandatory first client frame.
	FrameAuth FrameType = "auth"
	// FrameSubscribe asks for a topic; answered with subscribed or error.
	FrameSubscribe FrameType = "subscribe"
	// FrameUnsubscribe drops a topic; answered with unsubscribed.
	FrameUnsubscribe FrameType = "unsubscribe"
	// FrameStats requests role-scoped fleet counts.
	FrameStats FrameType = "stats"
	// FrameHeartbeat flows both ways; any client frame counts as liveness.
	FrameHeartbeat FrameType = "heartbeat"

	// FrameWelcome acknowledges a successful handshake.
	FrameWelcome FrameType = "welcome"
	// FrameSubscribed acknowledges a subscribe with the canonical topic.
	FrameSubscribed FrameType = "subscribed"
	// FrameUnsubscribed acknowledges an unsubscribe.
	FrameUnsubscribed FrameType = "unsubscribed"
	// FrameEvent delivers one hub event on one of the client's topics.
	FrameEvent FrameType = "event"
	// FrameError reports a rejected frame. The connection stays open.
	FrameError FrameType = "error"
	// FrameClose is the last frame before the server hangs up.
	FrameClose FrameType = "close"
)

// Frame is both the client and the server wire shape; unused fields stay
// empty. Unknown fields in client frames are ignored.
type Frame struct {
	Type FrameType `json:"type"`

	// Handshake fields (auth).
	UserID    int64  `json:"user_id,omitempty"`
	UserRole  string `json:"user_role,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`

	// Topic traffic (subscribe, unsubscribe, subscribed, event).
	Topic string `json:"topic,omitempty"`

	// Server payloads.
	SubscriberID string       `json:"subscriber_id,omitempty"`
	Event        *types.Event `json:"event,omitempty"`
	Stats        *types.Stats `json:"stats,omitempty"`
	Error        string       `json:"error,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

func errorFrame(err error) Frame {
	return Frame{Type: FrameError, Error: err.Error()}
}

// TokenValidator checks the opaque handshake token against whatever issued
// it. The engine never mints tokens itself.
type TokenValidator interface {
	Validate(ctx context.Context, token string, p types.Principal) error
}

// StaticToken validates against one shared secret. The empty secret accepts
// every token, for deployments that terminate auth upstream.
type StaticToken string

var _ TokenValidator = StaticToken("")

func (t StaticToken) Validate(_ context.Context, token string, _ types.Principal) error {
	if t != "" && token != string(t) {
		return fmt.Errorf("%w: invalid auth token", storage.ErrUnauthorized)
	}
	return nil
}

// StatsSource answers the stats frame with counts narrowed to the caller.
// The query service implements it.
type StatsSource interface {
	Stats(ctx context.Context, p types.Principal) (types.Stats, error)
}
