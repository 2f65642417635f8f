// Package bridge mirrors hub events onto NATS subjects.
//
// The mirror is strictly fire-and-forget: a publish failure increments a
// counter and is otherwise invisible to the ingest path, and the client
// reconnects on its own while buffering outbound messages. Subjects are
// built from a configurable prefix:
//
//	{prefix}.location.{device_id}   every accepted report
//	{prefix}.alerts                 panic alerts (in addition to the device subject)
//	{prefix}.stats                  periodic fleet snapshots
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/positrack/positrack/internal/types"
)

// DefaultSubjectPrefix heads every mirrored subject.
const DefaultSubjectPrefix = "positrack"

// subjectSanitizer strips characters that would split or wildcard a NATS
// subject token.
var subjectSanitizer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// natsConn is the slice of *nats.Conn the bridge uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
	IsConnected() bool
}

// Config carries the mirror settings.
type Config struct {
	// URL is the NATS server address, e.g. nats://127.0.0.1:4222.
	URL string
	// SubjectPrefix defaults to DefaultSubjectPrefix.
	SubjectPrefix string
	Logger        *slog.Logger
}

// Bridge is a hub-compatible publisher backed by a NATS connection.
type Bridge struct {
	conn   natsConn
	prefix string
	log    *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// New connects to the broker. The connection retries forever in the
// background; a broker that is down at start does not fail the daemon.
func New(cfg Config) (*Bridge, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("positrack-bridge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge connect to %s: %w", cfg.URL, err)
	}
	return newWithConn(nc, cfg), nil
}

func newWithConn(nc natsConn, cfg Config) *Bridge {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		conn:   nc,
		prefix: cfg.SubjectPrefix,
		log:    cfg.Logger,
	}
}

// Publish mirrors one event. Never blocks on the broker and never reports
// failure to the caller.
func (b *Bridge) Publish(ev types.Event) {
	data, err := json.Marshal(&ev)
	if err != nil {
		b.dropped.Add(1)
		b.log.Warn("bridge could not encode event",
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err))
		return
	}
	for _, subj := range b.subjectsFor(&ev) {
		if err := b.conn.Publish(subj, data); err != nil {
			b.dropped.Add(1)
			b.log.Debug("bridge publish failed",
				slog.String("subject", subj),
				slog.Any("error", err))
			continue
		}
		b.published.Add(1)
	}
}

// subjectsFor maps an event onto its mirror subjects. A panic alert is
// still a position sample, so it hits the device subject too.
func (b *Bridge) subjectsFor(ev *types.Event) []string {
	switch ev.Kind {
	case types.EventStats:
		return []string{b.prefix + ".stats"}

	case types.EventLocation, types.EventPanic:
		if ev.Report == nil {
			return nil
		}
		device := b.prefix + ".location." + subjectSanitizer.Replace(ev.Report.DeviceID)
		if ev.Kind == types.EventPanic {
			return []string{device, b.prefix + ".alerts"}
		}
		return []string{device}
	}
	return nil
}

// Connected reports whether the broker link is currently up.
func (b *Bridge) Connected() bool { return b.conn.IsConnected() }

// Counters is a point-in-time snapshot of mirror activity.
type Counters struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Counters reports lifetime publish counts.
func (b *Bridge) Counters() Counters {
	return Counters{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close drains buffered publishes and closes the connection.
func (b *Bridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("bridge drain failed", slog.Any("error", err))
	}
}
