package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// ErrDisconnected rejects operations on a subscriber that is already gone.
var ErrDisconnected = errors.New("subscriber disconnected")

const (
	// DefaultQueueMax bounds each subscriber's send queue.
	DefaultQueueMax = 1000
	// DefaultSendTimeout is how long a panic alert may block on a full
	// queue before the subscriber is disconnected.
	DefaultSendTimeout = 5 * time.Second
)

// Config assembles a Hub.
type Config struct {
	// QueueMax is the per-subscriber queue bound (default 1000).
	QueueMax int
	// SendTimeout bounds the blocking send of non-droppable events
	// (default 5s).
	SendTimeout time.Duration
	// Scopes resolves ownership for subscribe authorization. Nil means
	// types.SelfScope (deny everything beyond the principal's own ids).
	Scopes types.ScopeResolver
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Hub is the fan-out core. The routing table is copy-on-write: Publish
// loads an immutable snapshot and never takes the mutex, while subscribe,
// unsubscribe and disconnect rebuild the table under mu.
type Hub struct {
	queueMax    int
	sendTimeout time.Duration
	scopes      types.ScopeResolver
	log         *slog.Logger

	table atomic.Pointer[routing]

	mu      sync.Mutex
	members map[*Subscriber]struct{}

	published    atomic.Int64
	dropped      atomic.Int64
	disconnected atomic.Int64
}

type routing struct {
	subs map[Topic][]*Subscriber
}

// New builds a Hub.
func New(cfg Config) *Hub {
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = DefaultQueueMax
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Scopes == nil {
		cfg.Scopes = types.SelfScope{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Hub{
		queueMax:    cfg.QueueMax,
		sendTimeout: cfg.SendTimeout,
		scopes:      cfg.Scopes,
		log:         cfg.Logger,
		members:     make(map[*Subscriber]struct{}),
	}
	h.table.Store(&routing{subs: map[Topic][]*Subscriber{}})
	return h
}

// Subscriber is one consumer connection. Events arrive on Events() in
// enqueue order; when Done() closes the consumer must stop reading and
// inspect Err() for the disconnect reason (nil after a plain Disconnect).
type Subscriber struct {
	id        string
	principal types.Principal

	ch   chan types.Event
	done chan struct{}

	closeOnce sync.Once
	closeErr  error

	// topics is guarded by the hub mutex.
	topics map[Topic]struct{}
}

// ID returns the connection id assigned at registration.
func (s *Subscriber) ID() string { return s.id }

// Principal returns the authenticated identity behind the subscriber.
func (s *Subscriber) Principal() types.Principal { return s.principal }

// Events is the subscriber's delivery queue. The hub never closes it; end
// of stream is signaled by Done.
func (s *Subscriber) Events() <-chan types.Event { return s.ch }

// Done closes when the subscriber is disconnected.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err reports why the subscriber was disconnected. It is valid once Done
// is closed; nil means an orderly disconnect.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

func (s *Subscriber) close(reason error) {
	s.closeOnce.Do(func() {
		s.closeErr = reason
		close(s.done)
	})
}

// Register creates a subscriber for an authenticated principal. It holds
// no topics until Subscribe succeeds.
func (h *Hub) Register(p types.Principal) *Subscriber {
	sub := &Subscriber{
		id:        uuid.NewString(),
		principal: p,
		ch:        make(chan types.Event, h.queueMax),
		done:      make(chan struct{}),
		topics:    make(map[Topic]struct{}),
	}
	h.mu.Lock()
	h.members[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Subscribe parses, authorizes and installs a topic subscription. The
// returned topic is canonical. An authorization failure does not touch the
// subscriber's existing topics.
func (h *Hub) Subscribe(ctx context.Context, sub *Subscriber, rawTopic string) (Topic, error) {
	topic, err := ParseTopic(rawTopic)
	if err != nil {
		return "", err
	}
	if err := Authorize(ctx, sub.principal, topic, h.scopes); err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[sub]; !ok {
		return "", ErrDisconnected
	}
	if _, dup := sub.topics[topic]; dup {
		return topic, nil
	}
	sub.topics[topic] = struct{}{}
	h.rebuildLocked(func(subs map[Topic][]*Subscriber) {
		subs[topic] = append(subs[topic], sub)
	})
	h.log.Debug("subscribed", "topic", topic, "subscriber", sub.id, "role", sub.principal.Role)
	return topic, nil
}

// Unsubscribe removes one topic. It reports whether the subscription
// existed.
func (h *Hub) Unsubscribe(sub *Subscriber, topic Topic) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := sub.topics[topic]; !ok {
		return false
	}
	delete(sub.topics, topic)
	h.rebuildLocked(func(subs map[Topic][]*Subscriber) {
		subs[topic] = withoutSubscriber(subs[topic], sub)
		if len(subs[topic]) == 0 {
			delete(subs, topic)
		}
	})
	return true
}

// Disconnect removes the subscriber from every topic and signals Done with
// the given reason (nil for an orderly close). Idempotent.
func (h *Hub) Disconnect(sub *Subscriber, reason error) {
	h.mu.Lock()
	if _, ok := h.members[sub]; !ok {
		h.mu.Unlock()
		sub.close(reason)
		return
	}
	delete(h.members, sub)
	topics := sub.topics
	sub.topics = map[Topic]struct{}{}
	h.rebuildLocked(func(subs map[Topic][]*Subscriber) {
		for t := range topics {
			subs[t] = withoutSubscriber(subs[t], sub)
			if len(subs[t]) == 0 {
				delete(subs, t)
			}
		}
	})
	h.mu.Unlock()

	sub.close(reason)
	if reason != nil {
		h.disconnected.Add(1)
	}
}

// rebuildLocked swaps in a deep copy of the routing table after applying
// mutate. Callers hold h.mu.
func (h *Hub) rebuildLocked(mutate func(map[Topic][]*Subscriber)) {
	old := h.table.Load()
	next := make(map[Topic][]*Subscriber, len(old.subs))
	for t, list := range old.subs {
		cp := make([]*Subscriber, len(list))
		copy(cp, list)
		next[t] = cp
	}
	mutate(next)
	h.table.Store(&routing{subs: next})
}

func withoutSubscriber(list []*Subscriber, sub *Subscriber) []*Subscriber {
	out := list[:0]
	for _, s := range list {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

// Publish fans the event out to every subscriber of every topic it maps
// to, once per subscriber. Location updates never block: a full queue
// sheds its oldest entry. Panic alerts never drop: the send blocks up to
// the configured timeout and then costs the slow subscriber its
// connection.
func (h *Hub) Publish(ev types.Event) {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now()
	}
	h.published.Add(1)
	topics := TopicsFor(&ev)
	if len(topics) == 0 {
		return
	}
	table := h.table.Load()

	var seen map[*Subscriber]struct{}
	for _, t := range topics {
		for _, sub := range table.subs[t] {
			if seen == nil {
				seen = make(map[*Subscriber]struct{}, 4)
			}
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			h.deliver(sub, ev)
		}
	}
}

func (h *Hub) deliver(sub *Subscriber, ev types.Event) {
	if ev.Droppable() {
		for {
			select {
			case <-sub.done:
				return
			case sub.ch <- ev:
				return
			default:
			}
			// Queue full: shed the oldest entry and retry.
			select {
			case <-sub.ch:
				h.dropped.Add(1)
			default:
			}
		}
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
	case <-sub.done:
	case <-timer.C:
		h.log.Warn("disconnecting slow subscriber",
			"subscriber", sub.id,
			"role", sub.principal.Role,
			"kind", ev.Kind,
			"timeout", h.sendTimeout)
		h.Disconnect(sub, storage.ErrSubscriberSlow)
	}
}

// Counters is a point-in-time snapshot of hub activity.
type Counters struct {
	Subscribers  int   `json:"subscribers"`
	Topics       int   `json:"topics"`
	Published    int64 `json:"published"`
	Dropped      int64 `json:"dropped"`
	Disconnected int64 `json:"disconnected"`
}

// Counters reports subscriber/topic counts and lifetime publish counters.
func (h *Hub) Counters() Counters {
	h.mu.Lock()
	members := len(h.members)
	h.mu.Unlock()
	return Counters{
		Subscribers:  members,
		Topics:       len(h.table.Load().subs),
		Published:    h.published.Load(),
		Dropped:      h.dropped.Load(),
		Disconnected: h.disconnected.Load(),
	}
}

// Close disconnects every subscriber. Used at daemon shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	members := make([]*Subscriber, 0, len(h.members))
	for sub := range h.members {
		members = append(members, sub)
	}
	h.mu.Unlock()
	for _, sub := range members {
		h.Disconnect(sub, nil)
	}
}
