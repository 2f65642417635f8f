package realtime

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/positrack/positrack/internal/hub"
	"github.com/positrack/positrack/internal/types"
)

var errIdle = errors.New("idle timeout")

// conn binds one TCP connection to one hub subscriber. The read goroutine
// owns the scanner and dispatches client frames; a single writer goroutine
// owns every outbound byte so event order per subscriber is the hub queue
// order.
type conn struct {
	srv *Server
	nc  net.Conn
	sub *hub.Subscriber

	// control carries dispatch replies to the writer.
	control chan Frame

	mu     sync.Mutex
	topics map[hub.Topic]struct{}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	defer nc.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in realtime connection",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	s.active.Add(1)
	defer s.active.Add(-1)

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)

	c := &conn{
		srv:     s,
		nc:      nc,
		control: make(chan Frame, 16),
		topics:  make(map[hub.Topic]struct{}),
	}

	sub, err := c.handshake(scanner)
	if err != nil {
		s.log.Debug("handshake rejected",
			slog.String("remote", nc.RemoteAddr().String()),
			slog.Any("error", err))
		_ = c.writeFrame(errorFrame(err))
		_ = c.writeFrame(Frame{Type: FrameClose, Reason: "handshake failed"})
		return
	}
	c.sub = sub
	defer s.hub.Disconnect(sub, nil)

	s.log.Debug("subscriber connected",
		slog.String("remote", nc.RemoteAddr().String()),
		slog.String("subscriber", sub.ID()),
		slog.String("role", string(sub.Principal().Role)),
		slog.Int64("id", sub.Principal().ID))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(scanner)
	<-writerDone
}

// handshake consumes the first frame, authenticates it and registers the
// subscriber. The welcome frame is written here, before the writer exists.
func (c *conn) handshake(scanner *bufio.Scanner) (*hub.Subscriber, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("handshake deadline: %w", err)
	}
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading handshake: %w", err)
		}
		return nil, errors.New("connection closed before handshake")
	}

	var f Frame
	if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
		return nil, fmt.Errorf("malformed handshake: %v", err)
	}
	if f.Type != FrameAuth {
		return nil, fmt.Errorf("expected auth frame, got %q", f.Type)
	}
	role, err := types.ParseRole(f.UserRole)
	if err != nil {
		return nil, err
	}
	p := types.Principal{ID: f.UserID, Role: role, DeviceID: f.DeviceID}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := c.srv.auth.Validate(c.srv.ctx, f.AuthToken, p); err != nil {
		return nil, err
	}

	sub := c.srv.hub.Register(p)
	if err := c.writeFrame(Frame{Type: FrameWelcome, SubscriberID: sub.ID()}); err != nil {
		c.srv.hub.Disconnect(sub, nil)
		return nil, fmt.Errorf("writing welcome: %w", err)
	}
	return sub, nil
}

// readLoop consumes client frames until the peer hangs up, the idle
// deadline expires or the connection dies. It always disconnects the
// subscriber on the way out, which is what stops the writer.
func (c *conn) readLoop(scanner *bufio.Scanner) {
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.Idle())); err != nil {
			c.srv.hub.Disconnect(c.sub, nil)
			return
		}
		if !scanner.Scan() {
			err := scanner.Err()
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.srv.hub.Disconnect(c.sub, errIdle)
			} else {
				c.srv.hub.Disconnect(c.sub, nil)
			}
			return
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.reply(errorFrame(fmt.Errorf("malformed frame: %v", err)))
			continue
		}
		c.dispatch(f)
	}
}

func (c *conn) dispatch(f Frame) {
	switch f.Type {
	case FrameHeartbeat:
		// Liveness only; the read deadline was already pushed.

	case FrameSubscribe:
		topic, err := c.srv.hub.Subscribe(c.srv.ctx, c.sub, f.Topic)
		if err != nil {
			c.reply(errorFrame(err))
			return
		}
		c.mu.Lock()
		c.topics[topic] = struct{}{}
		c.mu.Unlock()
		c.reply(Frame{Type: FrameSubscribed, Topic: string(topic)})

	case FrameUnsubscribe:
		topic, err := hub.ParseTopic(f.Topic)
		if err != nil {
			c.reply(errorFrame(err))
			return
		}
		c.srv.hub.Unsubscribe(c.sub, topic)
		c.mu.Lock()
		delete(c.topics, topic)
		c.mu.Unlock()
		c.reply(Frame{Type: FrameUnsubscribed, Topic: string(topic)})

	case FrameStats:
		if c.srv.stats == nil {
			c.reply(Frame{Type: FrameError, Error: "stats are not available"})
			return
		}
		stats, err := c.srv.stats.Stats(c.srv.ctx, c.sub.Principal())
		if err != nil {
			c.reply(errorFrame(err))
			return
		}
		c.reply(Frame{Type: FrameStats, Stats: &stats})

	case FrameAuth:
		c.reply(Frame{Type: FrameError, Error: "already authenticated"})

	default:
		c.reply(Frame{Type: FrameError, Error: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

// reply hands a frame to the writer without blocking past disconnect.
func (c *conn) reply(f Frame) {
	select {
	case c.control <- f:
	case <-c.sub.Done():
	}
}

// writeLoop is the single writer. It drains the hub queue, the control
// channel and the heartbeat ticker, and finishes with a close frame naming
// the disconnect reason. Closing the socket on exit is what unblocks the
// read loop.
func (c *conn) writeLoop() {
	defer c.nc.Close()
	hb := time.NewTicker(c.srv.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-c.srv.ctx.Done():
			_ = c.writeFrame(Frame{Type: FrameClose, Reason: "server shutting down"})
			c.srv.hub.Disconnect(c.sub, nil)
			return

		case <-c.sub.Done():
			reason := "connection closed"
			if err := c.sub.Err(); err != nil {
				reason = err.Error()
			}
			_ = c.writeFrame(Frame{Type: FrameClose, Reason: reason})
			return

		case f := <-c.control:
			if err := c.writeFrame(f); err != nil {
				c.srv.hub.Disconnect(c.sub, fmt.Errorf("write failed: %w", err))
				return
			}

		case ev := <-c.sub.Events():
			f := Frame{Type: FrameEvent, Topic: string(c.matchTopic(&ev)), Event: &ev}
			if err := c.writeFrame(f); err != nil {
				c.srv.hub.Disconnect(c.sub, fmt.Errorf("write failed: %w", err))
				return
			}

		case <-hb.C:
			if err := c.writeFrame(Frame{Type: FrameHeartbeat}); err != nil {
				c.srv.hub.Disconnect(c.sub, fmt.Errorf("write failed: %w", err))
				return
			}
		}
	}
}

// matchTopic names the topic an event frame is delivered under: the first
// of the event's topics this connection actually holds. Racing an
// unsubscribe can miss, in which case the event's first mapping stands in.
func (c *conn) matchTopic(ev *types.Event) hub.Topic {
	mapped := hub.TopicsFor(ev)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range mapped {
		if _, ok := c.topics[t]; ok {
			return t
		}
	}
	if len(mapped) > 0 {
		return mapped[0]
	}
	return ""
}

func (c *conn) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", f.Type, err)
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = c.nc.Write(append(data, '\n'))
	return err
}
