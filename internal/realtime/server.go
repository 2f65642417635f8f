package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/positrack/positrack/internal/hub"
)

const (
	// DefaultHeartbeat is the server-to-client heartbeat period. A client
	// silent for three periods is disconnected.
	DefaultHeartbeat = 25 * time.Second
	// DefaultMaxConns bounds concurrent connections; excess dials are
	// closed without a handshake.
	DefaultMaxConns = 10_000

	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameBytes    = 256 * 1024
)

// Config assembles a Server.
type Config struct {
	// Addr is the TCP listen address, e.g. ":7878".
	Addr string
	// Heartbeat overrides DefaultHeartbeat.
	Heartbeat time.Duration
	// MaxConns overrides DefaultMaxConns.
	MaxConns int
	// Auth validates handshake tokens. Nil accepts every token.
	Auth TokenValidator
	// Stats backs the stats frame. Nil rejects stats requests.
	Stats StatsSource
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server accepts frame connections and binds each one to a hub subscriber.
type Server struct {
	hub       *hub.Hub
	auth      TokenValidator
	stats     StatsSource
	log       *slog.Logger
	addr      string
	heartbeat time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	shutdown bool

	active   atomic.Int32
	accepted atomic.Int64
	rejected atomic.Int64
}

// NewServer builds a Server over an existing hub.
func NewServer(h *hub.Hub, cfg Config) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.Auth == nil {
		cfg.Auth = StaticToken("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:       h,
		auth:      cfg.Auth,
		stats:     cfg.Stats,
		log:       cfg.Logger,
		addr:      cfg.Addr,
		heartbeat: cfg.Heartbeat,
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(chan struct{}, cfg.MaxConns),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("realtime listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("realtime listener started",
		slog.String("addr", listener.Addr().String()),
		slog.Duration("heartbeat", s.heartbeat))

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for every connection to finish its
// close frame. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listener := s.listener
	s.mu.Unlock()

	s.cancel()
	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Warn("accept failed", slog.Any("error", err))
			continue
		}

		select {
		case s.slots <- struct{}{}:
			s.accepted.Add(1)
			s.wg.Add(1)
			go s.handleConn(nc)
		default:
			s.rejected.Add(1)
			s.log.Warn("connection limit reached, rejecting",
				slog.String("remote", nc.RemoteAddr().String()))
			nc.Close()
		}
	}
}

// Idle returns how long a client may stay silent before it is dropped.
func (s *Server) Idle() time.Duration { return 3 * s.heartbeat }

// Counters is a point-in-time snapshot of listener activity.
type Counters struct {
	Active   int   `json:"active"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// Counters reports connection counts since start.
func (s *Server) Counters() Counters {
	return Counters{
		Active:   int(s.active.Load()),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}
