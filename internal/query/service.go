// Package query implements the principal-scoped read path.
//
// Every operation takes the caller's principal and an inclusive device_ts
// window; the window keeps the generated SQL partition-prunable, and the
// principal resolves to a row-visibility scope the storage layer applies
// mechanically. Latest reads the in-process projection and only falls back
// to the persisted table on a miss.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/positrack/positrack/internal/lastknown"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// DefaultTimeout is the per-read deadline when the config does not set one.
const DefaultTimeout = 5 * time.Second

// Config carries the query tunables.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Service answers scoped reads. Safe for concurrent use.
type Service struct {
	store   storage.Store
	last    lastknown.Store
	scopes  types.ScopeResolver
	log     *slog.Logger
	timeout time.Duration
}

// New builds a Service. last may be nil, in which case Latest always reads
// the persisted projection. scopes may be nil, which collapses every
// ownership question to the principal's own identity.
func New(store storage.Store, last lastknown.Store, scopes types.ScopeResolver, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if scopes == nil {
		scopes = types.SelfScope{}
	}
	return &Service{
		store:   store,
		last:    last,
		scopes:  scopes,
		log:     cfg.Logger,
		timeout: cfg.Timeout,
	}
}

// History returns a device's reports in ascending device_ts order.
func (s *Service) History(ctx context.Context, p types.Principal, deviceID string, w types.Window) ([]*types.Report, error) {
	sc, err := s.prepare(ctx, p, w)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.History(ctx, deviceID, w, sc)
}

// Latest returns the most recent known position for a device. The hot
// projection is consulted first; a device outside the caller's scope is
// indistinguishable from one that never reported.
func (s *Service) Latest(ctx context.Context, p types.Principal, deviceID string) (*types.LastKnown, error) {
	sc, err := s.scopeFor(ctx, p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	if s.last != nil {
		lk, err := s.last.Get(ctx, deviceID)
		switch {
		case err == nil:
			return s.visibleOrNotFound(sc, lk)
		case !errors.Is(err, storage.ErrNotFound):
			s.log.Warn("projection read failed, falling back to store",
				"device", deviceID, "error", err)
		}
	}

	lk, err := s.store.LastKnown(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return s.visibleOrNotFound(sc, lk)
}

// RoutePoints returns the slim (ts, lat, lon, speed, course) track for a
// device, fixes only, optionally clipped to a bounding box.
func (s *Service) RoutePoints(ctx context.Context, p types.Principal, deviceID string, w types.Window, box *types.BBox) ([]types.RoutePoint, error) {
	sc, err := s.prepare(ctx, p, w)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.RoutePoints(ctx, deviceID, w, box, sc)
}

// PanicEvents returns panic-flagged rows. deviceID may be empty to search
// the whole visible fleet.
func (s *Service) PanicEvents(ctx context.Context, p types.Principal, deviceID string, w types.Window) ([]*types.Report, error) {
	sc, err := s.prepare(ctx, p, w)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.PanicEvents(ctx, deviceID, w, sc)
}

// SpeedViolations returns rows whose speed exceeds limitKMH.
func (s *Service) SpeedViolations(ctx context.Context, p types.Principal, deviceID string, w types.Window, limitKMH float64) ([]*types.Report, error) {
	if limitKMH <= 0 {
		return nil, fmt.Errorf("speed limit must be positive, got %v", limitKMH)
	}
	sc, err := s.prepare(ctx, p, w)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.SpeedViolations(ctx, deviceID, w, limitKMH, sc)
}

// DailySummary aggregates one device per calendar date.
func (s *Service) DailySummary(ctx context.Context, p types.Principal, deviceID string, w types.Window) ([]types.DailySummary, error) {
	sc, err := s.prepare(ctx, p, w)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.DailySummary(ctx, deviceID, w, sc)
}

// FleetSummary aggregates every device under an admin per date.
func (s *Service) FleetSummary(ctx context.Context, p types.Principal, adminID int64, w types.Window) ([]types.DailySummary, error) {
	sc, err := s.prepare(ctx, p, w)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.FleetSummary(ctx, adminID, w, sc)
}

// ParkingDurations computes PARKED intervals: each PARKED report opens a
// span that closes at the next PARKED report of the window. The pass runs
// in Go rather than SQL window functions, which MySQL 5.7 lacks.
func (s *Service) ParkingDurations(ctx context.Context, p types.Principal, deviceID string, w types.Window) ([]types.ParkingSpan, error) {
	sc, err := s.prepare(ctx, p, w)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	rows, err := s.store.ParkedReports(ctx, deviceID, w, sc)
	if err != nil {
		return nil, err
	}
	return spansFrom(rows), nil
}

// Stats returns fleet counts narrowed to the caller's visibility. Backs the
// realtime stats frame and the status CLI.
func (s *Service) Stats(ctx context.Context, p types.Principal) (types.Stats, error) {
	sc, err := s.scopeFor(ctx, p)
	if err != nil {
		return types.Stats{}, err
	}
	ctx, cancel := s.readCtx(ctx)
	defer cancel()
	return s.store.Stats(ctx, sc)
}

// prepare validates the window and resolves the scope, the shared preamble
// of every windowed read.
func (s *Service) prepare(ctx context.Context, p types.Principal, w types.Window) (types.Scope, error) {
	if err := w.Validate(); err != nil {
		return types.Scope{}, err
	}
	return s.scopeFor(ctx, p)
}

// scopeFor maps a principal onto the row filter the storage layer applies.
// Elevated roles see everything; a dealer's scope widens to its client set
// through the resolver.
func (s *Service) scopeFor(ctx context.Context, p types.Principal) (types.Scope, error) {
	if err := p.Validate(); err != nil {
		return types.Scope{}, fmt.Errorf("%w: %v", storage.ErrUnauthorized, err)
	}
	if p.Role.Elevated() {
		return types.AllScope, nil
	}
	sc := types.Scope{Role: p.Role, ID: p.ID}
	if p.Role == types.RoleDealer {
		ids, err := s.scopes.ClientsOf(ctx, p.ID)
		if err != nil {
			return types.Scope{}, fmt.Errorf("resolving clients of dealer %d: %w", p.ID, err)
		}
		sc.ClientIDs = ids
	}
	return sc, nil
}

func (s *Service) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// visibleOrNotFound hides rows outside the scope behind ErrNotFound so a
// caller cannot probe for devices it does not own.
func (s *Service) visibleOrNotFound(sc types.Scope, lk *types.LastKnown) (*types.LastKnown, error) {
	if lk == nil {
		return nil, storage.ErrNotFound
	}
	if !visible(sc, &lk.Report) {
		return nil, fmt.Errorf("device %s: %w", lk.DeviceID, storage.ErrNotFound)
	}
	return lk, nil
}

func visible(sc types.Scope, r *types.Report) bool {
	if sc.All {
		return true
	}
	switch sc.Role {
	case types.RoleUser:
		return r.UserID == sc.ID
	case types.RoleClient:
		return r.ClientID == sc.ID
	case types.RoleDealer:
		if r.DealerID == sc.ID {
			return true
		}
		for _, id := range sc.ClientIDs {
			if r.ClientID == id {
				return true
			}
		}
	}
	return false
}

// spansFrom is the window pass: consecutive PARKED rows pair into spans.
// The final row has no successor inside the window and opens no span.
func spansFrom(rows []*types.Report) []types.ParkingSpan {
	if len(rows) < 2 {
		return nil
	}
	spans := make([]types.ParkingSpan, 0, len(rows)-1)
	for i := 0; i+1 < len(rows); i++ {
		cur, next := rows[i], rows[i+1]
		d, err := next.DeviceTS.Sub(cur.DeviceTS)
		if err != nil || d < 0 {
			continue
		}
		spans = append(spans, types.ParkingSpan{
			DeviceID: cur.DeviceID,
			From:     cur.DeviceTS,
			To:       next.DeviceTS,
			Duration: d,
			Lat:      cur.Lat,
			Lon:      cur.Lon,
		})
	}
	return spans
}
