package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/positrack/positrack/internal/lastknown"
	"github.com/positrack/positrack/internal/rawtime"
	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

// fakeStore records the scope each read arrived with.
type fakeStore struct {
	storage.Store
	lastScope types.Scope
	history   []*types.Report
	parked    []*types.Report
	lastKnown *types.LastKnown
	summaries []types.DailySummary
	limit     float64
}

func (f *fakeStore) History(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	f.lastScope = sc
	return f.history, nil
}

func (f *fakeStore) ParkedReports(ctx context.Context, deviceID string, w types.Window, sc types.Scope) ([]*types.Report, error) {
	f.lastScope = sc
	return f.parked, nil
}

func (f *fakeStore) LastKnown(ctx context.Context, deviceID string) (*types.LastKnown, error) {
	if f.lastKnown == nil {
		return nil, storage.ErrNotFound
	}
	return f.lastKnown, nil
}

func (f *fakeStore) FleetSummary(ctx context.Context, adminID int64, w types.Window, sc types.Scope) ([]types.DailySummary, error) {
	f.lastScope = sc
	return f.summaries, nil
}

func (f *fakeStore) SpeedViolations(ctx context.Context, deviceID string, w types.Window, limitKMH float64, sc types.Scope) ([]*types.Report, error) {
	f.lastScope = sc
	f.limit = limitKMH
	return nil, nil
}

func (f *fakeStore) Stats(ctx context.Context, sc types.Scope) (types.Stats, error) {
	f.lastScope = sc
	return types.Stats{TotalDevices: 10, LiveDevices: 4, OpenAlerts: 1}, nil
}

type fixedClients struct {
	types.SelfScope
	clients []int64
	err     error
}

func (f fixedClients) ClientsOf(ctx context.Context, dealerID int64) ([]int64, error) {
	return f.clients, f.err
}

func window(from, to string) types.Window {
	return types.Window{From: rawtime.Stamp(from), To: rawtime.Stamp(to)}
}

func parked(ts string, lat float64) *types.Report {
	return &types.Report{
		DeviceID:      "GT06-0042",
		DeviceTS:      rawtime.Stamp(ts),
		Lat:           lat,
		Lon:           77.59,
		VehicleStatus: types.VehicleParked,
		Status:        types.StatusLive,
	}
}

func TestScopePerRole(t *testing.T) {
	w := window("2025-06-01 00:00:00", "2025-06-30 23:59:59")

	tests := []struct {
		name string
		p    types.Principal
		want types.Scope
	}{
		{"admin sees all", types.Principal{ID: 1, Role: types.RoleAdmin}, types.AllScope},
		{"superadmin sees all", types.Principal{ID: 1, Role: types.RoleSuperadmin}, types.AllScope},
		{"user narrowed", types.Principal{ID: 20, Role: types.RoleUser}, types.Scope{Role: types.RoleUser, ID: 20}},
		{"client narrowed", types.Principal{ID: 10, Role: types.RoleClient}, types.Scope{Role: types.RoleClient, ID: 10}},
	}
	for _, tt := range tests {
		store := &fakeStore{}
		svc := New(store, nil, nil, Config{})
		if _, err := svc.History(t.Context(), tt.p, "GT06-0042", w); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		got := store.lastScope
		if got.All != tt.want.All || got.Role != tt.want.Role || got.ID != tt.want.ID {
			t.Errorf("%s: scope = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestDealerScopeWidensToClients(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, nil, fixedClients{clients: []int64{10, 11}}, Config{})

	p := types.Principal{ID: 3, Role: types.RoleDealer}
	w := window("2025-06-01 00:00:00", "2025-06-30 23:59:59")
	if _, err := svc.History(t.Context(), p, "GT06-0042", w); err != nil {
		t.Fatalf("History: %v", err)
	}

	sc := store.lastScope
	if sc.Role != types.RoleDealer || sc.ID != 3 {
		t.Errorf("scope = %+v", sc)
	}
	if len(sc.ClientIDs) != 2 || sc.ClientIDs[0] != 10 || sc.ClientIDs[1] != 11 {
		t.Errorf("ClientIDs = %v", sc.ClientIDs)
	}
}

func TestDealerScopeResolverFailureSurfaces(t *testing.T) {
	resolveErr := errors.New("identity store down")
	svc := New(&fakeStore{}, nil, fixedClients{err: resolveErr}, Config{})

	p := types.Principal{ID: 3, Role: types.RoleDealer}
	w := window("2025-06-01 00:00:00", "2025-06-30 23:59:59")
	if _, err := svc.History(t.Context(), p, "GT06-0042", w); !errors.Is(err, resolveErr) {
		t.Fatalf("err = %v, want wrapped resolver failure", err)
	}
}

func TestWindowRequired(t *testing.T) {
	svc := New(&fakeStore{}, nil, nil, Config{})
	p := types.Principal{ID: 1, Role: types.RoleAdmin}

	if _, err := svc.History(t.Context(), p, "GT06-0042", types.Window{}); err == nil {
		t.Error("empty window should fail")
	}
	inverted := window("2025-06-30 00:00:00", "2025-06-01 00:00:00")
	if _, err := svc.History(t.Context(), p, "GT06-0042", inverted); err == nil {
		t.Error("inverted window should fail")
	}
}

func TestInvalidPrincipalUnauthorized(t *testing.T) {
	svc := New(&fakeStore{}, nil, nil, Config{})
	w := window("2025-06-01 00:00:00", "2025-06-30 23:59:59")

	p := types.Principal{ID: 0, Role: types.RoleUser}
	if _, err := svc.History(t.Context(), p, "GT06-0042", w); !errors.Is(err, storage.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestLatestPrefersProjection(t *testing.T) {
	stale := parked("2025-06-15 09:00:00", 12)
	fresh := parked("2025-06-15 10:00:00", 13)
	fresh.UserID = 20

	store := &fakeStore{lastKnown: &types.LastKnown{Report: *stale}}
	last := lastknown.NewMemory()
	if _, err := last.Put(t.Context(), fresh); err != nil {
		t.Fatalf("seed projection: %v", err)
	}
	svc := New(store, last, nil, Config{})

	lk, err := svc.Latest(t.Context(), types.Principal{ID: 20, Role: types.RoleUser}, "GT06-0042")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if lk.DeviceTS != "2025-06-15 10:00:00" {
		t.Errorf("Latest read %s, want the projection row", lk.DeviceTS)
	}
}

func TestLatestFallsBackToStore(t *testing.T) {
	row := parked("2025-06-15 09:00:00", 12)
	row.UserID = 20
	store := &fakeStore{lastKnown: &types.LastKnown{Report: *row}}
	svc := New(store, lastknown.NewMemory(), nil, Config{})

	lk, err := svc.Latest(t.Context(), types.Principal{ID: 20, Role: types.RoleUser}, "GT06-0042")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if lk.DeviceTS != "2025-06-15 09:00:00" {
		t.Errorf("Latest = %s", lk.DeviceTS)
	}
}

func TestLatestHidesForeignDevice(t *testing.T) {
	row := parked("2025-06-15 09:00:00", 12)
	row.UserID = 99
	store := &fakeStore{lastKnown: &types.LastKnown{Report: *row}}
	svc := New(store, nil, nil, Config{})

	_, err := svc.Latest(t.Context(), types.Principal{ID: 20, Role: types.RoleUser}, "GT06-0042")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLatestMiss(t *testing.T) {
	svc := New(&fakeStore{}, lastknown.NewMemory(), nil, Config{})
	_, err := svc.Latest(t.Context(), types.Principal{ID: 1, Role: types.RoleAdmin}, "NOPE")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestParkingDurations(t *testing.T) {
	store := &fakeStore{parked: []*types.Report{
		parked("2025-06-15 08:00:00", 12.1),
		parked("2025-06-15 08:45:00", 12.2),
		parked("2025-06-15 10:00:00", 12.3),
	}}
	svc := New(store, nil, nil, Config{})

	p := types.Principal{ID: 1, Role: types.RoleAdmin}
	w := window("2025-06-15 00:00:00", "2025-06-15 23:59:59")
	spans, err := svc.ParkingDurations(t.Context(), p, "GT06-0042", w)
	if err != nil {
		t.Fatalf("ParkingDurations: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Duration != 45*time.Minute {
		t.Errorf("span 0 duration = %v", spans[0].Duration)
	}
	if spans[1].Duration != 75*time.Minute {
		t.Errorf("span 1 duration = %v", spans[1].Duration)
	}
	if spans[0].From != "2025-06-15 08:00:00" || spans[0].To != "2025-06-15 08:45:00" {
		t.Errorf("span 0 = %+v", spans[0])
	}
	if spans[0].Lat != 12.1 {
		t.Errorf("span keeps the opening row's position, got %v", spans[0].Lat)
	}
}

func TestParkingDurationsDegenerate(t *testing.T) {
	p := types.Principal{ID: 1, Role: types.RoleAdmin}
	w := window("2025-06-15 00:00:00", "2025-06-15 23:59:59")

	for _, rows := range [][]*types.Report{nil, {parked("2025-06-15 08:00:00", 12)}} {
		svc := New(&fakeStore{parked: rows}, nil, nil, Config{})
		spans, err := svc.ParkingDurations(t.Context(), p, "GT06-0042", w)
		if err != nil {
			t.Fatalf("ParkingDurations: %v", err)
		}
		if len(spans) != 0 {
			t.Errorf("%d rows produced %d spans", len(rows), len(spans))
		}
	}
}

func TestSpeedViolationsValidatesLimit(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, nil, nil, Config{})
	p := types.Principal{ID: 1, Role: types.RoleAdmin}
	w := window("2025-06-01 00:00:00", "2025-06-30 23:59:59")

	if _, err := svc.SpeedViolations(t.Context(), p, "GT06-0042", w, 0); err == nil {
		t.Error("zero limit should fail")
	}
	if _, err := svc.SpeedViolations(t.Context(), p, "GT06-0042", w, 80); err != nil {
		t.Fatalf("SpeedViolations: %v", err)
	}
	if store.limit != 80 {
		t.Errorf("limit passed = %v", store.limit)
	}
}

func TestStatsScoped(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, nil, nil, Config{})

	st, err := svc.Stats(t.Context(), types.Principal{ID: 10, Role: types.RoleClient})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalDevices != 10 {
		t.Errorf("stats = %+v", st)
	}
	if store.lastScope.Role != types.RoleClient || store.lastScope.ID != 10 {
		t.Errorf("scope = %+v", store.lastScope)
	}
}
