package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"attendsync/internal/geo"
)

func newTestEngine(t *testing.T) (*Engine, *MemStore) {
	t.Helper()
	store := NewMemStore()
	e := New(store, nil, Options{PinRotationInterval: time.Hour})
	t.Cleanup(e.Close)
	return e, store
}

func seedUnit(t *testing.T, e *Engine, students ...string) *Unit {
	t.Helper()
	unit, err := e.CreateUnit(context.Background(), CreateUnitParams{
		Name:                "Advanced Web Architectures",
		JoinCode:            "CS-452",
		OwnerID:             "lecturer-1",
		AttendanceThreshold: 85,
	})
	if err != nil {
		t.Fatalf("create unit failed: %v", err)
	}
	for _, studentID := range students {
		if _, err := e.JoinUnit(context.Background(), unit.JoinCode, studentID); err != nil {
			t.Fatalf("join unit failed for %s: %v", studentID, err)
		}
	}
	return unit
}

func testFence() *geo.Geofence {
	return &geo.Geofence{Center: geo.Coordinate{}, RadiusMeters: 50}
}

func TestStartSessionConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	unit := seedUnit(t, e)
	ctx := context.Background()

	if _, err := e.StartSession(ctx, unit.ID, 15, testFence()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := e.StartSession(ctx, unit.ID, 15, testFence()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	if err := e.EndSession(ctx, unit.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if _, err := e.StartSession(ctx, unit.ID, 15, testFence()); err != nil {
		t.Fatalf("restart after end failed: %v", err)
	}
}

func TestStartSessionValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	unit := seedUnit(t, e)
	ctx := context.Background()

	if _, err := e.StartSession(ctx, unit.ID, 0, nil); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if _, err := e.StartSession(ctx, unit.ID, -5, nil); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for negative duration, got %v", err)
	}
	badCenter := &geo.Geofence{Center: geo.Coordinate{Latitude: 91}, RadiusMeters: 50}
	if _, err := e.StartSession(ctx, unit.ID, 15, badCenter); !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}
	badRadius := &geo.Geofence{Center: geo.Coordinate{}, RadiusMeters: 0}
	if _, err := e.StartSession(ctx, unit.ID, 15, badRadius); !errors.Is(err, ErrInvalidGeofence) {
		t.Fatalf("expected ErrInvalidGeofence, got %v", err)
	}
	if _, err := e.StartSession(ctx, "no-such-unit", 15, nil); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	unit := seedUnit(t, e)
	ctx := context.Background()

	if err := e.EndSession(ctx, unit.ID); err != nil {
		t.Fatalf("ending with no session should be a no-op, got %v", err)
	}
	if _, err := e.StartSession(ctx, unit.ID, 15, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := e.EndSession(ctx, unit.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if err := e.EndSession(ctx, unit.ID); err != nil {
		t.Fatalf("second end should be a no-op, got %v", err)
	}
}

func TestEndSessionClearsPublicFields(t *testing.T) {
	e, store := newTestEngine(t)
	unit := seedUnit(t, e)
	ctx := context.Background()

	state, err := e.StartSession(ctx, unit.ID, 15, testFence())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if state.PIN == "" || state.Geofence == nil {
		t.Fatalf("expected pin and geofence on active session")
	}
	if err := e.EndSession(ctx, unit.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	session, err := store.Session(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if session.Active || session.CurrentPIN != "" || session.Geofence != nil {
		t.Fatalf("expected closed session with cleared pin and geofence")
	}
	if session.ClosedAt.IsZero() {
		t.Fatalf("expected closed_at to be set")
	}
}

func TestLazyExpiry(t *testing.T) {
	e, _ := newTestEngine(t)
	unit := seedUnit(t, e)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	if _, err := e.StartSession(ctx, unit.ID, 15, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Still inside the window.
	session, expired, err := e.CheckExpiry(ctx, unit.ID)
	if err != nil || expired || session == nil {
		t.Fatalf("expected live session, got session=%v expired=%v err=%v", session, expired, err)
	}

	// Jump past the deadline; no background timer has fired.
	e.now = func() time.Time { return base.Add(16 * time.Minute) }
	session, expired, err = e.CheckExpiry(ctx, unit.ID)
	if err != nil {
		t.Fatalf("expiry check failed: %v", err)
	}
	if session != nil || !expired {
		t.Fatalf("expected expiry, got session=%v expired=%v", session, expired)
	}

	// Subsequent checks see no active session and report no new expiry.
	session, expired, err = e.CheckExpiry(ctx, unit.ID)
	if err != nil || session != nil || expired {
		t.Fatalf("expected settled state, got session=%v expired=%v err=%v", session, expired, err)
	}
}

func TestPublicState(t *testing.T) {
	e, _ := newTestEngine(t)
	unit := seedUnit(t, e)
	ctx := context.Background()

	state, err := e.PublicState(ctx, unit.ID)
	if err != nil {
		t.Fatalf("public state failed: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state before start, got %+v", state)
	}

	started, err := e.StartSession(ctx, unit.ID, 15, testFence())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	state, err = e.PublicState(ctx, unit.ID)
	if err != nil {
		t.Fatalf("public state failed: %v", err)
	}
	if state == nil || !state.Active || state.SessionID != started.SessionID {
		t.Fatalf("expected active snapshot for %s, got %+v", started.SessionID, state)
	}
	if len(state.PIN) != 4 {
		t.Fatalf("expected 4-digit pin, got %q", state.PIN)
	}
	if state.Geofence == nil || state.Geofence.RadiusMeters != 50 {
		t.Fatalf("expected geofence in snapshot, got %+v", state.Geofence)
	}
}

func TestSessionHistoryDenominator(t *testing.T) {
	e, _ := newTestEngine(t)
	unit := seedUnit(t, e, "s1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.StartSession(ctx, unit.ID, 15, nil); err != nil {
			t.Fatalf("start %d failed: %v", i, err)
		}
		if err := e.EndSession(ctx, unit.ID); err != nil {
			t.Fatalf("end %d failed: %v", i, err)
		}
		rate, err := e.AttendanceRate(ctx, unit.ID, "s1")
		if err != nil {
			t.Fatalf("rate failed: %v", err)
		}
		if rate.TotalSessions != i+1 {
			t.Fatalf("expected %d total sessions, got %d", i+1, rate.TotalSessions)
		}
	}
}

func TestResumeSessions(t *testing.T) {
	store := NewMemStore()
	first := New(store, nil, Options{PinRotationInterval: time.Hour})
	ctx := context.Background()

	unit, err := first.CreateUnit(ctx, CreateUnitParams{Name: "U", JoinCode: "U-1", OwnerID: "l1", AttendanceThreshold: 85})
	if err != nil {
		t.Fatalf("create unit failed: %v", err)
	}
	state, err := first.StartSession(ctx, unit.ID, 15, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	first.Close()

	// A fresh engine over the same store picks the live session back up.
	second := New(store, nil, Options{PinRotationInterval: time.Hour})
	defer second.Close()
	if err := second.ResumeSessions(ctx); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	resumed, err := second.PublicState(ctx, unit.ID)
	if err != nil || resumed == nil {
		t.Fatalf("expected resumed session, got %v err=%v", resumed, err)
	}
	if resumed.SessionID != state.SessionID {
		t.Fatalf("expected session %s, got %s", state.SessionID, resumed.SessionID)
	}

	// An engine resuming after the deadline closes the session instead.
	second.Close()
	third := New(store, nil, Options{PinRotationInterval: time.Hour})
	defer third.Close()
	third.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	if err := third.ResumeSessions(ctx); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	gone, err := third.PublicState(ctx, unit.ID)
	if err != nil || gone != nil {
		t.Fatalf("expected expired session closed on resume, got %v err=%v", gone, err)
	}
}
