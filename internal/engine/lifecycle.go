package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"attendsync/internal/geo"
)

// StartSession opens a new attendance session for the unit. Fails with
// ErrSessionActive when one is already open. The session id is appended to
// the unit's history immediately so it counts in the analytics denominator
// even if nobody signs in.
func (e *Engine) StartSession(ctx context.Context, unitID string, durationMinutes int, fence *geo.Geofence) (*PublicState, error) {
	if durationMinutes <= 0 {
		return nil, ErrInvalidDuration
	}
	if fence != nil {
		if err := validateCoordinate(fence.Center); err != nil {
			return nil, err
		}
		if fence.RadiusMeters <= 0 {
			return nil, ErrInvalidGeofence
		}
	}
	if _, err := e.store.Unit(ctx, unitID); err != nil {
		return nil, err
	}

	// A session past its deadline may still be flagged active in the store if
	// nothing has touched it since. Settle that before the conflict check.
	if _, _, err := e.CheckExpiry(ctx, unitID); err != nil {
		return nil, err
	}

	pin, err := GeneratePIN()
	if err != nil {
		return nil, err
	}
	now := e.now()
	session := &Session{
		ID:          uuid.NewString(),
		UnitID:      unitID,
		Active:      true,
		EndTime:     now.Add(time.Duration(durationMinutes) * time.Minute),
		Geofence:    fence,
		CurrentPIN:  pin,
		PinIssuedAt: now,
		CreatedAt:   now,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	e.startRotator(session.ID)
	return snapshot(session), nil
}

// EndSession closes the unit's active session. Idempotent: ending a unit with
// no open session is a no-op.
func (e *Engine) EndSession(ctx context.Context, unitID string) error {
	session, err := e.store.ActiveSession(ctx, unitID)
	if errors.Is(err, ErrNoActiveSession) {
		return nil
	}
	if err != nil {
		return err
	}
	e.stopRotator(session.ID)
	return e.store.CloseSession(ctx, session.ID, e.now())
}

// CheckExpiry is the authoritative liveness check. It closes the session if
// its deadline has passed and reports what it found: the still-active session
// (or nil), and whether this call performed the expiry. It runs lazily at the
// top of every sign-in attempt and periodically from the background job, so
// expiry holds even when no timer survived a restart.
func (e *Engine) CheckExpiry(ctx context.Context, unitID string) (*Session, bool, error) {
	session, err := e.store.ActiveSession(ctx, unitID)
	if errors.Is(err, ErrNoActiveSession) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if e.now().After(session.EndTime) {
		e.stopRotator(session.ID)
		if err := e.store.CloseSession(ctx, session.ID, e.now()); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return session, false, nil
}

// PublicState returns the current session snapshot for the unit, or nil when
// no session is active.
func (e *Engine) PublicState(ctx context.Context, unitID string) (*PublicState, error) {
	session, _, err := e.CheckExpiry(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	return snapshot(session), nil
}

// ResumeSessions reconciles store state after a restart: expired sessions are
// closed, still-active ones get their PIN rotator back.
func (e *Engine) ResumeSessions(ctx context.Context) error {
	sessions, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if e.now().After(session.EndTime) {
			if err := e.store.CloseSession(ctx, session.ID, e.now()); err != nil {
				return err
			}
			continue
		}
		e.startRotator(session.ID)
	}
	return nil
}

// ExpireOverdue closes every active session past its deadline and reports how
// many it closed. The background job calls this periodically as a safety net
// behind the lazy per-unit check.
func (e *Engine) ExpireOverdue(ctx context.Context) (int, error) {
	sessions, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, session := range sessions {
		if !e.now().After(session.EndTime) {
			continue
		}
		e.stopRotator(session.ID)
		if err := e.store.CloseSession(ctx, session.ID, e.now()); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func snapshot(session *Session) *PublicState {
	state := &PublicState{
		SessionID:   session.ID,
		Active:      session.Active,
		PIN:         session.CurrentPIN,
		PinIssuedAt: session.PinIssuedAt,
		EndTime:     session.EndTime,
	}
	if session.Geofence != nil {
		fence := *session.Geofence
		state.Geofence = &fence
	}
	return state
}

func validateCoordinate(c geo.Coordinate) error {
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}
