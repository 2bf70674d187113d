package engine

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"attendsync/internal/geo"
)

// QRSignIn is the payload of a scanned-QR sign-in attempt. The session id
// comes out of the QR payload, the PIN is typed in by hand.
type QRSignIn struct {
	SessionID         string
	StudentID         string
	PIN               string
	DeviceFingerprint string
}

// LocationSignIn is the payload of a geolocation sign-in attempt.
type LocationSignIn struct {
	StudentID         string
	Location          geo.Coordinate
	DeviceFingerprint string
}

// SignInByQR validates a QR+PIN attempt and commits it to the ledger. Every
// rejection is a typed Outcome; an error return means storage failed.
func (e *Engine) SignInByQR(ctx context.Context, unitID string, req QRSignIn) (Outcome, error) {
	unit, err := e.store.Unit(ctx, unitID)
	if err != nil {
		return Outcome{}, err
	}
	if !unit.Enrolled(req.StudentID) {
		return Outcome{Code: OutcomeNotEnrolled}, nil
	}
	session, _, err := e.CheckExpiry(ctx, unitID)
	if err != nil {
		return Outcome{}, err
	}
	if session == nil {
		return Outcome{Code: OutcomeSessionExpired}, nil
	}
	// A stale QR payload from an earlier session is rejected even while a
	// newer session is open.
	if req.SessionID != session.ID {
		return Outcome{Code: OutcomeInvalidSession}, nil
	}
	if req.PIN == "" || req.PIN != session.CurrentPIN {
		return Outcome{Code: OutcomeInvalidPin}, nil
	}
	return e.commit(ctx, unitID, session.ID, req.StudentID, MethodQRCode, req.DeviceFingerprint, 0)
}

// SignInByLocation validates a geolocation attempt against the session
// geofence and commits it. The measured distance is always carried in the
// outcome so clients can show "you are Xm away" instead of a bare rejection.
func (e *Engine) SignInByLocation(ctx context.Context, unitID string, req LocationSignIn) (Outcome, error) {
	if err := validateCoordinate(req.Location); err != nil {
		return Outcome{}, err
	}
	unit, err := e.store.Unit(ctx, unitID)
	if err != nil {
		return Outcome{}, err
	}
	if !unit.Enrolled(req.StudentID) {
		return Outcome{Code: OutcomeNotEnrolled}, nil
	}
	session, _, err := e.CheckExpiry(ctx, unitID)
	if err != nil {
		return Outcome{}, err
	}
	if session == nil {
		return Outcome{Code: OutcomeSessionExpired}, nil
	}
	if session.Geofence == nil {
		return Outcome{Code: OutcomeGeofenceNotConfigured}, nil
	}
	distance := geo.DistanceMeters(req.Location, session.Geofence.Center)
	if !geo.WithinGeofence(req.Location, *session.Geofence) {
		return Outcome{Code: OutcomeTooFarAway, DistanceMeters: distance}, nil
	}
	return e.commit(ctx, unitID, session.ID, req.StudentID, MethodLocation, req.DeviceFingerprint, distance)
}

// ManualSignIn is the lecturer override. It bypasses PIN and geofence checks
// but commits through the same idempotent ledger insert, so it can never
// produce a second record for a student who already signed in. The session
// may be a closed one from the unit's history.
func (e *Engine) ManualSignIn(ctx context.Context, unitID, sessionID, studentID string) (Outcome, error) {
	unit, err := e.store.Unit(ctx, unitID)
	if err != nil {
		return Outcome{}, err
	}
	if !unit.Enrolled(studentID) {
		return Outcome{Code: OutcomeNotEnrolled}, nil
	}
	session, err := e.store.Session(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return Outcome{Code: OutcomeInvalidSession}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if session.UnitID != unitID {
		return Outcome{Code: OutcomeInvalidSession}, nil
	}
	return e.commit(ctx, unitID, sessionID, studentID, MethodManual, "", 0)
}

// commit is the single terminal path for every sign-in method. The store's
// uniqueness constraint on (student, session) is what makes concurrent and
// retried attempts collapse to exactly one record.
func (e *Engine) commit(ctx context.Context, unitID, sessionID, studentID string, method Method, fingerprint string, distance float64) (Outcome, error) {
	duplicateDevice := false
	if strings.TrimSpace(fingerprint) != "" {
		first, err := e.devices.MarkUsed(ctx, sessionID, fingerprint)
		if err != nil {
			// Advisory signal only; a broken index must not block sign-ins.
			log.Printf("device index unavailable for session %s: %v", sessionID, err)
		} else {
			duplicateDevice = !first
		}
	}
	record := &AttendanceRecord{
		ID:                uuid.NewString(),
		UnitID:            unitID,
		SessionID:         sessionID,
		StudentID:         studentID,
		Method:            method,
		DeviceFingerprint: fingerprint,
		DuplicateDevice:   duplicateDevice,
		RecordedAt:        e.now(),
	}
	inserted, err := e.store.InsertRecord(ctx, record)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		return Outcome{Code: OutcomeAlreadySignedIn}, nil
	}
	return Outcome{
		Code:            OutcomeSuccess,
		Record:          record,
		DistanceMeters:  distance,
		DuplicateDevice: duplicateDevice,
	}, nil
}

// WasDeviceUsed is the advisory lookup exposed to the lecturer view.
func (e *Engine) WasDeviceUsed(ctx context.Context, sessionID, fingerprint string) (bool, error) {
	return e.devices.WasUsed(ctx, sessionID, fingerprint)
}

// SessionLedger returns the live ledger of the unit's active session, newest
// first.
func (e *Engine) SessionLedger(ctx context.Context, unitID string) ([]AttendanceRecord, error) {
	session, _, err := e.CheckExpiry(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return e.store.RecordsBySession(ctx, session.ID)
}

// RecordsForStudent returns the student's full attendance history in the unit.
func (e *Engine) RecordsForStudent(ctx context.Context, unitID, studentID string) ([]AttendanceRecord, error) {
	return e.store.RecordsByStudent(ctx, unitID, studentID)
}
