package engine

import (
	"context"
	"errors"
	"time"
)

// Store errors. Conflicts surface as sentinels so callers can map them to
// user-facing codes; anything else is a storage failure.
var (
	ErrUnitNotFound    = errors.New("unit not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionActive   = errors.New("session already active")
	ErrJoinCodeTaken   = errors.New("join code already taken")
	ErrAlreadyEnrolled = errors.New("student already enrolled")
)

// Fail-fast input errors, rejected before any state mutation.
var (
	ErrInvalidDuration   = errors.New("duration must be positive")
	ErrInvalidGeofence   = errors.New("invalid geofence")
	ErrInvalidCoordinate = errors.New("coordinate out of range")
	ErrInvalidThreshold  = errors.New("threshold must be between 0 and 100")
	ErrMissingField      = errors.New("missing required field")
)

// Store is the persistence boundary of the engine. The postgres
// implementation lives in internal/db; an in-memory implementation backs the
// engine tests.
type Store interface {
	CreateUnit(ctx context.Context, unit *Unit) error
	Unit(ctx context.Context, unitID string) (*Unit, error)
	UnitByJoinCode(ctx context.Context, joinCode string) (*Unit, error)
	EnrollStudent(ctx context.Context, unitID, studentID string) error

	// CreateSession records the session and appends it to the unit's session
	// history. Returns ErrSessionActive if the unit already has one open.
	CreateSession(ctx context.Context, session *Session) error
	ActiveSession(ctx context.Context, unitID string) (*Session, error)
	Session(ctx context.Context, sessionID string) (*Session, error)
	// CloseSession is idempotent. It clears the PIN and geofence from the
	// publicly readable fields; the session row itself is retained forever.
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error
	SetSessionPin(ctx context.Context, sessionID, pin string, issuedAt time.Time) error
	ListActiveSessions(ctx context.Context) ([]Session, error)

	// InsertRecord atomically inserts unless a record already exists for the
	// (student, session) pair. The second return is false when the pair was
	// already recorded; that is an outcome, not an error.
	InsertRecord(ctx context.Context, record *AttendanceRecord) (bool, error)
	RecordsBySession(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
	RecordsByStudent(ctx context.Context, unitID, studentID string) ([]AttendanceRecord, error)
}

// DeviceIndex tracks which device fingerprints were already used in a
// session. Purely advisory: lookups flag duplicates for the lecturer, they
// never block a sign-in.
type DeviceIndex interface {
	// MarkUsed records the fingerprint for the session and reports whether
	// this was its first use.
	MarkUsed(ctx context.Context, sessionID, fingerprint string) (bool, error)
	WasUsed(ctx context.Context, sessionID, fingerprint string) (bool, error)
}
