// Package engine implements the attendance session engine: session lifecycle,
// PIN rotation, sign-in coordination, the attendance ledger abstraction, and
// derived analytics. Storage and transport live elsewhere; the engine only
// talks to a Store and a DeviceIndex.
package engine

import (
	"time"

	"attendsync/internal/geo"
)

type Unit struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	JoinCode            string    `json:"joinCode"`
	OwnerID             string    `json:"ownerId"`
	AttendanceThreshold int       `json:"attendanceThreshold"`
	EnrolledStudents    []string  `json:"enrolledStudents"`
	SessionHistory      []string  `json:"sessionHistory"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Enrolled reports whether studentID is on the unit's roster.
func (u *Unit) Enrolled(studentID string) bool {
	for _, id := range u.EnrolledStudents {
		if id == studentID {
			return true
		}
	}
	return false
}

type Session struct {
	ID          string        `json:"id"`
	UnitID      string        `json:"unitId"`
	Active      bool          `json:"active"`
	EndTime     time.Time     `json:"endTime"`
	Geofence    *geo.Geofence `json:"geofence,omitempty"`
	CurrentPIN  string        `json:"-"`
	PinIssuedAt time.Time     `json:"-"`
	CreatedAt   time.Time     `json:"createdAt"`
	ClosedAt    time.Time     `json:"closedAt,omitempty"`
}

// Method identifies how an attendance record was produced.
type Method string

const (
	MethodLocation Method = "location"
	MethodQRCode   Method = "qr_code"
	MethodManual   Method = "manual"
)

// AttendanceRecord is immutable once stored. At most one exists per
// (student, session) pair; that uniqueness is the ledger's core guarantee.
type AttendanceRecord struct {
	ID                string    `json:"id"`
	UnitID            string    `json:"unitId"`
	SessionID         string    `json:"sessionId"`
	StudentID         string    `json:"studentId"`
	Method            Method    `json:"method"`
	DeviceFingerprint string    `json:"-"`
	DuplicateDevice   bool      `json:"duplicateDevice"`
	RecordedAt        time.Time `json:"recordedAt"`
}

// PublicState is the read-only session snapshot exposed to clients.
type PublicState struct {
	SessionID   string        `json:"sessionId"`
	Active      bool          `json:"active"`
	PIN         string        `json:"currentPin"`
	PinIssuedAt time.Time     `json:"pinIssuedAt"`
	EndTime     time.Time     `json:"endTime"`
	Geofence    *geo.Geofence `json:"geofence,omitempty"`
}

// QRPayload is the JSON object encoded into the session QR image.
type QRPayload struct {
	UnitID    string `json:"unitId"`
	SessionID string `json:"sessionId"`
}

// OutcomeCode enumerates the user-facing results of a sign-in attempt. These
// are expected, recoverable conditions, not errors.
type OutcomeCode string

const (
	OutcomeSuccess               OutcomeCode = "success"
	OutcomeSessionExpired        OutcomeCode = "session_expired"
	OutcomeInvalidSession        OutcomeCode = "invalid_session"
	OutcomeInvalidPin            OutcomeCode = "invalid_pin"
	OutcomeTooFarAway            OutcomeCode = "too_far_away"
	OutcomeGeofenceNotConfigured OutcomeCode = "geofence_not_configured"
	OutcomeAlreadySignedIn       OutcomeCode = "already_signed_in"
	OutcomeNotEnrolled           OutcomeCode = "not_enrolled"
)

type Outcome struct {
	Code OutcomeCode `json:"code"`
	// Record is set on success.
	Record *AttendanceRecord `json:"record,omitempty"`
	// DistanceMeters is set on location sign-ins so clients can show how far
	// away the student was, on rejection and success alike.
	DistanceMeters float64 `json:"distanceMeters,omitempty"`
	// DuplicateDevice flags that the device fingerprint was already seen in
	// this session. Advisory only; never blocks the record.
	DuplicateDevice bool `json:"duplicateDevice,omitempty"`
}

func (o Outcome) Success() bool {
	return o.Code == OutcomeSuccess
}

// Rate is the derived attendance figure for one student in one unit.
type Rate struct {
	Percentage    int  `json:"percentage"`
	AttendedCount int  `json:"attendedCount"`
	TotalSessions int  `json:"totalSessions"`
	AtRisk        bool `json:"atRisk"`
}

// StudentRate pairs a roster entry with its attendance rate.
type StudentRate struct {
	StudentID string `json:"studentId"`
	Rate
}
