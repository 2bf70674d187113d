package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. A single mutex serializes every operation,
// which makes the check-and-insert on (student, session) atomic by
// construction. It backs the engine tests and small single-process
// deployments; production uses the postgres store.
type MemStore struct {
	mu       sync.Mutex
	units    map[string]*Unit
	sessions map[string]*Session
	records  map[recordKey]*AttendanceRecord
}

type recordKey struct {
	studentID string
	sessionID string
}

func NewMemStore() *MemStore {
	return &MemStore{
		units:    make(map[string]*Unit),
		sessions: make(map[string]*Session),
		records:  make(map[recordKey]*AttendanceRecord),
	}
}

func (m *MemStore) CreateUnit(_ context.Context, unit *Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.units {
		if existing.JoinCode == unit.JoinCode {
			return ErrJoinCodeTaken
		}
	}
	clone := cloneUnit(unit)
	m.units[unit.ID] = clone
	return nil
}

func (m *MemStore) Unit(_ context.Context, unitID string) (*Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[unitID]
	if !ok {
		return nil, ErrUnitNotFound
	}
	return cloneUnit(unit), nil
}

func (m *MemStore) UnitByJoinCode(_ context.Context, joinCode string) (*Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, unit := range m.units {
		if unit.JoinCode == joinCode {
			return cloneUnit(unit), nil
		}
	}
	return nil, ErrUnitNotFound
}

func (m *MemStore) EnrollStudent(_ context.Context, unitID, studentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[unitID]
	if !ok {
		return ErrUnitNotFound
	}
	for _, id := range unit.EnrolledStudents {
		if id == studentID {
			return ErrAlreadyEnrolled
		}
	}
	unit.EnrolledStudents = append(unit.EnrolledStudents, studentID)
	return nil
}

func (m *MemStore) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[session.UnitID]
	if !ok {
		return ErrUnitNotFound
	}
	for _, existing := range m.sessions {
		if existing.UnitID == session.UnitID && existing.Active {
			return ErrSessionActive
		}
	}
	clone := cloneSession(session)
	m.sessions[session.ID] = clone
	unit.SessionHistory = append(unit.SessionHistory, session.ID)
	return nil
}

func (m *MemStore) ActiveSession(_ context.Context, unitID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.UnitID == unitID && session.Active {
			return cloneSession(session), nil
		}
	}
	return nil, ErrNoActiveSession
}

func (m *MemStore) Session(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *MemStore) CloseSession(_ context.Context, sessionID string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !session.Active {
		return nil
	}
	session.Active = false
	session.ClosedAt = closedAt
	session.CurrentPIN = ""
	session.PinIssuedAt = time.Time{}
	session.Geofence = nil
	return nil
}

func (m *MemStore) SetSessionPin(_ context.Context, sessionID, pin string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !session.Active {
		return nil
	}
	session.CurrentPIN = pin
	session.PinIssuedAt = issuedAt
	return nil
}

func (m *MemStore) ListActiveSessions(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []Session
	for _, session := range m.sessions {
		if session.Active {
			active = append(active, *cloneSession(session))
		}
	}
	return active, nil
}

func (m *MemStore) InsertRecord(_ context.Context, record *AttendanceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{studentID: record.StudentID, sessionID: record.SessionID}
	if _, exists := m.records[key]; exists {
		return false, nil
	}
	clone := *record
	m.records[key] = &clone
	return true, nil
}

func (m *MemStore) RecordsBySession(_ context.Context, sessionID string) ([]AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []AttendanceRecord
	for key, record := range m.records {
		if key.sessionID == sessionID {
			records = append(records, *record)
		}
	}
	sortRecordsNewestFirst(records)
	return records, nil
}

func (m *MemStore) RecordsByStudent(_ context.Context, unitID, studentID string) ([]AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []AttendanceRecord
	for _, record := range m.records {
		if record.UnitID == unitID && record.StudentID == studentID {
			records = append(records, *record)
		}
	}
	sortRecordsNewestFirst(records)
	return records, nil
}

func sortRecordsNewestFirst(records []AttendanceRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].RecordedAt.After(records[j].RecordedAt)
	})
}

func cloneUnit(unit *Unit) *Unit {
	clone := *unit
	clone.EnrolledStudents = append([]string(nil), unit.EnrolledStudents...)
	clone.SessionHistory = append([]string(nil), unit.SessionHistory...)
	return &clone
}

func cloneSession(session *Session) *Session {
	clone := *session
	if session.Geofence != nil {
		fence := *session.Geofence
		clone.Geofence = &fence
	}
	return &clone
}
