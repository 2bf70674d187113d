// Package db implements the engine's Store interface on postgres. The
// uniqueness guarantees the engine relies on live here as constraints: one
// active session per unit (partial unique index) and one attendance record
// per (student, session) pair.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"attendsync/internal/engine"
	"attendsync/internal/geo"
)

type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) CreateUnit(ctx context.Context, unit *engine.Unit) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO units (id, name, join_code, owner_id, attendance_threshold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, unit.ID, unit.Name, unit.JoinCode, unit.OwnerID, unit.AttendanceThreshold, pgTime(unit.CreatedAt))
	if isUniqueViolation(err) {
		return engine.ErrJoinCodeTaken
	}
	return err
}

func (s *Store) Unit(ctx context.Context, unitID string) (*engine.Unit, error) {
	unit := &engine.Unit{}
	var createdAt pgtype.Timestamptz
	row := s.Pool.QueryRow(ctx, `
		SELECT id, name, join_code, owner_id, attendance_threshold, created_at
		FROM units
		WHERE id = $1
	`, unitID)
	err := row.Scan(&unit.ID, &unit.Name, &unit.JoinCode, &unit.OwnerID, &unit.AttendanceThreshold, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	unit.CreatedAt = createdAt.Time

	if unit.EnrolledStudents, err = s.enrolledStudents(ctx, unit.ID); err != nil {
		return nil, err
	}
	if unit.SessionHistory, err = s.sessionHistory(ctx, unit.ID); err != nil {
		return nil, err
	}
	return unit, nil
}

func (s *Store) UnitByJoinCode(ctx context.Context, joinCode string) (*engine.Unit, error) {
	var unitID string
	row := s.Pool.QueryRow(ctx, `SELECT id FROM units WHERE join_code = $1`, joinCode)
	if err := row.Scan(&unitID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrUnitNotFound
		}
		return nil, err
	}
	return s.Unit(ctx, unitID)
}

func (s *Store) EnrollStudent(ctx context.Context, unitID, studentID string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO unit_students (unit_id, student_id, enrolled_at)
		VALUES ($1, $2, now())
	`, unitID, studentID)
	if isUniqueViolation(err) {
		return engine.ErrAlreadyEnrolled
	}
	if isForeignKeyViolation(err) {
		return engine.ErrUnitNotFound
	}
	return err
}

func (s *Store) CreateSession(ctx context.Context, session *engine.Session) error {
	lat, lng, radius := pgGeofence(session.Geofence)
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sessions (id, unit_id, active, end_time, geo_lat, geo_lng, geo_radius_m, current_pin, pin_issued_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, session.ID, session.UnitID, session.Active, pgTime(session.EndTime),
		lat, lng, radius, session.CurrentPIN, pgTime(session.PinIssuedAt), pgTime(session.CreatedAt))
	if isUniqueViolation(err) {
		return engine.ErrSessionActive
	}
	if isForeignKeyViolation(err) {
		return engine.ErrUnitNotFound
	}
	return err
}

func (s *Store) ActiveSession(ctx context.Context, unitID string) (*engine.Session, error) {
	row := s.Pool.QueryRow(ctx, sessionColumns+`WHERE unit_id = $1 AND active`, unitID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrNoActiveSession
	}
	return session, err
}

func (s *Store) Session(ctx context.Context, sessionID string) (*engine.Session, error) {
	row := s.Pool.QueryRow(ctx, sessionColumns+`WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrSessionNotFound
	}
	return session, err
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE sessions
		SET active = false,
		    closed_at = $1,
		    current_pin = '',
		    pin_issued_at = NULL,
		    geo_lat = NULL,
		    geo_lng = NULL,
		    geo_radius_m = NULL
		WHERE id = $2 AND active
	`, pgTime(closedAt), sessionID)
	return err
}

func (s *Store) SetSessionPin(ctx context.Context, sessionID, pin string, issuedAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE sessions
		SET current_pin = $1, pin_issued_at = $2
		WHERE id = $3 AND active
	`, pin, pgTime(issuedAt), sessionID)
	return err
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]engine.Session, error) {
	rows, err := s.Pool.Query(ctx, sessionColumns+`WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []engine.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *Store) InsertRecord(ctx context.Context, record *engine.AttendanceRecord) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO attendance_records (id, unit_id, session_id, student_id, method, device_fingerprint, duplicate_device, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, record.ID, record.UnitID, record.SessionID, record.StudentID,
		string(record.Method), record.DeviceFingerprint, record.DuplicateDevice, pgTime(record.RecordedAt))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RecordsBySession(ctx context.Context, sessionID string) ([]engine.AttendanceRecord, error) {
	rows, err := s.Pool.Query(ctx, recordColumns+`WHERE session_id = $1 ORDER BY recorded_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) RecordsByStudent(ctx context.Context, unitID, studentID string) ([]engine.AttendanceRecord, error) {
	rows, err := s.Pool.Query(ctx, recordColumns+`WHERE unit_id = $1 AND student_id = $2 ORDER BY recorded_at DESC`, unitID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) enrolledStudents(ctx context.Context, unitID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT student_id FROM unit_students
		WHERE unit_id = $1
		ORDER BY enrolled_at
	`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) sessionHistory(ctx context.Context, unitID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM sessions
		WHERE unit_id = $1
		ORDER BY created_at
	`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

const sessionColumns = `
	SELECT id, unit_id, active, end_time, geo_lat, geo_lng, geo_radius_m, current_pin, pin_issued_at, created_at, closed_at
	FROM sessions
`

const recordColumns = `
	SELECT id, unit_id, session_id, student_id, method, device_fingerprint, duplicate_device, recorded_at
	FROM attendance_records
`

func scanSession(row pgx.Row) (*engine.Session, error) {
	session := &engine.Session{}
	var lat, lng, radius pgtype.Float8
	var pinIssuedAt, createdAt, closedAt pgtype.Timestamptz
	err := row.Scan(
		&session.ID,
		&session.UnitID,
		&session.Active,
		&session.EndTime,
		&lat,
		&lng,
		&radius,
		&session.CurrentPIN,
		&pinIssuedAt,
		&createdAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid && radius.Valid {
		session.Geofence = &geo.Geofence{
			Center:       geo.Coordinate{Latitude: lat.Float64, Longitude: lng.Float64},
			RadiusMeters: radius.Float64,
		}
	}
	session.PinIssuedAt = pinIssuedAt.Time
	session.CreatedAt = createdAt.Time
	session.ClosedAt = closedAt.Time
	return session, nil
}

func scanRecords(rows pgx.Rows) ([]engine.AttendanceRecord, error) {
	var records []engine.AttendanceRecord
	for rows.Next() {
		var record engine.AttendanceRecord
		var method string
		var recordedAt pgtype.Timestamptz
		err := rows.Scan(
			&record.ID,
			&record.UnitID,
			&record.SessionID,
			&record.StudentID,
			&method,
			&record.DeviceFingerprint,
			&record.DuplicateDevice,
			&recordedAt,
		)
		if err != nil {
			return nil, err
		}
		record.Method = engine.Method(method)
		record.RecordedAt = recordedAt.Time
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func pgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func pgGeofence(fence *geo.Geofence) (lat, lng, radius pgtype.Float8) {
	if fence == nil {
		return
	}
	lat = pgtype.Float8{Float64: fence.Center.Latitude, Valid: true}
	lng = pgtype.Float8{Float64: fence.Center.Longitude, Valid: true}
	radius = pgtype.Float8{Float64: fence.RadiusMeters, Valid: true}
	return
}
