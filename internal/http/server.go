package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"attendsync/internal/auth"
	"attendsync/internal/config"
	"attendsync/internal/engine"
	"attendsync/internal/geo"
)

type Server struct {
	cfg      config.Config
	engine   *engine.Engine
	validate *validator.Validate
	registry *prometheus.Registry
	signIns  *prometheus.CounterVec
}

func NewServer(cfg config.Config, eng *engine.Engine) *Server {
	registry := prometheus.NewRegistry()
	signIns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendsync_sign_in_outcomes_total",
		Help: "Sign-in attempts by method and outcome.",
	}, []string{"method", "outcome"})
	registry.MustRegister(signIns)

	return &Server{
		cfg:      cfg,
		engine:   eng,
		validate: validator.New(),
		registry: registry,
		signIns:  signIns,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/units", s.handleCreateUnit)
		r.Post("/units/join", s.handleJoinUnit)
		r.Get("/units/{unitId}", s.handleGetUnit)

		r.Post("/units/{unitId}/session", s.handleStartSession)
		r.Delete("/units/{unitId}/session", s.handleEndSession)
		r.Get("/units/{unitId}/session", s.handleGetSession)
		r.Get("/units/{unitId}/session/qr", s.handleSessionQR)
		r.Get("/units/{unitId}/session/ledger", s.handleSessionLedger)

		r.Post("/units/{unitId}/sign-in", s.handleSignIn)
		r.Post("/units/{unitId}/sessions/{sessionId}/records/{studentId}", s.handleManualRecord)

		r.Get("/units/{unitId}/students/{studentId}/attendance", s.handleStudentAttendance)
		r.Get("/units/{unitId}/analytics", s.handleAnalytics)
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// requireOwner loads the unit and checks the caller is its owning lecturer.
func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request) (*engine.Unit, *auth.Claims, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return nil, nil, false
	}
	unit, err := s.engine.Unit(r.Context(), chi.URLParam(r, "unitId"))
	if err != nil {
		s.writeEngineError(w, err)
		return nil, nil, false
	}
	if claims.UserType != auth.UserTypeLecturer || unit.OwnerID != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, nil, false
	}
	return unit, claims, true
}

// Models

type geofencePayload struct {
	Latitude     float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude    float64 `json:"longitude" validate:"min=-180,max=180"`
	RadiusMeters float64 `json:"radiusMeters" validate:"gt=0"`
}

type createUnitRequest struct {
	Name                string `json:"name" validate:"required"`
	JoinCode            string `json:"joinCode" validate:"required"`
	AttendanceThreshold int    `json:"attendanceThreshold" validate:"min=0,max=100"`
}

type joinUnitRequest struct {
	JoinCode string `json:"joinCode" validate:"required"`
}

type startSessionRequest struct {
	DurationMinutes int              `json:"durationMinutes" validate:"required,gt=0"`
	Geofence        *geofencePayload `json:"geofence"`
}

type signInRequest struct {
	Method            string   `json:"method" validate:"required,oneof=qr_code location"`
	SessionID         string   `json:"sessionId"`
	PIN               string   `json:"pin"`
	Latitude          *float64 `json:"latitude"`
	Longitude         *float64 `json:"longitude"`
	DeviceFingerprint string   `json:"deviceFingerprint"`
}

type attendanceResponse struct {
	StudentID string                    `json:"studentId"`
	Rate      engine.Rate               `json:"rate"`
	Records   []engine.AttendanceRecord `json:"records"`
}

// Handlers

func (s *Server) handleCreateUnit(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != auth.UserTypeLecturer {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createUnitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	unit, err := s.engine.CreateUnit(r.Context(), engine.CreateUnitParams{
		Name:                req.Name,
		JoinCode:            req.JoinCode,
		OwnerID:             claims.UserID,
		AttendanceThreshold: req.AttendanceThreshold,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, unit)
}

func (s *Server) handleJoinUnit(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != auth.UserTypeStudent {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req joinUnitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	unit, err := s.engine.JoinUnit(r.Context(), req.JoinCode, claims.UserID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	unit, err := s.engine.Unit(r.Context(), chi.URLParam(r, "unitId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if unit.OwnerID != claims.UserID && !unit.Enrolled(claims.UserID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	unit, _, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	var fence *geo.Geofence
	if req.Geofence != nil {
		fence = &geo.Geofence{
			Center: geo.Coordinate{
				Latitude:  req.Geofence.Latitude,
				Longitude: req.Geofence.Longitude,
			},
			RadiusMeters: req.Geofence.RadiusMeters,
		}
	}

	state, err := s.engine.StartSession(r.Context(), unit.ID, req.DurationMinutes, fence)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	unit, _, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	if err := s.engine.EndSession(r.Context(), unit.ID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	unit, err := s.engine.Unit(r.Context(), chi.URLParam(r, "unitId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if unit.OwnerID != claims.UserID && !unit.Enrolled(claims.UserID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	state, err := s.engine.PublicState(r.Context(), unit.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no_active_session")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	unit, _, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	state, err := s.engine.PublicState(r.Context(), unit.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no_active_session")
		return
	}

	payload, err := json.Marshal(engine.QRPayload{UnitID: unit.ID, SessionID: state.SessionID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	size := s.cfg.QRCodeSize
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleSessionLedger(w http.ResponseWriter, r *http.Request) {
	unit, _, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	records, err := s.engine.SessionLedger(r.Context(), unit.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if records == nil {
		records = []engine.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != auth.UserTypeStudent {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	unitID := chi.URLParam(r, "unitId")

	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	var outcome engine.Outcome
	var err error
	switch engine.Method(req.Method) {
	case engine.MethodQRCode:
		if req.SessionID == "" || req.PIN == "" {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		outcome, err = s.engine.SignInByQR(r.Context(), unitID, engine.QRSignIn{
			SessionID:         req.SessionID,
			StudentID:         claims.UserID,
			PIN:               req.PIN,
			DeviceFingerprint: req.DeviceFingerprint,
		})
	case engine.MethodLocation:
		if req.Latitude == nil || req.Longitude == nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		outcome, err = s.engine.SignInByLocation(r.Context(), unitID, engine.LocationSignIn{
			StudentID:         claims.UserID,
			Location:          geo.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude},
			DeviceFingerprint: req.DeviceFingerprint,
		})
	default:
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.signIns.WithLabelValues(req.Method, string(outcome.Code)).Inc()
	writeJSON(w, outcomeStatus(outcome.Code), outcome)
}

func (s *Server) handleManualRecord(w http.ResponseWriter, r *http.Request) {
	unit, _, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	studentID := chi.URLParam(r, "studentId")

	outcome, err := s.engine.ManualSignIn(r.Context(), unit.ID, sessionID, studentID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.signIns.WithLabelValues(string(engine.MethodManual), string(outcome.Code)).Inc()
	writeJSON(w, outcomeStatus(outcome.Code), outcome)
}

func (s *Server) handleStudentAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	studentID := chi.URLParam(r, "studentId")
	unit, err := s.engine.Unit(r.Context(), chi.URLParam(r, "unitId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	isOwner := claims.UserType == auth.UserTypeLecturer && unit.OwnerID == claims.UserID
	if !isOwner && claims.UserID != studentID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if !unit.Enrolled(studentID) {
		writeError(w, http.StatusNotFound, "student_not_enrolled")
		return
	}

	rate, err := s.engine.AttendanceRate(r.Context(), unit.ID, studentID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	records, err := s.engine.RecordsForStudent(r.Context(), unit.ID, studentID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if records == nil {
		records = []engine.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, attendanceResponse{
		StudentID: studentID,
		Rate:      rate,
		Records:   records,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	unit, _, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	rates, err := s.engine.UnitAnalytics(r.Context(), unit.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if rates == nil {
		rates = []engine.StudentRate{}
	}
	writeJSON(w, http.StatusOK, rates)
}

// Mapping

func outcomeStatus(code engine.OutcomeCode) int {
	switch code {
	case engine.OutcomeSuccess:
		return http.StatusCreated
	case engine.OutcomeAlreadySignedIn:
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnitNotFound):
		writeError(w, http.StatusNotFound, "unit_not_found")
	case errors.Is(err, engine.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, engine.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, "no_active_session")
	case errors.Is(err, engine.ErrSessionActive):
		writeError(w, http.StatusConflict, "session_active")
	case errors.Is(err, engine.ErrJoinCodeTaken):
		writeError(w, http.StatusConflict, "join_code_taken")
	case errors.Is(err, engine.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, "already_enrolled")
	case errors.Is(err, engine.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "invalid_duration")
	case errors.Is(err, engine.ErrInvalidGeofence):
		writeError(w, http.StatusBadRequest, "invalid_geofence")
	case errors.Is(err, engine.ErrInvalidCoordinate):
		writeError(w, http.StatusBadRequest, "invalid_coordinate")
	case errors.Is(err, engine.ErrInvalidThreshold):
		writeError(w, http.StatusBadRequest, "invalid_threshold")
	case errors.Is(err, engine.ErrMissingField):
		writeError(w, http.StatusBadRequest, "missing_fields")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
