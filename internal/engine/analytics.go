package engine

import (
	"context"
	"math"
)

// AttendanceRate computes the student's attendance percentage over the
// unit's full session history: distinct attended sessions over all sessions
// ever held, 0% when the unit has held none.
func (e *Engine) AttendanceRate(ctx context.Context, unitID, studentID string) (Rate, error) {
	unit, err := e.store.Unit(ctx, unitID)
	if err != nil {
		return Rate{}, err
	}
	return e.rateForStudent(ctx, unit, studentID)
}

// UnitAnalytics computes rates for the whole roster, in roster order.
func (e *Engine) UnitAnalytics(ctx context.Context, unitID string) ([]StudentRate, error) {
	unit, err := e.store.Unit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	rates := make([]StudentRate, 0, len(unit.EnrolledStudents))
	for _, studentID := range unit.EnrolledStudents {
		rate, err := e.rateForStudent(ctx, unit, studentID)
		if err != nil {
			return nil, err
		}
		rates = append(rates, StudentRate{StudentID: studentID, Rate: rate})
	}
	return rates, nil
}

func (e *Engine) rateForStudent(ctx context.Context, unit *Unit, studentID string) (Rate, error) {
	records, err := e.store.RecordsByStudent(ctx, unit.ID, studentID)
	if err != nil {
		return Rate{}, err
	}

	history := make(map[string]struct{}, len(unit.SessionHistory))
	for _, sessionID := range unit.SessionHistory {
		history[sessionID] = struct{}{}
	}
	attended := make(map[string]struct{})
	for _, record := range records {
		if _, inHistory := history[record.SessionID]; inHistory {
			attended[record.SessionID] = struct{}{}
		}
	}

	rate := Rate{
		AttendedCount: len(attended),
		TotalSessions: len(unit.SessionHistory),
	}
	if rate.TotalSessions > 0 {
		rate.Percentage = int(math.Round(100 * float64(rate.AttendedCount) / float64(rate.TotalSessions)))
	}
	rate.AtRisk = rate.Percentage < unit.AttendanceThreshold
	return rate, nil
}
