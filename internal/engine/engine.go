package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPinRotationInterval = 15 * time.Second

type Options struct {
	// PinRotationInterval defaults to 15 seconds.
	PinRotationInterval time.Duration
}

// Engine is the attendance session engine. Safe for concurrent use; the only
// internal shared state is the rotator bookkeeping, everything else lives in
// the Store.
type Engine struct {
	store       Store
	devices     DeviceIndex
	pinInterval time.Duration
	now         func() time.Time

	mu       sync.Mutex
	rotators map[string]context.CancelFunc
}

func New(store Store, devices DeviceIndex, opts Options) *Engine {
	if devices == nil {
		devices = NewMemoryDeviceIndex()
	}
	interval := opts.PinRotationInterval
	if interval <= 0 {
		interval = defaultPinRotationInterval
	}
	return &Engine{
		store:       store,
		devices:     devices,
		pinInterval: interval,
		now:         func() time.Time { return time.Now().UTC() },
		rotators:    make(map[string]context.CancelFunc),
	}
}

// Close stops all PIN rotators. Sessions stay open in the store; a restarted
// engine picks them back up via ResumeSessions.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cancel := range e.rotators {
		cancel()
		delete(e.rotators, id)
	}
}

type CreateUnitParams struct {
	Name                string
	JoinCode            string
	OwnerID             string
	AttendanceThreshold int
}

func (e *Engine) CreateUnit(ctx context.Context, params CreateUnitParams) (*Unit, error) {
	if strings.TrimSpace(params.Name) == "" || strings.TrimSpace(params.JoinCode) == "" || strings.TrimSpace(params.OwnerID) == "" {
		return nil, ErrMissingField
	}
	if params.AttendanceThreshold < 0 || params.AttendanceThreshold > 100 {
		return nil, ErrInvalidThreshold
	}
	unit := &Unit{
		ID:                  uuid.NewString(),
		Name:                params.Name,
		JoinCode:            params.JoinCode,
		OwnerID:             params.OwnerID,
		AttendanceThreshold: params.AttendanceThreshold,
		CreatedAt:           e.now(),
	}
	if err := e.store.CreateUnit(ctx, unit); err != nil {
		return nil, err
	}
	return unit, nil
}

func (e *Engine) Unit(ctx context.Context, unitID string) (*Unit, error) {
	return e.store.Unit(ctx, unitID)
}

// JoinUnit enrolls the student in the unit identified by joinCode.
func (e *Engine) JoinUnit(ctx context.Context, joinCode, studentID string) (*Unit, error) {
	if strings.TrimSpace(joinCode) == "" || strings.TrimSpace(studentID) == "" {
		return nil, ErrMissingField
	}
	unit, err := e.store.UnitByJoinCode(ctx, joinCode)
	if err != nil {
		return nil, err
	}
	if err := e.store.EnrollStudent(ctx, unit.ID, studentID); err != nil {
		return nil, err
	}
	return e.store.Unit(ctx, unit.ID)
}
