package engine

import (
	"context"
	"crypto/rand"
	"log"
	"math/big"
	"strconv"
	"time"
)

// GeneratePIN returns a uniformly random 4-digit PIN in 1000–9999. Each PIN
// is independent of the previous ones; validation only ever compares against
// the current PIN, so collisions across rotations are harmless.
func GeneratePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+1000, 10), nil
}

// startRotator schedules PIN regeneration for the session until stopRotator
// cancels it. Idempotent per session id.
func (e *Engine) startRotator(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.rotators[sessionID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.rotators[sessionID] = cancel
	go e.rotatePin(ctx, sessionID)
}

func (e *Engine) stopRotator(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, running := e.rotators[sessionID]; running {
		cancel()
		delete(e.rotators, sessionID)
	}
}

func (e *Engine) rotatePin(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(e.pinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pin, err := GeneratePIN()
			if err != nil {
				log.Printf("pin generation failed for session %s: %v", sessionID, err)
				continue
			}
			if err := e.store.SetSessionPin(ctx, sessionID, pin, e.now()); err != nil {
				log.Printf("pin rotation failed for session %s: %v", sessionID, err)
			}
		}
	}
}
