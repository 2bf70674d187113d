// Package jobs holds the background maintenance loops.
package jobs

import (
	"context"
	"log"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/engine"
)

// StartSessionExpiryJob periodically closes sessions whose deadline passed
// without any request touching them. The lazy check on the request path is
// the authority; this loop just keeps the store tidy during quiet periods.
func StartSessionExpiryJob(ctx context.Context, cfg config.Config, eng *engine.Engine) {
	if !cfg.ExpiryJobEnabled {
		return
	}
	interval := cfg.ExpiryJobInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.ExpiryJobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				closed, err := eng.ExpireOverdue(tickCtx)
				cancel()
				if err != nil {
					log.Printf("session expiry job error: %v", err)
					continue
				}
				if closed > 0 {
					log.Printf("session expiry job closed %d sessions", closed)
				}
			}
		}
	}()
}
