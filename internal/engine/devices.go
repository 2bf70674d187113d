package engine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const deviceKeyPrefix = "session_devices:"

// RedisDeviceIndex keeps the per-session fingerprint index in redis so
// duplicate-device flagging survives process restarts and works across
// engine instances. Keys expire on their own once the session is long over.
type RedisDeviceIndex struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeviceIndex(client *redis.Client, ttl time.Duration) *RedisDeviceIndex {
	return &RedisDeviceIndex{client: client, ttl: ttl}
}

func (r *RedisDeviceIndex) MarkUsed(ctx context.Context, sessionID, fingerprint string) (bool, error) {
	first, err := r.client.SetNX(ctx, deviceKey(sessionID, fingerprint), "1", r.ttl).Result()
	if err != nil {
		return false, err
	}
	return first, nil
}

func (r *RedisDeviceIndex) WasUsed(ctx context.Context, sessionID, fingerprint string) (bool, error) {
	count, err := r.client.Exists(ctx, deviceKey(sessionID, fingerprint)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Fingerprints come from clients and can be arbitrarily long; hash them into
// a fixed-size key component.
func deviceKey(sessionID, fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return fmt.Sprintf("%s%s:%s", deviceKeyPrefix, sessionID, base64.RawURLEncoding.EncodeToString(sum[:]))
}

// MemoryDeviceIndex is the in-process fallback used when redis is not
// configured, and in tests.
type MemoryDeviceIndex struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeviceIndex() *MemoryDeviceIndex {
	return &MemoryDeviceIndex{seen: make(map[string]struct{})}
}

func (m *MemoryDeviceIndex) MarkUsed(_ context.Context, sessionID, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey(sessionID, fingerprint)
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

func (m *MemoryDeviceIndex) WasUsed(_ context.Context, sessionID, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[deviceKey(sessionID, fingerprint)]
	return ok, nil
}
