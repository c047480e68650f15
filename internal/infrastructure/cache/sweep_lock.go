package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned by Release when the token no longer owns the key
var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the key only if it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a single-key mutual exclusion lock shared across replicas.
// Acquire uses SET NX PX so an abandoned lock expires on its own.
type RedisLock struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLock creates a lock on an existing client
func NewRedisLock(client redis.UniversalClient, keyPrefix string) *RedisLock {
	if keyPrefix == "" {
		keyPrefix = "fiscalsync:lock:"
	}
	return &RedisLock{client: client, keyPrefix: keyPrefix}
}

// TryAcquire sets key if absent. It returns the ownership token and true on success,
// or false when another holder owns the key.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops key if token still owns it
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.keyPrefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Close closes the underlying client
func (l *RedisLock) Close() error {
	return l.client.Close()
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// InMemoryLock is the single-process fallback for RedisLock.
// It does not coordinate across replicas.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

// NewInMemoryLock creates an empty in-process lock table
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{locks: make(map[string]lockEntry), now: time.Now}
}

func (l *InMemoryLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *InMemoryLock) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok || e.token != token {
		return ErrLockNotHeld
	}
	delete(l.locks, key)
	return nil
}

func (l *InMemoryLock) Close() error {
	return nil
}
