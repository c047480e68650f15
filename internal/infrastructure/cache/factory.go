package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/fiscalsync/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lock is implemented by RedisLock and InMemoryLock
type Lock interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
	Close() error
}

// LockFactory creates sweep locks based on configuration
type LockFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	pingTimeout           time.Duration
}

// LockFactoryOption is a functional option for configuring the factory
type LockFactoryOption func(*LockFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) LockFactoryOption {
	return func(f *LockFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to an in-memory lock when Redis is unavailable.
// Default is true.
func WithInMemoryFallback(allow bool) LockFactoryOption {
	return func(f *LockFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewLockFactory creates a new factory
func NewLockFactory(cfg config.RedisConfig, opts ...LockFactoryOption) *LockFactory {
	f := &LockFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
		pingTimeout:           5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateRedisLock connects to Redis and returns a lock bound to it
func (f *LockFactory) CreateRedisLock(ctx context.Context) (*RedisLock, error) {
	addr := f.redisConfig.RedisAddr()
	if addr == "" {
		return nil, fmt.Errorf("redis host not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, f.pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisLock(client, ""), nil
}

// CreateLock returns a Redis lock, or an in-memory lock when Redis is unavailable
// and fallback is allowed
func (f *LockFactory) CreateLock(ctx context.Context) (Lock, error) {
	lock, err := f.CreateRedisLock(ctx)
	if err == nil {
		f.logger.Info("using Redis sweep lock", zap.String("addr", f.redisConfig.RedisAddr()))
		return lock, nil
	}
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for sweep lock but unavailable: %w", err)
	}
	f.logger.Warn("Redis unavailable, falling back to in-memory sweep lock. "+
		"Replicas will not coordinate sweeps.",
		zap.Error(err),
	)
	return NewInMemoryLock(), nil
}
