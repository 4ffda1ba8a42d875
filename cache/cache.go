package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-flow/lock"
	"go.uber.org/zap"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache stores JSON encoded values with a time to live.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Evict(ctx context.Context, key string) error
}

// Aside configures cache-aside reads guarded by a lock.
type Aside struct {
	Cache  Cache
	Locker lock.Locker
	TTL    time.Duration
	Wait   time.Duration
	Lease  time.Duration
	Logger *zap.Logger
	// Observe is called with true on a hit and false on a miss.
	Observe func(hit bool)
}

func (a *Aside) observe(hit bool) {
	if a.Observe != nil {
		a.Observe(hit)
	}
}

func (a *Aside) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// GetWithLock returns the cached value for key or loads and caches it.
// Only one caller loads a missing key; the others re-check the cache after
// the lock is released. If the lock times out or the locker fails the value
// is loaded directly without populating the cache.
func GetWithLock[T any](ctx context.Context, a *Aside, key string, load func(context.Context) (T, error)) (T, error) {
	var v T
	if err := a.Cache.Get(ctx, key, &v); err == nil {
		a.observe(true)
		return v, nil
	} else if !errors.Is(err, ErrMiss) {
		a.logger().Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	a.observe(false)

	if a.Locker == nil {
		return loadAndSet(ctx, a, key, load)
	}

	v, acquired, err := lock.ExecuteWithLock(ctx, a.Locker, "cache:"+key, a.Wait, a.Lease, func(ctx context.Context) (T, error) {
		var cached T
		if err := a.Cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		}
		return loadAndSet(ctx, a, key, load)
	})
	if acquired {
		return v, err
	}
	if err != nil {
		if ctx.Err() != nil {
			return v, ctx.Err()
		}
		a.logger().Warn("cache lock failed, loading directly", zap.String("key", key), zap.Error(err))
	} else {
		a.logger().Warn("cache lock timeout, loading directly", zap.String("key", key))
	}
	return load(ctx)
}

func loadAndSet[T any](ctx context.Context, a *Aside, key string, load func(context.Context) (T, error)) (T, error) {
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if err := a.Cache.Set(ctx, key, v, a.TTL); err != nil {
		a.logger().Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// DefinitionKey is the cache key of a flow definition.
func DefinitionKey(id uint64) string {
	return fmt.Sprintf("flowdef:%d", id)
}

// InstanceKey is the cache key of a flow instance.
func InstanceKey(id uint64) string {
	return fmt.Sprintf("instance:%d", id)
}
