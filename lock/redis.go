package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	retryInterval time.Duration
}

// NewRedisLocker creates a locker. Keys are stored as prefix+key.
func NewRedisLocker(client *redis.Client, prefix string, retryInterval time.Duration) *RedisLocker {
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: prefix, retryInterval: retryInterval}
}

// TryLock acquires key, retrying until wait elapses.
func (l *RedisLocker) TryLock(ctx context.Context, key string, wait, lease time.Duration) (Token, bool, error) {
	tok := Token{Key: l.prefix + key, Value: uuid.NewString()}
	ok, err := poll(ctx, wait, l.retryInterval, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, tok.Key, tok.Value, lease).Result()
		if err != nil {
			return false, fmt.Errorf("failed to acquire %s: %w", tok.Key, err)
		}
		return ok, nil
	})
	if err != nil || !ok {
		return Token{}, false, err
	}
	return tok, true, nil
}

// Unlock releases the lock if tok still owns it.
func (l *RedisLocker) Unlock(ctx context.Context, tok Token) error {
	n, err := releaseScript.Run(ctx, l.client, []string{tok.Key}, tok.Value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", tok.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, tok.Key)
	}
	return nil
}
