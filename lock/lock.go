package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotHeld is returned by Unlock when the token no longer owns the key.
	ErrNotHeld = errors.New("lock not held")
)

// Token is the handle of an acquired lock. It is passed back to Unlock
// instead of being tracked by the locker.
type Token struct {
	Key   string
	Value string
}

// Locker is a mutual exclusion provider with bounded wait and lease.
type Locker interface {
	// TryLock waits up to wait for key. The lock expires after lease.
	// ok is false when the wait elapsed without acquiring.
	TryLock(ctx context.Context, key string, wait, lease time.Duration) (tok Token, ok bool, err error)
	Unlock(ctx context.Context, tok Token) error
}

// ExecuteWithLock runs fn while holding key. When the lock cannot be acquired
// within wait, fn is not run and acquired is false.
func ExecuteWithLock[T any](ctx context.Context, l Locker, key string, wait, lease time.Duration, fn func(context.Context) (T, error)) (result T, acquired bool, err error) {
	tok, ok, err := l.TryLock(ctx, key, wait, lease)
	if err != nil || !ok {
		return result, false, err
	}
	defer func() {
		if uerr := l.Unlock(context.WithoutCancel(ctx), tok); uerr != nil && err == nil && !errors.Is(uerr, ErrNotHeld) {
			err = uerr
		}
	}()
	result, err = fn(ctx)
	return result, true, err
}

// poll retries attempt every interval until it succeeds, fails, or wait elapses.
func poll(ctx context.Context, wait, interval time.Duration, attempt func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := attempt()
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if interval > remaining {
			interval = remaining
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}
