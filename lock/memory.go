package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	value   string
	expires time.Time
}

// MemoryLocker is a process-local Locker with the same lease semantics as RedisLocker.
type MemoryLocker struct {
	mu            sync.Mutex
	held          map[string]entry
	retryInterval time.Duration
}

// NewMemoryLocker creates a process-local locker.
func NewMemoryLocker(retryInterval time.Duration) *MemoryLocker {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Millisecond
	}
	return &MemoryLocker{held: make(map[string]entry), retryInterval: retryInterval}
}

// TryLock acquires key, retrying until wait elapses. Expired leases are taken over.
func (l *MemoryLocker) TryLock(ctx context.Context, key string, wait, lease time.Duration) (Token, bool, error) {
	tok := Token{Key: key, Value: uuid.NewString()}
	ok, err := poll(ctx, wait, l.retryInterval, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := time.Now()
		if e, exists := l.held[key]; exists && now.Before(e.expires) {
			return false, nil
		}
		l.held[key] = entry{value: tok.Value, expires: now.Add(lease)}
		return true, nil
	})
	if err != nil || !ok {
		return Token{}, false, err
	}
	return tok, true, nil
}

// Unlock releases the lock if tok still owns it.
func (l *MemoryLocker) Unlock(_ context.Context, tok Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, exists := l.held[tok.Key]
	if !exists || e.value != tok.Value || time.Now().After(e.expires) {
		return fmt.Errorf("%w: %s", ErrNotHeld, tok.Key)
	}
	delete(l.held, tok.Key)
	return nil
}
