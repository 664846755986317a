package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a process-local core.LeaseLocker. Useful for tests and
// single-process deployments; multi-process clusters should use the sqlite
// lease table or an external lock service.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryLocker constructs an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), now: time.Now}
}

// Acquire implements core.LeaseLocker. Expired leases are treated as free.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, held := l.leases[key]; held && l.now().Before(until) {
		return false, nil
	}
	l.leases[key] = l.now().Add(ttl)
	return true, nil
}

// Release implements core.LeaseLocker. Releasing an unheld key is a no-op.
func (l *MemoryLocker) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}
