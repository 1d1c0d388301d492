package lock

import (
	"context"
	"sync"
	"time"
)

// MemLocker is an in-process Locker. It only excludes callers sharing the
// same instance and is used in tests and single-process setups.
type MemLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemLocker() *MemLocker {
	return &MemLocker{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (m *MemLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.held[key]; ok && (until.IsZero() || now.Before(until)) {
		return nil, false, nil
	}
	var until time.Time
	if ttl > 0 {
		until = now.Add(ttl)
	}
	m.held[key] = until
	return &memLease{m: m, key: key, until: until}, true, nil
}

type memLease struct {
	m     *MemLocker
	key   string
	until time.Time
}

func (l *memLease) Unlock(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if until, ok := l.m.held[l.key]; ok && until.Equal(l.until) {
		delete(l.m.held, l.key)
	}
	return nil
}
