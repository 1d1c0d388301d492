// Package lock provides leases that keep a single eviction run active across
// processes sharing one bucket.
package lock

import (
	"context"
	"time"
)

// Lease is a held lock.
type Lease interface {
	// Unlock releases the lease. Releasing an expired lease is not an error.
	Unlock(ctx context.Context) error
}

// Locker hands out non-blocking leases on named keys.
type Locker interface {
	// TryLock acquires key for at most ttl. ok is false when another holder
	// owns the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}
