package distlock

import (
	"context"
	"time"
)

// DistLock guards singleton background work (the orphan retry poller) across
// processes. Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
	// Extend renews the lease for work that outlasts the original TTL.
	Extend(ctx context.Context, ttl time.Duration) error
}
