// Package lease provides the cross-process mutual exclusion marker that keeps
// at most one full reindex running. Leases expire, so a crashed holder never
// blocks later runs for longer than its TTL.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned by Acquire when another owner holds the lease.
var ErrHeld = errors.New("lease is held by another owner")

// ErrLost is returned by Refresh when the lease expired or was taken over.
var ErrLost = errors.New("lease was lost")

// Locker hands out a single named lease.
type Locker interface {
	// Acquire takes the lease for ttl without blocking.
	Acquire(ctx context.Context, ttl time.Duration) (Lease, error)
}

// Lease is a held lease.
type Lease interface {
	// Token identifies this holder.
	Token() string
	// Refresh extends the lease by its TTL.
	Refresh(ctx context.Context) error
	// Release gives the lease up. Releasing a lost lease is not an error.
	Release(ctx context.Context) error
}

// KeepAlive refreshes l every ttl/3 until ctx is done. It calls lost and
// returns when a refresh fails with ErrLost.
func KeepAlive(ctx context.Context, l Lease, ttl time.Duration, lost func(error)) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if errors.Is(err, ErrLost) {
					lost(err)
					return
				}
				// A transient refresh error is retried on the next tick
			}
		}
	}
}
