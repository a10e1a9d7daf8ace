// Package lockreg provides per-escrow exclusive locks with bounded acquisition.
//
// Every mutating escrow operation must hold the escrow's lock before
// touching wallet state or the escrow's database row. Locks are created
// lazily on first use and removed via CleanupCompleted once the escrow
// reaches a terminal state, so the registry does not grow without bound.
package lockreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// against a timeout without holding any goroutine hostage.
type chanMutex struct {
	ch chan struct{}
	// waiters counts goroutines currently inside Acquire or TryAcquire
	// for this mutex. Guarded by the registry mutex. Cleanup must not
	// touch the token channel while any waiter could receive from it.
	waiters int
}

func newChanMutex() *chanMutex {
	m := &chanMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{} // Start unlocked.
	return m
}

// Registry holds one exclusive lock per escrow id.
type Registry struct {
	mu      sync.Mutex
	locks   map[string]*chanMutex
	timeout time.Duration
}

// New creates a lock registry. timeout bounds every acquisition; operations
// that cannot get the lock in time fail with ErrLockTimeout instead of
// piling up behind a stuck holder.
func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		locks:   make(map[string]*chanMutex),
		timeout: timeout,
	}
}

// checkout returns (creating if absent) the lock for an escrow id and
// registers the caller as a waiter on it. Pair with checkin.
func (r *Registry) checkout(escrowID string) *chanMutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.locks[escrowID]
	if !ok {
		m = newChanMutex()
		r.locks[escrowID] = m
	}
	m.waiters++
	return m
}

func (r *Registry) checkin(m *chanMutex) {
	r.mu.Lock()
	m.waiters--
	r.mu.Unlock()
}

// Acquire takes the exclusive lock for escrowID. On success it returns an
// unlock function the caller MUST invoke. Acquisition is bounded by the
// registry timeout and by ctx; exceeding either fails with ErrLockTimeout
// or the context error respectively.
func (r *Registry) Acquire(ctx context.Context, escrowID string) (func(), error) {
	m := r.checkout(escrowID)
	defer r.checkin(m)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: escrow %s held for more than %s", escrowerr.ErrLockTimeout, escrowID, r.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock only if it is immediately free.
func (r *Registry) TryAcquire(escrowID string) (func(), bool) {
	m := r.checkout(escrowID)
	defer r.checkin(m)
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

// CleanupCompleted removes locks for escrows in terminal states. A lock
// currently held is left in place; the holder still owns a valid unlock
// function, and the entry will be collected on a later sweep.
func (r *Registry) CleanupCompleted(escrowIDs []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, id := range escrowIDs {
		m, ok := r.locks[id]
		if !ok {
			continue
		}
		// A pending Acquire races for the same token the drain below
		// would consume; stealing it would turn a free lock into a
		// spurious timeout for that waiter. New waiters cannot appear
		// while the registry mutex is held.
		if m.waiters > 0 {
			continue
		}
		select {
		case <-m.ch:
			// Lock was free; safe to drop the entry.
			delete(r.locks, id)
			removed++
		default:
			// Still held: skip.
		}
	}
	return removed
}

// Len returns the number of tracked locks, for stats and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
