package lockreg

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

func TestAcquireRelease(t *testing.T) {
	r := New(time.Second)
	unlock, err := r.Acquire(context.Background(), "esc_1")
	require.NoError(t, err)
	unlock()

	unlock, err = r.Acquire(context.Background(), "esc_1")
	require.NoError(t, err)
	unlock()
}

func TestSameEscrowSerializes(t *testing.T) {
	r := New(5 * time.Second)
	var inCritical atomic.Int32
	var maxSeen atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := r.Acquire(context.Background(), "esc_shared")
			if err != nil {
				t.Error(err)
				return
			}
			n := inCritical.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "at most one holder at any instant")
}

func TestDistinctEscrowsDoNotBlock(t *testing.T) {
	r := New(100 * time.Millisecond)

	unlockA, err := r.Acquire(context.Background(), "esc_a")
	require.NoError(t, err)
	defer unlockA()

	// A held lock on esc_a must not delay esc_b at all.
	start := time.Now()
	unlockB, err := r.Acquire(context.Background(), "esc_b")
	require.NoError(t, err)
	unlockB()
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireTimesOut(t *testing.T) {
	r := New(50 * time.Millisecond)

	unlock, err := r.Acquire(context.Background(), "esc_1")
	require.NoError(t, err)

	_, err = r.Acquire(context.Background(), "esc_1")
	assert.ErrorIs(t, err, escrowerr.ErrLockTimeout)

	// After release the lock is acquirable again, not poisoned.
	unlock()
	unlock2, err := r.Acquire(context.Background(), "esc_1")
	require.NoError(t, err)
	unlock2()
}

func TestAcquireHonorsContext(t *testing.T) {
	r := New(10 * time.Second)

	unlock, err := r.Acquire(context.Background(), "esc_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = r.Acquire(ctx, "esc_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockedAcquireProceedsOnRelease(t *testing.T) {
	r := New(5 * time.Second)

	unlock, err := r.Acquire(context.Background(), "esc_1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := r.Acquire(context.Background(), "esc_1")
		if err == nil {
			u()
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while still held")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("blocked acquire never proceeded after release")
	}
}

func TestTryAcquire(t *testing.T) {
	r := New(time.Second)

	unlock, ok := r.TryAcquire("esc_1")
	require.True(t, ok)

	_, ok = r.TryAcquire("esc_1")
	assert.False(t, ok)

	unlock()
	unlock2, ok := r.TryAcquire("esc_1")
	assert.True(t, ok)
	unlock2()
}

func TestCleanupCompleted(t *testing.T) {
	r := New(time.Second)

	for _, id := range []string{"esc_1", "esc_2", "esc_3"} {
		unlock, err := r.Acquire(context.Background(), id)
		require.NoError(t, err)
		unlock()
	}
	require.Equal(t, 3, r.Len())

	removed := r.CleanupCompleted([]string{"esc_1", "esc_2", "esc_missing"})
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, r.Len())
}

func TestCleanupNeverStarvesPendingAcquire(t *testing.T) {
	r := New(200 * time.Millisecond)

	unlock, err := r.Acquire(context.Background(), "esc_1")
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		u, err := r.Acquire(context.Background(), "esc_1")
		if err == nil {
			u()
		}
		acquired <- err
	}()

	// let the second acquire block, then release while sweeping hard;
	// the sweep must not consume the token the waiter is owed
	time.Sleep(20 * time.Millisecond)
	unlock()
	for i := 0; i < 100; i++ {
		r.CleanupCompleted([]string{"esc_1"})
	}

	require.NoError(t, <-acquired)

	// once no waiter remains the entry is collectable again
	r.CleanupCompleted([]string{"esc_1"})
	assert.Equal(t, 0, r.Len())
}

func TestCleanupSkipsHeldLocks(t *testing.T) {
	r := New(time.Second)

	unlock, err := r.Acquire(context.Background(), "esc_held")
	require.NoError(t, err)

	removed := r.CleanupCompleted([]string{"esc_held"})
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, r.Len())

	// Holder's unlock still works after the skipped cleanup.
	unlock()
	u, err := r.Acquire(context.Background(), "esc_held")
	require.NoError(t, err)
	u()
}
