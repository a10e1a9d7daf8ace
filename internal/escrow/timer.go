package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps escrow maintenance work: abandoned
// initializations, stalled settlements, and locks held for escrows that
// have since finished.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	// a settlement older than this with no recorded transaction is
	// assumed to be a crash leftover
	stallAfter time.Duration
}

// NewTimer creates the escrow maintenance timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:    service,
		store:      store,
		interval:   time.Minute,
		stallAfter: 10 * time.Minute,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the maintenance loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the maintenance loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow maintenance timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	t.failAbandonedInits(ctx)
	t.flagStalledSettlements(ctx)
	t.cleanupTerminalLocks(ctx)
}

// failAbandonedInits finishes off escrows whose ceremony died and was
// never retried. The escrow row, its wallet session, and its checkpoints
// would otherwise linger until the session TTL with no operation able to
// reach them (a fresh init always mints a new id).
func (t *Timer) failAbandonedInits(ctx context.Context) {
	cutoff := time.Now().Add(-t.stallAfter)
	escrows, err := t.store.ListByStatus(ctx, StatusInitialized, 100)
	if err != nil {
		t.logger.Warn("failed to list initialized escrows", "error", err)
		return
	}
	for _, e := range escrows {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		// a held lock means the init (or a retry) is still in flight
		unlock, ok := t.service.locks.TryAcquire(e.ID)
		if !ok {
			continue
		}
		t.service.markFailed(ctx, e.ID, "system", "initialization abandoned")
		t.service.closeTerminal(ctx, e.ID)
		unlock()

		t.logger.Warn("failed abandoned escrow", "escrowId", e.ID, "updatedAt", e.UpdatedAt)
		if cur, err := t.store.Get(ctx, e.ID); err == nil {
			t.service.publish("escrow.failed", cur)
		}
	}
}

// flagStalledSettlements surfaces escrows stuck mid-release or
// mid-refund. The operation is resumed by the client retrying with the
// same idempotency key; the timer only makes the stall visible.
func (t *Timer) flagStalledSettlements(ctx context.Context) {
	cutoff := time.Now().Add(-t.stallAfter)
	for _, status := range []Status{StatusReleasing, StatusRefunding} {
		escrows, err := t.store.ListByStatus(ctx, status, 100)
		if err != nil {
			t.logger.Warn("failed to list settling escrows", "status", status, "error", err)
			continue
		}
		for _, e := range escrows {
			if e.TxHash != "" || e.UpdatedAt.After(cutoff) {
				continue
			}
			// a held lock means a retry is driving this settlement now
			if unlock, ok := t.service.locks.TryAcquire(e.ID); ok {
				unlock()
			} else {
				continue
			}
			t.logger.Warn("settlement stalled with no recorded transaction",
				"escrowId", e.ID, "status", e.Status, "updatedAt", e.UpdatedAt)
			t.service.publish("escrow.stalled", e)
		}
	}
}

// cleanupTerminalLocks drops registry locks for finished escrows.
func (t *Timer) cleanupTerminalLocks(ctx context.Context) {
	var ids []string
	for _, status := range []Status{StatusCompleted, StatusRefunded, StatusCancelled, StatusFailed} {
		escrows, err := t.store.ListByStatus(ctx, status, 200)
		if err != nil {
			continue
		}
		for _, e := range escrows {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if n := t.service.CleanupCompletedLocks(ctx, ids); n > 0 {
		t.logger.Debug("cleaned up locks for terminal escrows", "count", n)
	}
}
