// Package idempotency deduplicates externally retried operations.
//
// A client that retries release_funds after a network blip must get the
// original outcome back, not a second wallet transaction. Records are
// keyed by the caller-supplied idempotency key and expire after a TTL.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

// DefaultTTL is how long a completed operation's result is replayed.
const DefaultTTL = 24 * time.Hour

// Record is one completed operation's stored outcome.
type Record struct {
	Key       string          `json:"key"`
	EscrowID  string          `json:"escrow_id"`
	Action    string          `json:"action"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Store persists idempotency records.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Check looks up a previous outcome for key. A hit for a different
// escrow or action is a client error, not a replay.
func Check(ctx context.Context, store Store, key, escrowID, action string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.EscrowID != escrowID || rec.Action != action {
		return nil, fmt.Errorf("%w: idempotency key reused for a different operation", escrowerr.ErrValidation)
	}
	return rec, nil
}

// Save stores the outcome of a completed operation under key.
func Save(ctx context.Context, store Store, key, escrowID, action string, result interface{}) error {
	if key == "" {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	now := time.Now()
	return store.Put(ctx, &Record{
		Key:       key,
		EscrowID:  escrowID,
		Action:    action,
		Result:    raw,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultTTL),
	})
}
