package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

func TestCheckMissReturnsNil(t *testing.T) {
	store := NewMemoryStore()

	rec, err := Check(context.Background(), store, "key-1", "esc_1", "release_funds")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSaveThenCheckReplaysResult(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	type result struct {
		TxHash string `json:"tx_hash"`
	}
	require.NoError(t, Save(ctx, store, "key-1", "esc_1", "release_funds", result{TxHash: "abc123"}))

	rec, err := Check(ctx, store, "key-1", "esc_1", "release_funds")
	require.NoError(t, err)
	require.NotNil(t, rec)

	var got result
	require.NoError(t, json.Unmarshal(rec.Result, &got))
	assert.Equal(t, "abc123", got.TxHash)
}

func TestCheckRejectsKeyReuse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, Save(ctx, store, "key-1", "esc_1", "release_funds", map[string]string{"ok": "yes"}))

	_, err := Check(ctx, store, "key-1", "esc_2", "release_funds")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))

	_, err = Check(ctx, store, "key-1", "esc_1", "refund_funds")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))
}

func TestEmptyKeyIsNoop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := Check(ctx, store, "", "esc_1", "release_funds")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, Save(ctx, store, "", "esc_1", "release_funds", nil))
	got, err := store.Get(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Put(ctx, &Record{
		Key: "old", EscrowID: "esc_1", Action: "release_funds",
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))
	require.NoError(t, store.Put(ctx, &Record{
		Key: "fresh", EscrowID: "esc_2", Action: "release_funds",
		CreatedAt: now, ExpiresAt: now.Add(DefaultTTL),
	}))

	// expired records never replay even before the sweep
	rec, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
