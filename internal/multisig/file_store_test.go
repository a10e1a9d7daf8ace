package multisig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

func checkpoint(escrowID string, state State, round int) *RoundState {
	return &RoundState{
		EscrowID:  escrowID,
		State:     state,
		Round:     round,
		Threshold: 2,
		Blobs:     map[string]string{"buyer": "MultisigV1abc"},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, checkpoint("esc_1", StateRound1Prepared, 1)))

	st, err := store.Load(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StateRound1Prepared, st.State)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, "MultisigV1abc", st.Blobs["buyer"])
}

func TestFileStoreLoadNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "esc_missing")
	assert.True(t, errors.Is(err, escrowerr.ErrNotFound))
}

func TestFileStoreSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, checkpoint("esc_1", StateRound1Prepared, 1)))
	require.NoError(t, store.Save(ctx, checkpoint("esc_1", StateRound2Made, 2)))

	st, err := store.Load(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StateRound2Made, st.State)

	// no temp files left behind after the rename
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "esc_1.json", entries[0].Name())
}

func TestFileStorePurge(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, checkpoint("esc_1", StateReady, 3)))
	require.NoError(t, store.Purge(ctx, "esc_1"))
	require.NoError(t, store.Purge(ctx, "esc_1")) // idempotent

	_, err = store.Load(ctx, "esc_1")
	assert.True(t, errors.Is(err, escrowerr.ErrNotFound))
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Save(ctx, checkpoint("../evil", StateReady, 3))
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "evil.json"))

	_, err = store.Load(ctx, "")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))
}
