package multisig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

// FileStore keeps one JSON checkpoint file per escrow. Saves go through
// a temp file and an atomic rename, so the previous checkpoint survives
// a crash mid-write.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(escrowID string) (string, error) {
	if escrowID == "" || strings.ContainsAny(escrowID, "/\\") {
		return "", fmt.Errorf("%w: bad escrow id for checkpoint path", escrowerr.ErrValidation)
	}
	return filepath.Join(f.dir, escrowID+".json"), nil
}

func (f *FileStore) Save(ctx context.Context, state *RoundState) error {
	dest, err := f.path(state.EscrowID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint for escrow %s: %w", state.EscrowID, err)
	}

	tmp, err := os.CreateTemp(f.dir, state.EscrowID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("replace checkpoint for escrow %s: %w", state.EscrowID, err)
	}
	return nil
}

func (f *FileStore) Load(ctx context.Context, escrowID string) (*RoundState, error) {
	p, err := f.path(escrowID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no ceremony checkpoint for escrow %s", escrowerr.ErrNotFound, escrowID)
		}
		return nil, fmt.Errorf("read checkpoint for escrow %s: %w", escrowID, err)
	}

	var st RoundState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint for escrow %s: %w", escrowID, err)
	}
	if st.Blobs == nil {
		st.Blobs = make(map[string]string)
	}
	return &st, nil
}

func (f *FileStore) Purge(ctx context.Context, escrowID string) error {
	p, err := f.path(escrowID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint for escrow %s: %w", escrowID, err)
	}
	return nil
}
