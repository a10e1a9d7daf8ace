package multisig

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

// MemoryStore is an in-memory checkpoint store for demo/development mode.
type MemoryStore struct {
	states map[string]*RoundState
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*RoundState),
	}
}

func (m *MemoryStore) Save(ctx context.Context, state *RoundState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[state.EscrowID] = state.clone()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, escrowID string) (*RoundState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[escrowID]
	if !ok {
		return nil, fmt.Errorf("%w: no ceremony checkpoint for escrow %s", escrowerr.ErrNotFound, escrowID)
	}
	return st.clone(), nil
}

func (m *MemoryStore) Purge(ctx context.Context, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, escrowID)
	return nil
}
