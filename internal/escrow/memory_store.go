package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// CAS semantics match the PostgreSQL store: version-guarded writes with
// an audit entry appended under the same mutex.
type MemoryStore struct {
	escrows       map[string]*Escrow
	audit         map[string][]*TransitionEntry
	registrations map[string][]*WalletRegistration
	nextAuditID   int64
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:       make(map[string]*Escrow),
		audit:         make(map[string][]*TransitionEntry),
		registrations: make(map[string][]*WalletRegistration),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return fmt.Errorf("%w: escrow %s already exists", escrowerr.ErrStateConflict, e.ID)
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", escrowerr.ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != status {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPage(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if status != "" && e.Status != status {
			continue
		}
		if after != nil {
			if e.CreatedAt.Before(after.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(after.CreatedAt) && e.ID <= after.ID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateStatusCAS(ctx context.Context, id string, expectedVersion int64, newStatus Status, actor, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.casLocked(id, expectedVersion, newStatus, actor, reason, func(e *Escrow) bool {
		return true
	})
}

func (m *MemoryStore) UpdateAddressCAS(ctx context.Context, id string, expectedVersion int64, address string, newStatus Status, actor, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.casLocked(id, expectedVersion, newStatus, actor, reason, func(e *Escrow) bool {
		e.MultisigAddress = address
		return true
	})
}

func (m *MemoryStore) UpdateTxHashCAS(ctx context.Context, id string, expectedVersion int64, txHash string, newStatus Status, actor, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.casLocked(id, expectedVersion, newStatus, actor, reason, func(e *Escrow) bool {
		if e.TxHash != "" {
			return false
		}
		e.TxHash = txHash
		return true
	})
}

// casLocked applies mutate under the version guard. mutate returning
// false rejects the write without touching the escrow.
func (m *MemoryStore) casLocked(id string, expectedVersion int64, newStatus Status, actor, reason string, mutate func(*Escrow) bool) (bool, error) {
	e, ok := m.escrows[id]
	if !ok {
		return false, fmt.Errorf("%w: escrow %s", escrowerr.ErrNotFound, id)
	}
	if e.Version != expectedVersion {
		return false, nil
	}

	cp := *e
	if !mutate(&cp) {
		return false, nil
	}
	from := cp.Status
	cp.Status = newStatus
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now()
	m.escrows[id] = &cp

	m.nextAuditID++
	m.audit[id] = append(m.audit[id], &TransitionEntry{
		ID:        m.nextAuditID,
		EscrowID:  id,
		From:      from,
		To:        newStatus,
		Version:   cp.Version,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: cp.UpdatedAt,
	})
	return true, nil
}

func (m *MemoryStore) Transitions(ctx context.Context, escrowID string) ([]*TransitionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.audit[escrowID]
	result := make([]*TransitionEntry, len(entries))
	for i, e := range entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) SaveWalletRegistration(ctx context.Context, reg *WalletRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *reg
	m.registrations[reg.EscrowID] = append(m.registrations[reg.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListWalletRegistrations(ctx context.Context, escrowID string) ([]*WalletRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regs := m.registrations[escrowID]
	result := make([]*WalletRegistration, len(regs))
	for i, r := range regs {
		cp := *r
		result[i] = &cp
	}
	return result, nil
}
