// Package session tracks open wallet sessions per escrow.
//
// A session holds three open wallets (buyer, vendor, arbiter), each on
// its own exclusively allocated RPC endpoint. The manager caps the
// number of concurrent sessions and evicts the least recently used one
// when a new escrow needs wallets, so endpoint capacity is recycled
// instead of exhausted by idle escrows.
package session

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbeaumont/escrowd/internal/endpoint"
	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

var (
	activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Currently open wallet sessions.",
	})
	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "sessions",
		Name:      "evictions_total",
		Help:      "Sessions closed by the manager, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(activeGauge, evictionsTotal)
}

// Session is the set of open wallets for one escrow.
type Session struct {
	EscrowID  string
	Handles   map[endpoint.Role]*endpoint.Handle
	CreatedAt time.Time
	LastUsed  time.Time

	elem *list.Element
}

// Manager owns all wallet sessions. Capacity and TTL are fixed at
// construction.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lru      *list.List // front = most recently used
	capacity int
	ttl      time.Duration
	pool     *endpoint.Pool
	logger   *slog.Logger
}

// NewManager creates a session manager backed by the endpoint pool.
func NewManager(pool *endpoint.Pool, capacity int, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		lru:      list.New(),
		capacity: capacity,
		ttl:      ttl,
		pool:     pool,
		logger:   logger,
	}
}

// walletName derives the on-disk wallet filename for an escrow role.
func walletName(escrowID string, role endpoint.Role) string {
	return fmt.Sprintf("escrow_%s_%s", escrowID, role)
}

// Open returns the session for escrowID, creating it if needed. A new
// session allocates one endpoint per role and opens the escrow's wallet
// on each. When the manager is at capacity the least recently used
// session is evicted first.
func (m *Manager) Open(ctx context.Context, escrowID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[escrowID]; ok {
		m.touchLocked(s)
		m.mu.Unlock()
		return s, nil
	}
	var evicted *Session
	if len(m.sessions) >= m.capacity {
		evicted = m.evictOldestLocked()
	}
	m.mu.Unlock()

	if evicted != nil {
		m.closeWallets(ctx, evicted)
		m.releaseHandles(evicted)
		evictionsTotal.WithLabelValues("capacity").Inc()
		m.logger.Info("evicted wallet session",
			"escrowId", evicted.EscrowID, "reason", "capacity")
	}

	handles := make(map[endpoint.Role]*endpoint.Handle, len(endpoint.Roles))
	for _, role := range endpoint.Roles {
		h, err := m.pool.Allocate(role)
		if err != nil {
			m.releaseAll(handles)
			return nil, fmt.Errorf("allocating %s endpoint for escrow %s: %w", role, escrowID, err)
		}
		handles[role] = h

		if err := h.Client.OpenWallet(ctx, walletName(escrowID, role), ""); err != nil {
			m.pool.RecordFailure(h)
			m.releaseAll(handles)
			return nil, fmt.Errorf("opening %s wallet for escrow %s: %w", role, escrowID, err)
		}
		m.pool.RecordSuccess(h)
	}

	now := time.Now()
	s := &Session{
		EscrowID:  escrowID,
		Handles:   handles,
		CreatedAt: now,
		LastUsed:  now,
	}

	m.mu.Lock()
	if existing, ok := m.sessions[escrowID]; ok {
		// lost the race to another caller; keep theirs
		m.touchLocked(existing)
		m.mu.Unlock()
		m.closeWallets(ctx, s)
		m.releaseHandles(s)
		return existing, nil
	}
	s.elem = m.lru.PushFront(s)
	m.sessions[escrowID] = s
	activeGauge.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.logger.Info("opened wallet session", "escrowId", escrowID)
	return s, nil
}

// GetWallet returns the open wallet handle for a role in an existing
// session. It never opens a session implicitly.
func (m *Manager) GetWallet(escrowID string, role endpoint.Role) (*endpoint.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[escrowID]
	if !ok {
		return nil, fmt.Errorf("%w: no wallet session for escrow %s", escrowerr.ErrNotFound, escrowID)
	}
	h, ok := s.Handles[role]
	if !ok {
		return nil, fmt.Errorf("%w: no %s wallet in session for escrow %s", escrowerr.ErrNotFound, role, escrowID)
	}
	m.touchLocked(s)
	return h, nil
}

// Close tears down the session for escrowID, closing its wallets and
// releasing its endpoints.
func (m *Manager) Close(ctx context.Context, escrowID string) error {
	m.mu.Lock()
	s, ok := m.sessions[escrowID]
	if ok {
		m.removeLocked(s)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no wallet session for escrow %s", escrowerr.ErrNotFound, escrowID)
	}

	m.closeWallets(ctx, s)
	m.releaseHandles(s)
	evictionsTotal.WithLabelValues("closed").Inc()
	m.logger.Info("closed wallet session", "escrowId", escrowID)
	return nil
}

// CloseAll tears down every open session. Used on server shutdown so no
// wallet files stay open on the RPC processes. Returns the count closed.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	for _, s := range open {
		m.removeLocked(s)
	}
	m.mu.Unlock()

	for _, s := range open {
		m.closeWallets(ctx, s)
		m.releaseHandles(s)
		evictionsTotal.WithLabelValues("closed").Inc()
	}
	return len(open)
}

// Has reports whether a session is currently open for escrowID.
func (m *Manager) Has(escrowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[escrowID]
	return ok
}

// Stats summarizes current occupancy.
type Stats struct {
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: len(m.sessions), Capacity: m.capacity}
}

// sweepExpired closes every session idle longer than the TTL.
func (m *Manager) sweepExpired(ctx context.Context) int {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.LastUsed.Before(cutoff) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		m.removeLocked(s)
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.closeWallets(ctx, s)
		m.releaseHandles(s)
		evictionsTotal.WithLabelValues("ttl").Inc()
		m.logger.Info("evicted wallet session",
			"escrowId", s.EscrowID, "reason", "ttl", "lastUsed", s.LastUsed)
	}
	return len(expired)
}

func (m *Manager) touchLocked(s *Session) {
	s.LastUsed = time.Now()
	m.lru.MoveToFront(s.elem)
}

func (m *Manager) evictOldestLocked() *Session {
	back := m.lru.Back()
	if back == nil {
		return nil
	}
	s := back.Value.(*Session)
	m.removeLocked(s)
	return s
}

func (m *Manager) removeLocked(s *Session) {
	if s.elem != nil {
		m.lru.Remove(s.elem)
		s.elem = nil
	}
	delete(m.sessions, s.EscrowID)
	activeGauge.Set(float64(len(m.sessions)))
}

// closeWallets closes each open wallet best-effort. A wallet that fails
// to close is logged but does not block teardown.
func (m *Manager) closeWallets(ctx context.Context, s *Session) {
	for role, h := range s.Handles {
		if err := h.Client.CloseWallet(ctx); err != nil {
			m.logger.Warn("failed to close wallet",
				"escrowId", s.EscrowID, "role", role, "error", err)
		}
	}
}

func (m *Manager) releaseHandles(s *Session) {
	m.releaseAll(s.Handles)
}

func (m *Manager) releaseAll(handles map[endpoint.Role]*endpoint.Handle) {
	for _, h := range handles {
		m.pool.Release(h)
	}
}
