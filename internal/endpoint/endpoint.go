// Package endpoint manages the fixed set of external wallet-RPC backends.
//
// Each endpoint is one externally running wallet-RPC process capable of
// holding a single open wallet, so allocation must be exclusive. Selection
// is round-robin from an atomic cursor — never "first healthy", which
// would funnel every concurrent escrow onto the same three endpoints.
// The allocation flag here is the single source of truth for whether an
// endpoint is busy; no other component may infer it.
package endpoint

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbeaumont/escrowd/internal/circuitbreaker"
	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/walletrpc"
)

// Role identifies which party's wallet an endpoint serves.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleVendor  Role = "vendor"
	RoleArbiter Role = "arbiter"
)

// Roles lists all valid roles in canonical order.
var Roles = []Role{RoleBuyer, RoleVendor, RoleArbiter}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleBuyer, RoleVendor, RoleArbiter:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: invalid role %q (want buyer, vendor, or arbiter)", escrowerr.ErrValidation, s)
	}
}

var allocatedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "escrowd",
	Subsystem: "endpoint_pool",
	Name:      "allocated",
	Help:      "Currently allocated wallet-RPC endpoints per role.",
}, []string{"role"})

func init() {
	prometheus.MustRegister(allocatedGauge)
}

// slot is one endpoint's allocation state. Guarded by Pool.mu.
type slot struct {
	url       string
	client    *walletrpc.Client
	allocated bool
}

// roleSet is the endpoints and round-robin cursor for one role.
type roleSet struct {
	slots  []*slot
	cursor atomic.Uint64
}

// Handle is an exclusively allocated endpoint. Callers must Release it.
type Handle struct {
	URL    string
	Role   Role
	Client *walletrpc.Client
	idx    int
}

// Pool manages exclusive allocation of wallet-RPC endpoints per role.
type Pool struct {
	mu      sync.Mutex
	sets    map[Role]*roleSet
	breaker *circuitbreaker.Breaker
}

// New builds a pool from the per-role endpoint URL lists. The set is
// static for the life of the process.
func New(buyerURLs, vendorURLs, arbiterURLs []string) *Pool {
	p := &Pool{
		sets:    make(map[Role]*roleSet, 3),
		breaker: circuitbreaker.New(3, 30*time.Second),
	}
	for role, urls := range map[Role][]string{
		RoleBuyer:   buyerURLs,
		RoleVendor:  vendorURLs,
		RoleArbiter: arbiterURLs,
	} {
		set := &roleSet{}
		for _, u := range urls {
			set.slots = append(set.slots, &slot{url: u, client: walletrpc.New(u)})
		}
		p.sets[role] = set
	}
	return p
}

// Allocate selects the next free, healthy endpoint for role. The cursor
// advances on every call so concurrent escrows spread across all
// configured endpoints instead of colliding on the first one.
func (p *Pool) Allocate(role Role) (*Handle, error) {
	set, ok := p.sets[role]
	if !ok || len(set.slots) == 0 {
		return nil, fmt.Errorf("%w: no endpoints configured for role %s", escrowerr.ErrCapacityExceeded, role)
	}

	n := uint64(len(set.slots))
	start := set.cursor.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint64(0); i < n; i++ {
		idx := int((start + i) % n)
		s := set.slots[idx]
		if s.allocated {
			continue
		}
		if !p.breaker.Allow(s.url) {
			continue
		}
		s.allocated = true
		allocatedGauge.WithLabelValues(string(role)).Inc()
		return &Handle{URL: s.url, Role: role, Client: s.client, idx: idx}, nil
	}

	return nil, fmt.Errorf("%w: all %d %s endpoints busy or unhealthy", escrowerr.ErrCapacityExceeded, len(set.slots), role)
}

// Release clears the allocation flag for a handle. Releasing an already
// free handle is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	set, ok := p.sets[h.Role]
	if !ok || h.idx < 0 || h.idx >= len(set.slots) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := set.slots[h.idx]
	if s.allocated {
		s.allocated = false
		allocatedGauge.WithLabelValues(string(h.Role)).Dec()
	}
}

// RecordSuccess feeds the endpoint's circuit breaker after a successful
// RPC call.
func (p *Pool) RecordSuccess(h *Handle) {
	if h != nil {
		p.breaker.RecordSuccess(h.URL)
	}
}

// RecordFailure feeds the endpoint's circuit breaker after a failed RPC
// call. Enough consecutive failures trip the endpoint out of rotation.
func (p *Pool) RecordFailure(h *Handle) {
	if h != nil {
		p.breaker.RecordFailure(h.URL)
	}
}

// Healthy reports whether the endpoint's circuit is not open.
func (p *Pool) Healthy(url string) bool {
	return p.breaker.State(url) != circuitbreaker.StateOpen
}

// Available returns, per role, how many endpoints currently have a
// non-open circuit. A role at zero cannot serve new sessions.
func (p *Pool) Available() map[Role]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	avail := make(map[Role]int, len(Roles))
	for _, role := range Roles {
		for _, sl := range p.sets[role].slots {
			if p.Healthy(sl.url) {
				avail[role]++
			}
		}
	}
	return avail
}

// Stats summarizes allocation per role.
type Stats struct {
	Role      Role `json:"role"`
	Total     int  `json:"total"`
	Allocated int  `json:"allocated"`
}

// PoolStats returns allocation counts for every role.
func (p *Pool) PoolStats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]Stats, 0, len(Roles))
	for _, role := range Roles {
		set := p.sets[role]
		s := Stats{Role: role, Total: len(set.slots)}
		for _, sl := range set.slots {
			if sl.allocated {
				s.Allocated++
			}
		}
		stats = append(stats, s)
	}
	return stats
}
