// Package escrow is the orchestration core: lifecycle state machine,
// CAS-guarded persistence with an audit trail, and the operations that
// move funds through a 2-of-3 multisig wallet.
package escrow

import (
	"context"
	"time"

	"github.com/mbeaumont/escrowd/internal/pagination"
)

// Status is an escrow lifecycle state.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusActive      Status = "active"
	StatusReleasing   Status = "releasing"
	StatusRefunding   Status = "refunding"
	StatusDisputed    Status = "disputed"
	StatusResolved    Status = "resolved"
	StatusCompleted   Status = "completed"
	StatusRefunded    Status = "refunded"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// transitions is the only authority on which lifecycle moves are legal.
// Releasing and Refunding never reach each other in either direction;
// that is the double-spend race this table exists to prevent.
var transitions = map[Status][]Status{
	StatusInitialized: {StatusActive},
	StatusActive:      {StatusReleasing, StatusRefunding, StatusDisputed, StatusCancelled},
	StatusReleasing:   {StatusCompleted, StatusDisputed},
	StatusRefunding:   {StatusRefunded, StatusDisputed},
	StatusDisputed:    {StatusResolved},
	StatusResolved:    {StatusReleasing, StatusRefunding},
	StatusCompleted:   {},
	StatusRefunded:    {},
	StatusCancelled:   {},
	StatusFailed:      {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Failed is reachable from every non-terminal state.
func CanTransition(from, to Status) bool {
	if Terminal(from) {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status accepts no further transitions.
func Terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Escrow is one 2-of-3 multisig escrow. Version increases by exactly one
// on every successful write; TxHash is set at most once, ever.
type Escrow struct {
	ID              string    `json:"id"`
	OrderID         string    `json:"order_id"`
	BuyerID         string    `json:"buyer_id"`
	VendorID        string    `json:"vendor_id"`
	ArbiterID       string    `json:"arbiter_id"`
	Amount          int64     `json:"amount"` // atomic units
	Status          Status    `json:"status"`
	Version         int64     `json:"version"`
	MultisigAddress string    `json:"multisig_address,omitempty"`
	TxHash          string    `json:"tx_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TransitionEntry is one immutable audit row.
type TransitionEntry struct {
	ID        int64     `json:"id"`
	EscrowID  string    `json:"escrow_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Version   int64     `json:"version"` // version after the transition
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WalletRegistration records a party's self-hosted wallet-RPC endpoint.
type WalletRegistration struct {
	ID        string    `json:"id"`
	EscrowID  string    `json:"escrow_id"`
	Role      string    `json:"role"`
	RPCURL    string    `json:"rpc_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists escrows with optimistic concurrency. Version is owned
// exclusively by the store's CAS methods — nothing else mutates it.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)

	// ListPage returns escrows ordered by (created_at, id), starting
	// after the cursor position when one is given. An empty status
	// matches every escrow.
	ListPage(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error)

	// UpdateStatusCAS transitions the escrow iff its stored version still
	// matches expectedVersion. On success the version increments and an
	// audit entry is appended atomically. A version mismatch returns
	// (false, nil), not an error.
	UpdateStatusCAS(ctx context.Context, id string, expectedVersion int64, newStatus Status, actor, reason string) (bool, error)

	// UpdateAddressCAS sets the multisig address together with a status
	// transition, under the same version guard.
	UpdateAddressCAS(ctx context.Context, id string, expectedVersion int64, address string, newStatus Status, actor, reason string) (bool, error)

	// UpdateTxHashCAS sets the transaction hash together with a status
	// transition. It additionally requires the stored hash to be unset,
	// so no escrow ever records a second transaction.
	UpdateTxHashCAS(ctx context.Context, id string, expectedVersion int64, txHash string, newStatus Status, actor, reason string) (bool, error)

	Transitions(ctx context.Context, escrowID string) ([]*TransitionEntry, error)

	SaveWalletRegistration(ctx context.Context, reg *WalletRegistration) error
	ListWalletRegistrations(ctx context.Context, escrowID string) ([]*WalletRegistration, error)
}
