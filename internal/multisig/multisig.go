// Package multisig drives the key-exchange ceremony that turns three
// fresh wallets into one 2-of-3 shared wallet.
//
// The ceremony is a fixed sequence of rounds. Each round's outputs are
// checkpointed durably before the ceremony advances, so a crash between
// rounds resumes from the last completed round instead of restarting —
// restarting mid-ceremony would desynchronize the wallets permanently.
package multisig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbeaumont/escrowd/internal/endpoint"
	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/validation"
	"github.com/mbeaumont/escrowd/internal/walletrpc"
)

// State is the checkpoint phase of a key-exchange ceremony.
type State string

const (
	StateNotStarted     State = "not_started"
	StateRound1Prepared State = "round1_prepared"
	StateRound2Made     State = "round2_made"
	StateRoundsFinal    State = "rounds_final"
	StateReady          State = "ready"
	StateFailed         State = "failed"
)

// transitions lists the allowed checkpoint advances.
var transitions = map[State][]State{
	StateNotStarted:     {StateRound1Prepared, StateFailed},
	StateRound1Prepared: {StateRound2Made, StateFailed},
	StateRound2Made:     {StateRoundsFinal, StateFailed},
	StateRoundsFinal:    {StateReady, StateFailed},
	StateReady:          {},
	StateFailed:         {},
}

// CanAdvance reports whether a checkpoint may move from one state to
// another.
func CanAdvance(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a ceremony state accepts no further advances.
func Terminal(s State) bool {
	return s == StateReady || s == StateFailed
}

// RoundState is one durable checkpoint of the ceremony.
type RoundState struct {
	EscrowID  string            `json:"escrow_id"`
	State     State             `json:"state"`
	Round     int               `json:"round"`
	Threshold int               `json:"threshold"`
	Blobs     map[string]string `json:"blobs"` // role -> last blob this wallet emitted
	Address   string            `json:"address,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (r *RoundState) clone() *RoundState {
	out := *r
	out.Blobs = make(map[string]string, len(r.Blobs))
	for k, v := range r.Blobs {
		out.Blobs[k] = v
	}
	return &out
}

// Store persists ceremony checkpoints. Save must make the new checkpoint
// durable before discarding any previous one for the same escrow.
type Store interface {
	Save(ctx context.Context, state *RoundState) error
	Load(ctx context.Context, escrowID string) (*RoundState, error)
	Purge(ctx context.Context, escrowID string) error
}

// Coordinator runs the ceremony across the three role wallets.
type Coordinator struct {
	store     Store
	rounds    int
	threshold int
}

// MinRounds is the smallest workable ceremony: prepare, make, and one
// key exchange. Fewer rounds can never produce a shared address.
const MinRounds = 3

// NewCoordinator creates a ceremony coordinator. rounds is the total
// round count including prepare and make; threshold is the number of
// signatures required to spend.
func NewCoordinator(store Store, rounds, threshold int) *Coordinator {
	if rounds < MinRounds {
		rounds = MinRounds
	}
	return &Coordinator{store: store, rounds: rounds, threshold: threshold}
}

// Wallet is the subset of the RPC client the ceremony needs.
type Wallet interface {
	PrepareMultisig(ctx context.Context) (string, error)
	MakeMultisig(ctx context.Context, threshold int, infos []string) (*walletrpc.MakeMultisigResult, error)
	ExchangeMultisigKeys(ctx context.Context, infos []string) (*walletrpc.ExchangeMultisigKeysResult, error)
	IsMultisig(ctx context.Context) (bool, error)
	WaitMultisigReady(ctx context.Context, pollInterval, maxWait time.Duration) error
}

// Establish runs (or resumes) the full ceremony for escrowID and returns
// the shared multisig address. Wallets must already be open.
func (c *Coordinator) Establish(ctx context.Context, escrowID string, wallets map[endpoint.Role]Wallet) (string, error) {
	if len(wallets) != len(endpoint.Roles) {
		return "", fmt.Errorf("%w: ceremony needs %d wallets, got %d", escrowerr.ErrValidation, len(endpoint.Roles), len(wallets))
	}

	st, err := c.store.Load(ctx, escrowID)
	if err != nil {
		if !errors.Is(err, escrowerr.ErrNotFound) {
			return "", err
		}
		st = &RoundState{
			EscrowID:  escrowID,
			State:     StateNotStarted,
			Threshold: c.threshold,
			Blobs:     make(map[string]string),
		}
	}

	switch st.State {
	case StateReady:
		return st.Address, nil
	case StateFailed:
		return "", fmt.Errorf("%w: ceremony for escrow %s previously failed", escrowerr.ErrStateConflict, escrowID)
	}

	if st.State == StateNotStarted {
		if err := c.prepare(ctx, st, wallets); err != nil {
			return "", c.fail(ctx, st, err)
		}
	}
	if st.State == StateRound1Prepared {
		if err := c.makeShared(ctx, st, wallets); err != nil {
			return "", c.fail(ctx, st, err)
		}
	}
	if st.State == StateRound2Made {
		if err := c.finalize(ctx, st, wallets); err != nil {
			return "", c.fail(ctx, st, err)
		}
	}
	if st.State == StateRoundsFinal {
		if err := c.verify(ctx, st, wallets); err != nil {
			return "", c.fail(ctx, st, err)
		}
	}

	// An escrow must never activate on a ceremony that stopped short of
	// an address, whatever state the checkpoint ended in.
	if st.State != StateReady || st.Address == "" {
		return "", fmt.Errorf("%w: ceremony for escrow %s ended in state %s without an address", escrowerr.ErrStateConflict, escrowID, st.State)
	}
	return st.Address, nil
}

// prepare is round 1: every wallet emits its initial key blob.
func (c *Coordinator) prepare(ctx context.Context, st *RoundState, wallets map[endpoint.Role]Wallet) error {
	for _, role := range endpoint.Roles {
		blob, err := wallets[role].PrepareMultisig(ctx)
		if err != nil {
			return fmt.Errorf("prepare round, %s wallet: %w", role, err)
		}
		st.Blobs[string(role)] = blob
	}
	return c.advance(ctx, st, StateRound1Prepared, 1)
}

// makeShared is round 2: every wallet combines the other two round-1 blobs.
func (c *Coordinator) makeShared(ctx context.Context, st *RoundState, wallets map[endpoint.Role]Wallet) error {
	next := make(map[string]string, len(wallets))
	for _, role := range endpoint.Roles {
		res, err := wallets[role].MakeMultisig(ctx, st.Threshold, c.othersBlobs(st, role))
		if err != nil {
			return fmt.Errorf("make round, %s wallet: %w", role, err)
		}
		next[string(role)] = res.MultisigInfo
	}
	st.Blobs = next
	return c.advance(ctx, st, StateRound2Made, 2)
}

// finalize runs the remaining exchange rounds. The last round yields the
// shared address, which every wallet must agree on.
func (c *Coordinator) finalize(ctx context.Context, st *RoundState, wallets map[endpoint.Role]Wallet) error {
	for round := st.Round + 1; round <= c.rounds; round++ {
		next := make(map[string]string, len(wallets))
		addresses := make(map[endpoint.Role]string, len(wallets))
		for _, role := range endpoint.Roles {
			res, err := wallets[role].ExchangeMultisigKeys(ctx, c.othersBlobs(st, role))
			if err != nil {
				return fmt.Errorf("exchange round %d, %s wallet: %w", round, role, err)
			}
			next[string(role)] = res.Info
			addresses[role] = res.Address
		}
		st.Blobs = next
		st.Round = round

		if round == c.rounds {
			addr, err := agreedAddress(addresses)
			if err != nil {
				return err
			}
			st.Address = addr
			return c.advance(ctx, st, StateRoundsFinal, round)
		}
		// intermediate exchange round; checkpoint in place
		st.UpdatedAt = time.Now()
		if err := c.store.Save(ctx, st.clone()); err != nil {
			return fmt.Errorf("checkpoint exchange round %d: %w", round, err)
		}
	}
	return nil
}

// verify confirms every wallet reports multisig mode before declaring
// the ceremony ready.
func (c *Coordinator) verify(ctx context.Context, st *RoundState, wallets map[endpoint.Role]Wallet) error {
	for _, role := range endpoint.Roles {
		w := wallets[role]
		ok, err := w.IsMultisig(ctx)
		if err != nil {
			return fmt.Errorf("verify, %s wallet: %w", role, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s wallet not in multisig mode after ceremony", escrowerr.ErrRPCProtocol, role)
		}
		if err := w.WaitMultisigReady(ctx, 500*time.Millisecond, 30*time.Second); err != nil {
			return fmt.Errorf("verify, %s wallet: %w", role, err)
		}
	}
	return c.advance(ctx, st, StateReady, st.Round)
}

func (c *Coordinator) advance(ctx context.Context, st *RoundState, to State, round int) error {
	if !CanAdvance(st.State, to) {
		return fmt.Errorf("%w: ceremony cannot advance %s -> %s", escrowerr.ErrInvalidTransition, st.State, to)
	}
	st.State = to
	st.Round = round
	st.UpdatedAt = time.Now()
	if err := c.store.Save(ctx, st.clone()); err != nil {
		return fmt.Errorf("checkpoint %s: %w", to, err)
	}
	return nil
}

// fail checkpoints the failure best-effort and returns the cause.
// Retryable causes leave the checkpoint untouched so a later attempt
// resumes from the last completed round.
func (c *Coordinator) fail(ctx context.Context, st *RoundState, cause error) error {
	if escrowerr.Retryable(cause) {
		return cause
	}
	if !Terminal(st.State) {
		st.State = StateFailed
		st.UpdatedAt = time.Now()
		_ = c.store.Save(ctx, st.clone())
	}
	return cause
}

func (c *Coordinator) othersBlobs(st *RoundState, self endpoint.Role) []string {
	infos := make([]string, 0, len(st.Blobs)-1)
	for _, role := range endpoint.Roles {
		if role == self {
			continue
		}
		if blob := st.Blobs[string(role)]; blob != "" {
			infos = append(infos, blob)
		}
	}
	return infos
}

// agreedAddress checks all wallets derived the same, well-formed address.
func agreedAddress(addresses map[endpoint.Role]string) (string, error) {
	var addr string
	for role, a := range addresses {
		if a == "" {
			return "", fmt.Errorf("%w: %s wallet returned no address in final round", escrowerr.ErrRPCProtocol, role)
		}
		if addr == "" {
			addr = a
			continue
		}
		if a != addr {
			return "", fmt.Errorf("%w: wallets disagree on multisig address", escrowerr.ErrRPCProtocol)
		}
	}
	if err := validation.CheckAddress(addr); err != nil {
		return "", fmt.Errorf("%w: final multisig address malformed", escrowerr.ErrRPCProtocol)
	}
	return addr, nil
}
