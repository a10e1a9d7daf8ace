package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbeaumont/escrowd/internal/endpoint"
	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/idempotency"
	"github.com/mbeaumont/escrowd/internal/idgen"
	"github.com/mbeaumont/escrowd/internal/lockreg"
	"github.com/mbeaumont/escrowd/internal/metrics"
	"github.com/mbeaumont/escrowd/internal/multisig"
	"github.com/mbeaumont/escrowd/internal/pagination"
	"github.com/mbeaumont/escrowd/internal/retry"
	"github.com/mbeaumont/escrowd/internal/security"
	"github.com/mbeaumont/escrowd/internal/session"
	"github.com/mbeaumont/escrowd/internal/traces"
	"github.com/mbeaumont/escrowd/internal/validation"
	"github.com/mbeaumont/escrowd/internal/walletrpc"
)

const (
	actionRelease = "release_funds"
	actionRefund  = "refund_funds"
)

// EventPublisher receives escrow lifecycle events for realtime fan-out.
type EventPublisher interface {
	Publish(eventType, escrowID string, payload interface{})
}

// Options tunes the orchestrator. Zero values take the documented defaults.
type Options struct {
	Arbiters              []string
	MultisigRounds        int
	MultisigThreshold     int
	CASMaxAttempts        int
	CASBaseDelay          time.Duration
	ConfirmationThreshold int64

	// StrictRPCURLs applies SSRF screening to wallet URLs registered
	// through the public API. Enabled in production; off in tests, where
	// wallets live on loopback.
	StrictRPCURLs bool
}

// Service is the orchestrator: it sequences lock acquisition, session
// resolution, wallet-RPC protocol steps, CAS commits, and idempotency
// bookkeeping for every public operation.
type Service struct {
	store       Store
	checkpoints multisig.Store
	coordinator *multisig.Coordinator
	sessions    *session.Manager
	locks       *lockreg.Registry
	idem        idempotency.Store
	pub         EventPublisher
	logger      *slog.Logger

	opts          Options
	arbiterCursor atomic.Uint64
}

// NewService creates the orchestrator.
func NewService(store Store, checkpoints multisig.Store, sessions *session.Manager, locks *lockreg.Registry, idem idempotency.Store, opts Options, logger *slog.Logger) *Service {
	if opts.MultisigRounds < multisig.MinRounds {
		opts.MultisigRounds = multisig.MinRounds
	}
	if opts.MultisigThreshold == 0 {
		opts.MultisigThreshold = 2
	}
	if opts.CASMaxAttempts == 0 {
		opts.CASMaxAttempts = 3
	}
	if opts.CASBaseDelay == 0 {
		opts.CASBaseDelay = 50 * time.Millisecond
	}
	if opts.ConfirmationThreshold == 0 {
		opts.ConfirmationThreshold = 10
	}
	if len(opts.Arbiters) == 0 {
		opts.Arbiters = []string{"arb_default"}
	}
	return &Service{
		store:       store,
		checkpoints: checkpoints,
		coordinator: multisig.NewCoordinator(checkpoints, opts.MultisigRounds, opts.MultisigThreshold),
		sessions:    sessions,
		locks:       locks,
		idem:        idem,
		logger:      logger,
		opts:        opts,
	}
}

// SetPublisher wires the realtime event hub. Optional.
func (s *Service) SetPublisher(pub EventPublisher) {
	s.pub = pub
}

func (s *Service) publish(eventType string, e *Escrow) {
	if s.pub != nil {
		s.pub.Publish(eventType, e.ID, e)
	}
}

// InitRequest creates a new escrow for an order.
type InitRequest struct {
	OrderID  string `json:"order_id" binding:"required"`
	BuyerID  string `json:"buyer_id" binding:"required"`
	VendorID string `json:"vendor_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
}

// InitEscrow creates the escrow row, opens its wallet session, runs the
// multisig ceremony, and activates the escrow with the shared address.
func (s *Service) InitEscrow(ctx context.Context, req InitRequest) (*Escrow, error) {
	if req.OrderID == "" || req.BuyerID == "" || req.VendorID == "" {
		return nil, fmt.Errorf("%w: order_id, buyer_id, and vendor_id are required", escrowerr.ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", escrowerr.ErrValidation)
	}

	id := idgen.WithPrefix("esc_")
	log := s.logger.With("escrowId", id, "orderId", req.OrderID)

	ctx, span := traces.StartSpan(ctx, "escrow.init",
		traces.EscrowID(id), traces.Amount(req.Amount))
	defer span.End()

	unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := time.Now()
	e := &Escrow{
		ID:        id,
		OrderID:   req.OrderID,
		BuyerID:   req.BuyerID,
		VendorID:  req.VendorID,
		ArbiterID: s.nextArbiter(),
		Amount:    req.Amount,
		Status:    StatusInitialized,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		metrics.OperationsTotal.WithLabelValues("init_escrow", "error").Inc()
		return nil, err
	}

	sess, err := s.sessions.Open(ctx, id)
	if err != nil {
		s.markFailed(ctx, id, "system", "wallet session open failed")
		metrics.OperationsTotal.WithLabelValues("init_escrow", "error").Inc()
		return nil, err
	}

	start := time.Now()
	addr, err := s.coordinator.Establish(ctx, id, ceremonyWallets(sess))
	if err != nil {
		if !escrowerr.Retryable(err) {
			s.markFailed(ctx, id, "system", "multisig ceremony failed")
		}
		log.Error("multisig ceremony failed", "error", err)
		metrics.OperationsTotal.WithLabelValues("init_escrow", "error").Inc()
		return nil, err
	}
	metrics.CeremonyDuration.Observe(time.Since(start).Seconds())

	updated, err := s.commitAddress(ctx, id, addr)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("init_escrow", "error").Inc()
		return nil, err
	}

	log.Info("escrow initialized",
		"multisigAddress", addr, "arbiterId", updated.ArbiterID, "amount", updated.Amount)
	metrics.OperationsTotal.WithLabelValues("init_escrow", "success").Inc()
	s.publish("escrow.initialized", updated)
	return updated, nil
}

// commitAddress activates the escrow with the ceremony's address.
func (s *Service) commitAddress(ctx context.Context, id, addr string) (*Escrow, error) {
	var result *Escrow
	err := retry.Do(ctx, s.opts.CASMaxAttempts, s.opts.CASBaseDelay, func() error {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if e.Status == StatusActive && e.MultisigAddress == addr {
			result = e // previous attempt already committed
			return nil
		}
		if !CanTransition(e.Status, StatusActive) {
			return retry.Permanent(fmt.Errorf("%w: escrow %s is %s, cannot activate", escrowerr.ErrInvalidTransition, id, e.Status))
		}
		ok, err := s.store.UpdateAddressCAS(ctx, id, e.Version, addr, StatusActive, "system", "multisig ceremony complete")
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			metrics.CASConflictsTotal.Inc()
			return fmt.Errorf("%w: version moved under activation of escrow %s", escrowerr.ErrStateConflict, id)
		}
		result, err = s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	return result, err
}

// RegisterWallet records a party's own wallet-RPC endpoint for an escrow.
func (s *Service) RegisterWallet(ctx context.Context, escrowID, roleStr, rpcURL string) (string, error) {
	role, err := endpoint.ParseRole(roleStr)
	if err != nil {
		return "", err
	}
	if err := validation.CheckRPCURL(rpcURL); err != nil {
		return "", err
	}
	if s.opts.StrictRPCURLs {
		if err := security.ValidateEndpointURL(rpcURL); err != nil {
			return "", fmt.Errorf("%w: %v", escrowerr.ErrValidation, err)
		}
	}
	if _, err := s.store.Get(ctx, escrowID); err != nil {
		return "", err
	}

	reg := &WalletRegistration{
		ID:        idgen.WithPrefix("wal_"),
		EscrowID:  escrowID,
		Role:      string(role),
		RPCURL:    rpcURL,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveWalletRegistration(ctx, reg); err != nil {
		return "", err
	}

	s.logger.Info("wallet registered", "escrowId", escrowID, "role", role, "walletId", reg.ID)
	return reg.ID, nil
}

// TransferOutcome is the result of a completed release or refund.
type TransferOutcome struct {
	EscrowID string `json:"escrow_id"`
	TxHash   string `json:"tx_hash"`
	Amount   int64  `json:"amount"`
	Fee      int64  `json:"fee"`
	Status   Status `json:"status"`
}

// ReleaseFunds pays the escrow amount to dest, cosigned by the vendor
// and arbiter wallets. idemKey makes client retries safe: a replay
// returns the original tx hash without a second transfer.
func (s *Service) ReleaseFunds(ctx context.Context, escrowID, dest, idemKey string) (*TransferOutcome, error) {
	return s.settleFunds(ctx, escrowID, dest, idemKey, actionRelease)
}

// RefundFunds returns the escrow amount to dest, cosigned by the buyer
// and arbiter wallets.
func (s *Service) RefundFunds(ctx context.Context, escrowID, dest, idemKey string) (*TransferOutcome, error) {
	return s.settleFunds(ctx, escrowID, dest, idemKey, actionRefund)
}

func (s *Service) settleFunds(ctx context.Context, escrowID, dest, idemKey, action string) (*TransferOutcome, error) {
	if err := validation.CheckAddress(dest); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow."+action, traces.EscrowID(escrowID))
	defer span.End()

	if out, err := s.replay(ctx, idemKey, escrowID, action); out != nil || err != nil {
		return out, err
	}

	unlock, err := s.acquire(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// the first holder may have completed this exact request while we
	// waited on the lock
	if out, err := s.replay(ctx, idemKey, escrowID, action); out != nil || err != nil {
		return out, err
	}

	pending, finalStatus, kind := StatusReleasing, StatusCompleted, "release"
	if action == actionRefund {
		pending, finalStatus, kind = StatusRefunding, StatusRefunded, "refund"
	}

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("escrowId", escrowID, "action", action, "dest", dest)
	before := e.Status

	// an escrow already in the pending state with no recorded hash is a
	// prior attempt that died mid-transfer; resume it instead of
	// rejecting the transition
	if e.Status != pending {
		e, err = s.transition(ctx, escrowID, pending, "system", action+" requested")
		if err != nil {
			metrics.OperationsTotal.WithLabelValues(action, "rejected").Inc()
			return nil, err
		}
	}

	result, err := s.transfer(ctx, e, dest, kind)
	if err != nil {
		if !escrowerr.Retryable(err) {
			s.markFailed(ctx, escrowID, "system", action+" transfer failed")
		}
		log.Error("transfer failed",
			"beforeStatus", before, "afterStatus", s.currentStatus(ctx, escrowID),
			"amount", e.Amount, "error", err)
		metrics.OperationsTotal.WithLabelValues(action, "error").Inc()
		return nil, err
	}

	updated, err := s.commitTxHash(ctx, escrowID, result.TxHash, finalStatus, action)
	if err != nil {
		log.Error("transfer committed on chain but state commit failed",
			"beforeStatus", before, "txHash", result.TxHash, "error", err)
		metrics.OperationsTotal.WithLabelValues(action, "error").Inc()
		return nil, err
	}

	outcome := &TransferOutcome{
		EscrowID: escrowID,
		TxHash:   updated.TxHash,
		Amount:   result.Amount,
		Fee:      result.Fee,
		Status:   updated.Status,
	}
	if err := idempotency.Save(ctx, s.idem, idemKey, escrowID, action, outcome); err != nil {
		log.Warn("failed to store idempotency record", "error", err)
	}

	s.closeTerminal(ctx, escrowID)

	log.Info("funds settled",
		"beforeStatus", before, "afterStatus", updated.Status,
		"txHash", updated.TxHash, "amount", outcome.Amount, "fee", outcome.Fee)
	metrics.TransfersTotal.WithLabelValues(kind).Inc()
	metrics.OperationsTotal.WithLabelValues(action, "success").Inc()
	s.publish("escrow."+string(updated.Status), updated)
	return outcome, nil
}

// replay answers from the idempotency store if this exact request
// already ran.
func (s *Service) replay(ctx context.Context, idemKey, escrowID, action string) (*TransferOutcome, error) {
	rec, err := idempotency.Check(ctx, s.idem, idemKey, escrowID, action)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	var out TransferOutcome
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return nil, fmt.Errorf("decode cached result for key %s: %w", idemKey, err)
	}
	metrics.IdempotentReplaysTotal.Inc()
	s.logger.Info("replayed idempotent operation",
		"escrowId", escrowID, "action", action, "txHash", out.TxHash)
	return &out, nil
}

// transfer runs the two-cosigner spend: the arbiter wallet builds the
// partially signed transaction, the counterparty wallet completes and
// broadcasts it.
func (s *Service) transfer(ctx context.Context, e *Escrow, dest, kind string) (*walletrpc.TransferResult, error) {
	sess, err := s.sessions.Open(ctx, e.ID)
	if err != nil {
		return nil, err
	}

	cosignerRole := endpoint.RoleVendor
	if kind == "refund" {
		cosignerRole = endpoint.RoleBuyer
	}
	arbiter := sess.Handles[endpoint.RoleArbiter].Client
	cosigner := sess.Handles[cosignerRole].Client

	if err := arbiter.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh arbiter wallet: %w", err)
	}

	// partial key image sync: the spending wallet needs the other
	// participants' outputs view before it can build a transaction
	var infos []string
	for _, role := range endpoint.Roles {
		if role == endpoint.RoleArbiter {
			continue
		}
		info, err := sess.Handles[role].Client.ExportMultisigInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("export multisig info, %s wallet: %w", role, err)
		}
		infos = append(infos, info)
	}
	if _, err := arbiter.ImportMultisigInfo(ctx, infos); err != nil {
		return nil, fmt.Errorf("import multisig info, arbiter wallet: %w", err)
	}

	result, err := arbiter.Transfer(ctx, []walletrpc.Destination{{Address: dest, Amount: e.Amount}})
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	if result.MultisigTxset == "" {
		return nil, fmt.Errorf("%w: transfer returned no multisig txset", escrowerr.ErrRPCProtocol)
	}

	signed, err := cosigner.SignMultisig(ctx, result.MultisigTxset)
	if err != nil {
		return nil, fmt.Errorf("cosign, %s wallet: %w", cosignerRole, err)
	}
	txHash, err := cosigner.SubmitMultisig(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("submit, %s wallet: %w", cosignerRole, err)
	}
	result.TxHash = txHash
	return result, nil
}

// commitTxHash records the transaction hash and final status under the
// hash-unset guard. Budget exhaustion is a hard StateConflict.
func (s *Service) commitTxHash(ctx context.Context, id, txHash string, final Status, action string) (*Escrow, error) {
	var result *Escrow
	err := retry.Do(ctx, s.opts.CASMaxAttempts, s.opts.CASBaseDelay, func() error {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if e.TxHash == txHash && e.Status == final {
			result = e
			return nil
		}
		if e.TxHash != "" {
			return retry.Permanent(fmt.Errorf("%w: escrow %s already has transaction %s", escrowerr.ErrStateConflict, id, e.TxHash))
		}
		if !CanTransition(e.Status, final) {
			return retry.Permanent(fmt.Errorf("%w: escrow %s is %s, cannot finish %s", escrowerr.ErrInvalidTransition, id, e.Status, action))
		}
		ok, err := s.store.UpdateTxHashCAS(ctx, id, e.Version, txHash, final, "system", action+" submitted")
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			metrics.CASConflictsTotal.Inc()
			return fmt.Errorf("%w: version moved while recording transaction for escrow %s", escrowerr.ErrStateConflict, id)
		}
		result, err = s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	return result, err
}

// FundingStatus reports whether the multisig address holds the escrow
// amount.
type FundingStatus struct {
	EscrowID        string `json:"escrow_id"`
	Address         string `json:"address"`
	Balance         int64  `json:"balance"`
	UnlockedBalance int64  `json:"unlocked_balance"`
	Expected        int64  `json:"expected"`
	Funded          bool   `json:"funded"`
}

// CheckFunding refreshes the shared wallet and compares its unlocked
// balance against the escrow amount.
func (s *Service) CheckFunding(ctx context.Context, escrowID string) (*FundingStatus, error) {
	unlock, err := s.acquire(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.MultisigAddress == "" {
		return nil, fmt.Errorf("%w: escrow %s has no multisig address yet", escrowerr.ErrInvalidTransition, escrowID)
	}

	sess, err := s.sessions.Open(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	wallet := sess.Handles[endpoint.RoleArbiter].Client
	if err := wallet.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh wallet: %w", err)
	}
	bal, err := wallet.GetBalance(ctx)
	if err != nil {
		return nil, err
	}

	return &FundingStatus{
		EscrowID:        escrowID,
		Address:         e.MultisigAddress,
		Balance:         bal.Balance,
		UnlockedBalance: bal.UnlockedBalance,
		Expected:        e.Amount,
		Funded:          bal.UnlockedBalance >= e.Amount,
	}, nil
}

// ConfirmationStatus reports chain confirmations for the escrow's
// recorded transaction.
type ConfirmationStatus struct {
	EscrowID      string `json:"escrow_id"`
	TxHash        string `json:"tx_hash"`
	Confirmations int64  `json:"confirmations"`
	Threshold     int64  `json:"threshold"`
	Confirmed     bool   `json:"confirmed"`
}

// CheckConfirmations looks up the escrow's transaction on chain.
func (s *Service) CheckConfirmations(ctx context.Context, escrowID string) (*ConfirmationStatus, error) {
	unlock, err := s.acquire(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.TxHash == "" {
		return nil, fmt.Errorf("%w: escrow %s has no recorded transaction", escrowerr.ErrNotFound, escrowID)
	}

	sess, err := s.sessions.Open(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	info, err := sess.Handles[endpoint.RoleArbiter].Client.GetTransferByTxid(ctx, e.TxHash)
	if err != nil {
		return nil, err
	}

	return &ConfirmationStatus{
		EscrowID:      escrowID,
		TxHash:        e.TxHash,
		Confirmations: info.Confirmations,
		Threshold:     s.opts.ConfirmationThreshold,
		Confirmed:     info.Confirmations >= s.opts.ConfirmationThreshold,
	}, nil
}

// Dispute freezes the escrow pending an arbiter decision.
func (s *Service) Dispute(ctx context.Context, escrowID, actor, reason string) (*Escrow, error) {
	unlock, err := s.acquire(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.transition(ctx, escrowID, StatusDisputed, actor, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow disputed", "escrowId", escrowID, "actor", actor, "reason", reason)
	s.publish("escrow.disputed", e)
	return e, nil
}

// ResolveDispute records the arbiter's decision. The actual release or
// refund is a separate, idempotent money-moving call.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, actor, resolution string) (*Escrow, error) {
	if resolution != "release" && resolution != "refund" {
		return nil, fmt.Errorf("%w: resolution must be release or refund", escrowerr.ErrValidation)
	}

	unlock, err := s.acquire(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.transition(ctx, escrowID, StatusResolved, actor, "resolved: "+resolution)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute resolved", "escrowId", escrowID, "actor", actor, "resolution", resolution)
	s.publish("escrow.resolved", e)
	return e, nil
}

// Cancel closes an unfunded escrow without moving funds.
func (s *Service) Cancel(ctx context.Context, escrowID, actor, reason string) (*Escrow, error) {
	unlock, err := s.acquire(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.transition(ctx, escrowID, StatusCancelled, actor, reason)
	if err != nil {
		return nil, err
	}
	s.closeTerminal(ctx, escrowID)
	s.logger.Info("escrow cancelled", "escrowId", escrowID, "actor", actor)
	s.publish("escrow.cancelled", e)
	return e, nil
}

// GetEscrow returns the current escrow state.
func (s *Service) GetEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	return s.store.Get(ctx, escrowID)
}

// Transitions returns the escrow's audit trail.
func (s *Service) Transitions(ctx context.Context, escrowID string) ([]*TransitionEntry, error) {
	return s.store.Transitions(ctx, escrowID)
}

// EscrowPage is one cursor-bounded slice of the escrow list.
type EscrowPage struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// ListEscrows returns escrows ordered by creation time, optionally
// filtered by status, with opaque keyset cursors.
func (s *Service) ListEscrows(ctx context.Context, status Status, cursor string, limit int) (*EscrowPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if status != "" && !knownStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", escrowerr.ErrValidation, status)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrowerr.ErrValidation, err)
	}

	items, err := s.store.ListPage(ctx, status, after, limit+1)
	if err != nil {
		return nil, err
	}
	escrows, next, more := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &EscrowPage{Escrows: escrows, NextCursor: next, HasMore: more}, nil
}

func knownStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// SessionStats reports wallet session occupancy.
func (s *Service) SessionStats() session.Stats {
	return s.sessions.Stats()
}

// CleanupCompletedLocks removes registry locks for escrows confirmed
// terminal. Held locks are skipped.
func (s *Service) CleanupCompletedLocks(ctx context.Context, ids []string) int {
	terminal := make([]string, 0, len(ids))
	for _, id := range ids {
		e, err := s.store.Get(ctx, id)
		if err != nil || !Terminal(e.Status) {
			continue
		}
		terminal = append(terminal, id)
	}
	return s.locks.CleanupCompleted(terminal)
}

// transition moves the escrow to a new status through the CAS loop. A
// budget exhaustion surfaces as a hard StateConflict.
func (s *Service) transition(ctx context.Context, id string, to Status, actor, reason string) (*Escrow, error) {
	var result *Escrow
	err := retry.Do(ctx, s.opts.CASMaxAttempts, s.opts.CASBaseDelay, func() error {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if Terminal(e.Status) {
			return retry.Permanent(fmt.Errorf("%w: escrow %s is terminal (%s)", escrowerr.ErrInvalidTransition, id, e.Status))
		}
		if !CanTransition(e.Status, to) {
			return retry.Permanent(fmt.Errorf("%w: %s -> %s is not permitted for escrow %s", escrowerr.ErrInvalidTransition, e.Status, to, id))
		}
		ok, err := s.store.UpdateStatusCAS(ctx, id, e.Version, to, actor, reason)
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			metrics.CASConflictsTotal.Inc()
			return fmt.Errorf("%w: version moved during %s -> %s for escrow %s", escrowerr.ErrStateConflict, e.Status, to, id)
		}
		result, err = s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	return result, err
}

// acquire wraps the lock registry with metrics.
func (s *Service) acquire(ctx context.Context, escrowID string) (func(), error) {
	unlock, err := s.locks.Acquire(ctx, escrowID)
	if err != nil {
		if errors.Is(err, escrowerr.ErrLockTimeout) {
			metrics.LockTimeoutsTotal.Inc()
		}
		return nil, err
	}
	return unlock, nil
}

// markFailed moves a non-terminal escrow to Failed, best-effort.
func (s *Service) markFailed(ctx context.Context, id, actor, reason string) {
	e, err := s.store.Get(ctx, id)
	if err != nil || Terminal(e.Status) {
		return
	}
	if _, err := s.store.UpdateStatusCAS(ctx, id, e.Version, StatusFailed, actor, reason); err != nil {
		s.logger.Warn("failed to mark escrow failed", "escrowId", id, "error", err)
	}
}

// closeTerminal releases the resources a finished escrow holds: its
// wallet session, its ceremony checkpoints, and eventually its lock.
func (s *Service) closeTerminal(ctx context.Context, id string) {
	if err := s.sessions.Close(ctx, id); err != nil && !errors.Is(err, escrowerr.ErrNotFound) {
		s.logger.Warn("failed to close wallet session", "escrowId", id, "error", err)
	}
	if err := s.checkpoints.Purge(ctx, id); err != nil {
		s.logger.Warn("failed to purge ceremony checkpoints", "escrowId", id, "error", err)
	}
}

func (s *Service) currentStatus(ctx context.Context, id string) Status {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return ""
	}
	return e.Status
}

func (s *Service) nextArbiter() string {
	idx := (s.arbiterCursor.Add(1) - 1) % uint64(len(s.opts.Arbiters))
	return s.opts.Arbiters[idx]
}

// ceremonyWallets adapts a session's handles for the round coordinator.
func ceremonyWallets(sess *session.Session) map[endpoint.Role]multisig.Wallet {
	wallets := make(map[endpoint.Role]multisig.Wallet, len(sess.Handles))
	for role, h := range sess.Handles {
		wallets[role] = h.Client
	}
	return wallets
}
