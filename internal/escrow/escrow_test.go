package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeaumont/escrowd/internal/endpoint"
	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/idempotency"
	"github.com/mbeaumont/escrowd/internal/lockreg"
	"github.com/mbeaumont/escrowd/internal/multisig"
	"github.com/mbeaumont/escrowd/internal/session"
)

var (
	testAddr = "4" + strings.Repeat("A", 94)
	testDest = "8" + strings.Repeat("B", 94)
	testBlob = "MultisigV1" + strings.Repeat("a", 100)
)

// fakeRPC is one scriptable wallet-RPC endpoint. Results can be
// overridden per method; calls are counted per method.
type fakeRPC struct {
	srv       *httptest.Server
	mu        sync.Mutex
	counts    map[string]int
	overrides map[string]string // method -> raw result JSON
}

func defaultResults() map[string]string {
	return map[string]string{
		"open_wallet":            `{}`,
		"close_wallet":           `{}`,
		"refresh":                `{}`,
		"prepare_multisig":       fmt.Sprintf(`{"multisig_info":%q}`, testBlob),
		"make_multisig":          `{"address":"","multisig_info":"MultisigxV1next"}`,
		"exchange_multisig_keys": fmt.Sprintf(`{"address":%q,"multisig_info":""}`, testAddr),
		"is_multisig":            `{"multisig":true,"ready":true}`,
		"get_balance":            `{"balance":5000,"unlocked_balance":5000}`,
		"export_multisig_info":   `{"info":"syncblob"}`,
		"import_multisig_info":   `{"n_outputs":2}`,
		"transfer":               `{"tx_hash":"partial","amount":5000,"fee":7,"multisig_txset":"txset"}`,
		"sign_multisig":          `{"tx_data_hex":"signedhex","tx_hash_list":["txabc"]}`,
		"submit_multisig":        `{"tx_hash_list":["txabc"]}`,
		"get_transfer_by_txid":   `{"transfer":{"txid":"txabc","amount":5000,"confirmations":12,"height":100,"type":"in"}}`,
	}
}

func newFakeRPC(t *testing.T) *fakeRPC {
	t.Helper()
	f := &fakeRPC{
		counts:    make(map[string]int),
		overrides: make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		f.counts[req.Method]++
		result, ok := f.overrides[req.Method]
		f.mu.Unlock()
		if !ok {
			result = defaultResults()[req.Method]
		}
		if result == "" {
			result = `{}`
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":"0","result":%s}`, result)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

func (f *fakeRPC) override(method, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[method] = result
}

type testEnv struct {
	service     *Service
	store       *MemoryStore
	checkpoints *multisig.MemoryStore
	idem        *idempotency.MemoryStore
	pool        *endpoint.Pool
	sessions    *session.Manager
	fakes       []*fakeRPC
}

func submitCount(env *testEnv) int {
	var n int
	for _, f := range env.fakes {
		n += f.count("submit_multisig")
	}
	return n
}

func newTestEnv(t *testing.T, perRole int) *testEnv {
	t.Helper()
	env := &testEnv{
		store:       NewMemoryStore(),
		checkpoints: multisig.NewMemoryStore(),
		idem:        idempotency.NewMemoryStore(),
	}
	urls := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			f := newFakeRPC(t)
			env.fakes = append(env.fakes, f)
			out[i] = f.srv.URL
		}
		return out
	}
	logger := slog.New(slog.NewTextHandler(nullWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	env.pool = endpoint.New(urls(perRole), urls(perRole), urls(perRole))
	env.sessions = session.NewManager(env.pool, perRole, time.Hour, logger)
	locks := lockreg.New(2 * time.Second)
	env.service = NewService(env.store, env.checkpoints, env.sessions, locks, env.idem, Options{
		Arbiters:              []string{"arb_1", "arb_2"},
		CASBaseDelay:          time.Millisecond,
		ConfirmationThreshold: 10,
	}, logger)
	return env
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func initActive(t *testing.T, env *testEnv) *Escrow {
	t.Helper()
	e, err := env.service.InitEscrow(context.Background(), InitRequest{
		OrderID: "ord_1", BuyerID: "buy_1", VendorID: "ven_1", Amount: 5000,
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, e.Status)
	return e
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusInitialized, StatusActive))
	assert.True(t, CanTransition(StatusActive, StatusReleasing))
	assert.True(t, CanTransition(StatusActive, StatusRefunding))
	assert.True(t, CanTransition(StatusReleasing, StatusCompleted))
	assert.True(t, CanTransition(StatusRefunding, StatusRefunded))
	assert.True(t, CanTransition(StatusDisputed, StatusResolved))
	assert.True(t, CanTransition(StatusResolved, StatusReleasing))
	assert.True(t, CanTransition(StatusActive, StatusFailed))

	// release and refund must never reach each other
	assert.False(t, CanTransition(StatusReleasing, StatusRefunding))
	assert.False(t, CanTransition(StatusRefunding, StatusReleasing))

	// terminal states accept nothing, including Failed
	for _, s := range []Status{StatusCompleted, StatusRefunded, StatusCancelled, StatusFailed} {
		assert.False(t, CanTransition(s, StatusFailed), "from %s", s)
		assert.False(t, CanTransition(s, StatusActive), "from %s", s)
	}
}

func TestInitEscrow(t *testing.T) {
	env := newTestEnv(t, 2)

	e := initActive(t, env)
	assert.True(t, strings.HasPrefix(e.ID, "esc_"))
	assert.Equal(t, testAddr, e.MultisigAddress)
	assert.Equal(t, int64(2), e.Version) // create + activation

	entries, err := env.store.Transitions(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusInitialized, entries[0].From)
	assert.Equal(t, StatusActive, entries[0].To)

	// arbiters rotate across escrows
	e2 := initActive(t, env)
	assert.NotEqual(t, e.ArbiterID, e2.ArbiterID)
}

func TestInitEscrowValidation(t *testing.T) {
	env := newTestEnv(t, 1)

	_, err := env.service.InitEscrow(context.Background(), InitRequest{OrderID: "o", BuyerID: "b"})
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))

	_, err = env.service.InitEscrow(context.Background(), InitRequest{
		OrderID: "o", BuyerID: "b", VendorID: "v", Amount: -1,
	})
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))
}

func TestInitEscrowConcurrentDistinct(t *testing.T) {
	env := newTestEnv(t, 10)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.service.InitEscrow(context.Background(), InitRequest{
				OrderID:  fmt.Sprintf("ord_%d", i),
				BuyerID:  "buy", VendorID: "ven", Amount: 100,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "escrow %d", i)
	}

	// every endpoint served exactly one wallet: allocation never collided
	for _, f := range env.fakes {
		assert.Equal(t, 1, f.count("open_wallet"), "endpoint %s", f.srv.URL)
	}
	for _, st := range env.pool.PoolStats() {
		assert.Equal(t, 10, st.Allocated, "role %s", st.Role)
	}
}

func TestReleaseFunds(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	out, err := env.service.ReleaseFunds(ctx, e.ID, testDest, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "txabc", out.TxHash)
	assert.Equal(t, StatusCompleted, out.Status)

	got, err := env.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "txabc", got.TxHash)

	// audit trail records each hop with strictly increasing versions
	entries, err := env.store.Transitions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, StatusReleasing, entries[1].To)
	assert.Equal(t, StatusCompleted, entries[2].To)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Version, entries[i-1].Version)
	}

	// terminal cleanup: session closed, ceremony checkpoints purged
	assert.Equal(t, 0, env.service.SessionStats().Active)
	_, err = env.checkpoints.Load(ctx, e.ID)
	assert.True(t, errors.Is(err, escrowerr.ErrNotFound))
}

func TestReleaseFundsIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	first, err := env.service.ReleaseFunds(ctx, e.ID, testDest, "key-1")
	require.NoError(t, err)

	second, err := env.service.ReleaseFunds(ctx, e.ID, testDest, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, second.TxHash)

	// exactly one transfer hit the wallet backend
	assert.Equal(t, 1, submitCount(env))
}

func TestConcurrentReleaseSameEscrow(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)

	var (
		wg   sync.WaitGroup
		outs [2]*TransferOutcome
		errs [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = env.service.ReleaseFunds(context.Background(), e.ID, testDest, fmt.Sprintf("key-%d", i))
		}(i)
	}
	wg.Wait()

	var successes, rejections int
	for i := 0; i < 2; i++ {
		if errs[i] == nil {
			successes++
			assert.Equal(t, "txabc", outs[i].TxHash)
			continue
		}
		rejections++
		assert.True(t,
			errors.Is(errs[i], escrowerr.ErrInvalidTransition) || errors.Is(errs[i], escrowerr.ErrStateConflict),
			"unexpected error: %v", errs[i])
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, rejections)

	// exactly one recorded hash, exactly one broadcast
	got, err := env.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "txabc", got.TxHash)
	assert.Equal(t, 1, submitCount(env))
}

func TestReleaseThenRefundForbidden(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	_, err := env.service.ReleaseFunds(ctx, e.ID, testDest, "key-1")
	require.NoError(t, err)

	_, err = env.service.RefundFunds(ctx, e.ID, testDest, "key-2")
	assert.True(t, errors.Is(err, escrowerr.ErrInvalidTransition))
}

func TestRefundFunds(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)

	out, err := env.service.RefundFunds(context.Background(), e.ID, testDest, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, out.Status)
	assert.Equal(t, "txabc", out.TxHash)
}

func TestDisputeResolveRefund(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	_, err := env.service.Dispute(ctx, e.ID, "buy_1", "goods not received")
	require.NoError(t, err)

	// no money moves while disputed
	_, err = env.service.ReleaseFunds(ctx, e.ID, testDest, "key-1")
	assert.True(t, errors.Is(err, escrowerr.ErrInvalidTransition))

	_, err = env.service.ResolveDispute(ctx, e.ID, e.ArbiterID, "refund")
	require.NoError(t, err)

	out, err := env.service.RefundFunds(ctx, e.ID, testDest, "key-2")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, out.Status)
}

func TestResolveDisputeValidation(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.service.ResolveDispute(context.Background(), "esc_x", "arb", "split")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))
}

func TestCancelTerminalRejectsMutation(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	_, err := env.service.Cancel(ctx, e.ID, "buy_1", "order withdrawn")
	require.NoError(t, err)

	_, err = env.service.ReleaseFunds(ctx, e.ID, testDest, "key-1")
	assert.True(t, errors.Is(err, escrowerr.ErrInvalidTransition))

	_, err = env.service.Dispute(ctx, e.ID, "buy_1", "too late")
	assert.True(t, errors.Is(err, escrowerr.ErrInvalidTransition))
}

func TestIdempotencyKeyExpiredReExecutes(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	// a record past its TTL is dead: the request runs as new
	now := time.Now()
	require.NoError(t, env.idem.Put(ctx, &idempotency.Record{
		Key: "key-old", EscrowID: e.ID, Action: "release_funds",
		Result:    json.RawMessage(`{"tx_hash":"stalehash"}`),
		CreatedAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	out, err := env.service.ReleaseFunds(ctx, e.ID, testDest, "key-old")
	require.NoError(t, err)
	assert.Equal(t, "txabc", out.TxHash)
	assert.Equal(t, 1, submitCount(env))
}

func TestCheckFunding(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	status, err := env.service.CheckFunding(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, status.Funded)
	assert.Equal(t, int64(5000), status.UnlockedBalance)

	// short unlocked balance is not funded
	for _, f := range env.fakes {
		f.override("get_balance", `{"balance":5000,"unlocked_balance":100}`)
	}
	status, err = env.service.CheckFunding(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, status.Funded)
}

func TestCheckConfirmations(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	_, err := env.service.CheckConfirmations(ctx, e.ID)
	assert.True(t, errors.Is(err, escrowerr.ErrNotFound))

	_, err = env.service.ReleaseFunds(ctx, e.ID, testDest, "key-1")
	require.NoError(t, err)

	status, err := env.service.CheckConfirmations(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), status.Confirmations)
	assert.True(t, status.Confirmed)
}

func TestRegisterWallet(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	id, err := env.service.RegisterWallet(ctx, e.ID, "buyer", "http://wallet.example:18083")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "wal_"))

	_, err = env.service.RegisterWallet(ctx, e.ID, "auditor", "http://wallet.example:18083")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))

	_, err = env.service.RegisterWallet(ctx, e.ID, "buyer", "ftp://bad")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))

	regs, err := env.store.ListWalletRegistrations(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "buyer", regs[0].Role)
}

func TestRegisterWalletStrictURLs(t *testing.T) {
	env := newTestEnv(t, 2)
	e := initActive(t, env)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(nullWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	strict := NewService(env.store, env.checkpoints, env.sessions, lockreg.New(2*time.Second), env.idem, Options{
		Arbiters:      []string{"arb_1"},
		CASBaseDelay:  time.Millisecond,
		StrictRPCURLs: true,
	}, logger)

	_, err := strict.RegisterWallet(ctx, e.ID, "buyer", "http://127.0.0.1:18083")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation), "loopback URL should be rejected in strict mode")

	_, err = strict.RegisterWallet(ctx, e.ID, "buyer", "http://169.254.169.254/json_rpc")
	assert.True(t, errors.Is(err, escrowerr.ErrValidation), "link-local URL should be rejected in strict mode")

	id, err := strict.RegisterWallet(ctx, e.ID, "buyer", "http://203.0.113.10:18082/json_rpc")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "wal_"))
}

func TestStaleVersionNeverWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, &Escrow{
		ID: "esc_1", OrderID: "o", BuyerID: "b", VendorID: "v", ArbiterID: "a",
		Amount: 1, Status: StatusActive, Version: 1, CreatedAt: now, UpdatedAt: now,
	}))

	ok, err := store.UpdateStatusCAS(ctx, "esc_1", 1, StatusReleasing, "t", "")
	require.NoError(t, err)
	require.True(t, ok)

	// the same expected version can never win twice
	ok, err = store.UpdateStatusCAS(ctx, "esc_1", 1, StatusDisputed, "t", "")
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := store.Get(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleasing, e.Status)
	assert.Equal(t, int64(2), e.Version)
}

func TestTxHashSetAtMostOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, &Escrow{
		ID: "esc_1", OrderID: "o", BuyerID: "b", VendorID: "v", ArbiterID: "a",
		Amount: 1, Status: StatusReleasing, Version: 5, CreatedAt: now, UpdatedAt: now,
	}))

	ok, err := store.UpdateTxHashCAS(ctx, "esc_1", 5, "hash1", StatusCompleted, "t", "")
	require.NoError(t, err)
	require.True(t, ok)

	// even a fresh version cannot replace an existing hash
	ok, err = store.UpdateTxHashCAS(ctx, "esc_1", 6, "hash2", StatusCompleted, "t", "")
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := store.Get(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, "hash1", e.TxHash)
}
