package walletrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

// fakeEndpoint serves canned JSON-RPC responses keyed by method name.
type fakeEndpoint struct {
	t       *testing.T
	results map[string]interface{}
	errors  map[string]*rpcError
	calls   []string
}

func (f *fakeEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.calls = append(f.calls, req.Method)

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr, ok := f.errors[req.Method]; ok {
			resp["error"] = rpcErr
		} else if result, ok := f.results[req.Method]; ok {
			resp["result"] = result
		} else {
			resp["result"] = map[string]interface{}{}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(f.t, json.NewEncoder(w).Encode(resp))
	}
}

func newFake(t *testing.T) (*fakeEndpoint, *Client, func()) {
	f := &fakeEndpoint{t: t, results: map[string]interface{}{}, errors: map[string]*rpcError{}}
	srv := httptest.NewServer(f.handler())
	return f, New(srv.URL), srv.Close
}

func TestGetVersion(t *testing.T) {
	f, c, done := newFake(t)
	defer done()
	f.results["get_version"] = map[string]uint32{"version": 65562}

	v, err := c.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(65562), v)
}

func TestPrepareMultisigValidatesEnvelope(t *testing.T) {
	f, c, done := newFake(t)
	defer done()

	f.results["prepare_multisig"] = map[string]string{"multisig_info": "MultisigV1" + strings.Repeat("a", 120)}
	info, err := c.PrepareMultisig(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info, "MultisigV1"))

	f.results["prepare_multisig"] = map[string]string{"multisig_info": "garbage-blob"}
	_, err = c.PrepareMultisig(context.Background())
	assert.ErrorIs(t, err, escrowerr.ErrRPCProtocol)

	// the right envelope but an impossibly short body is just as broken
	f.results["prepare_multisig"] = map[string]string{"multisig_info": "MultisigV1tiny"}
	_, err = c.PrepareMultisig(context.Background())
	assert.ErrorIs(t, err, escrowerr.ErrRPCProtocol)
}

func TestRPCErrorMapsToProtocolError(t *testing.T) {
	f, c, done := newFake(t)
	defer done()
	f.errors["make_multisig"] = &rpcError{Code: -4, Message: "wallet is already multisig"}

	_, err := c.MakeMultisig(context.Background(), 2, []string{"a", "b"})
	require.ErrorIs(t, err, escrowerr.ErrRPCProtocol)
	assert.Contains(t, err.Error(), "already multisig")
}

func TestUnreachableEndpointMapsToUnavailable(t *testing.T) {
	c := NewWithHTTPClient("http://127.0.0.1:1", &http.Client{Timeout: 200 * time.Millisecond})
	err := c.CheckConnection(context.Background())
	assert.ErrorIs(t, err, escrowerr.ErrRPCUnavailable)
}

func TestHTTPErrorStatusMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).CheckConnection(context.Background())
	assert.ErrorIs(t, err, escrowerr.ErrRPCUnavailable)
}

func TestMissingResultIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"0"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetVersion(context.Background())
	assert.ErrorIs(t, err, escrowerr.ErrRPCProtocol)
}

func TestTransferRejectsEmptyHash(t *testing.T) {
	f, c, done := newFake(t)
	defer done()
	f.results["transfer"] = map[string]interface{}{"tx_hash": "", "amount": 100}

	_, err := c.Transfer(context.Background(), []Destination{{Address: "4abc", Amount: 100}})
	assert.ErrorIs(t, err, escrowerr.ErrRPCProtocol)
}

func TestTransferReturnsHash(t *testing.T) {
	f, c, done := newFake(t)
	defer done()
	f.results["transfer"] = map[string]interface{}{"tx_hash": "deadbeef", "amount": 100, "fee": 2}

	res, err := c.Transfer(context.Background(), []Destination{{Address: "4abc", Amount: 100}})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", res.TxHash)
	assert.Equal(t, int64(2), res.Fee)
}

func TestSubmitMultisigRequiresHashList(t *testing.T) {
	f, c, done := newFake(t)
	defer done()

	f.results["submit_multisig"] = map[string]interface{}{"tx_hash_list": []string{}}
	_, err := c.SubmitMultisig(context.Background(), "hex")
	assert.ErrorIs(t, err, escrowerr.ErrRPCProtocol)

	f.results["submit_multisig"] = map[string]interface{}{"tx_hash_list": []string{"cafe"}}
	hash, err := c.SubmitMultisig(context.Background(), "hex")
	require.NoError(t, err)
	assert.Equal(t, "cafe", hash)
}

func TestGetTransferByTxid(t *testing.T) {
	f, c, done := newFake(t)
	defer done()
	f.results["get_transfer_by_txid"] = map[string]interface{}{
		"transfer": map[string]interface{}{"txid": "cafe", "amount": 500, "confirmations": 12, "height": 300},
	}

	info, err := c.GetTransferByTxid(context.Background(), "cafe")
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Confirmations)
}

func TestWaitMultisigReadyPollsUntilReady(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		ready := attempts >= 3
		resp := map[string]interface{}{
			"jsonrpc": "2.0", "id": "0",
			"result": map[string]bool{"multisig": true, "ready": ready},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	err := New(srv.URL).WaitMultisigReady(context.Background(), 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestWaitMultisigReadyExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"jsonrpc": "2.0", "id": "0",
			"result": map[string]bool{"multisig": true, "ready": false},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	err := New(srv.URL).WaitMultisigReady(context.Background(), 5*time.Millisecond, 30*time.Millisecond)
	assert.ErrorIs(t, err, escrowerr.ErrRPCProtocol)
}

func TestOpenCloseWallet(t *testing.T) {
	f, c, done := newFake(t)
	defer done()

	require.NoError(t, c.OpenWallet(context.Background(), "buyer_esc_1", ""))
	require.NoError(t, c.CloseWallet(context.Background()))
	assert.Equal(t, []string{"open_wallet", "close_wallet"}, f.calls)
}
