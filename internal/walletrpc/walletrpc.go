// Package walletrpc is a JSON-RPC client for an external wallet-RPC process.
//
// The escrow core treats each wallet-RPC process as a black box holding at
// most one open wallet. All multisig cryptography happens inside that
// process; this client only moves opaque blobs and validates envelopes.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
	"github.com/mbeaumont/escrowd/internal/validation"
)

const (
	defaultTimeout = 30 * time.Second
	rpcPath        = "/json_rpc"
)

// Client talks to one wallet-RPC endpoint.
type Client struct {
	url  string
	http *http.Client
}

// New creates a client for the given endpoint URL.
func New(url string) *Client {
	return &Client{
		url:  strings.TrimRight(url, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// NewWithHTTPClient creates a client with a caller-supplied http.Client,
// used by tests and by callers that need custom timeouts.
func NewWithHTTPClient(url string, httpClient *http.Client) *Client {
	return &Client{url: strings.TrimRight(url, "/"), http: httpClient}
}

// URL returns the endpoint URL this client targets.
func (c *Client) URL() string { return c.url }

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip and decodes the result into out.
// Transport failures map to ErrRPCUnavailable; malformed responses and
// RPC-level errors map to ErrRPCProtocol.
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%w: marshal %s request: %v", escrowerr.ErrRPCProtocol, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+rpcPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", escrowerr.ErrRPCProtocol, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", escrowerr.ErrRPCUnavailable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: endpoint returned HTTP %d", escrowerr.ErrRPCUnavailable, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", escrowerr.ErrRPCProtocol, method, err)
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: rpc error %d: %s", escrowerr.ErrRPCProtocol, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if out != nil {
		if rpcResp.Result == nil {
			return fmt.Errorf("%w: %s: missing result field", escrowerr.ErrRPCProtocol, method)
		}
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", escrowerr.ErrRPCProtocol, method, err)
		}
	}

	return nil
}

// GetVersion returns the wallet-RPC software version.
func (c *Client) GetVersion(ctx context.Context) (uint32, error) {
	var out struct {
		Version uint32 `json:"version"`
	}
	if err := c.call(ctx, "get_version", nil, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// CheckConnection verifies the endpoint is reachable.
func (c *Client) CheckConnection(ctx context.Context) error {
	_, err := c.GetVersion(ctx)
	return err
}

// OpenWallet opens a wallet file on the endpoint. Opening costs seconds of
// I/O on the remote side; callers should hold the handle open via the
// session manager rather than reopening per operation.
func (c *Client) OpenWallet(ctx context.Context, filename, password string) error {
	params := map[string]string{"filename": filename, "password": password}
	return c.call(ctx, "open_wallet", params, nil)
}

// CloseWallet closes the currently open wallet on the endpoint.
func (c *Client) CloseWallet(ctx context.Context) error {
	return c.call(ctx, "close_wallet", nil, nil)
}

// PrepareMultisig starts the key exchange and returns this wallet's
// round-1 blob.
func (c *Client) PrepareMultisig(ctx context.Context) (string, error) {
	var out struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "prepare_multisig", nil, &out); err != nil {
		return "", err
	}
	if err := validateMultisigInfo(out.MultisigInfo); err != nil {
		return "", err
	}
	return out.MultisigInfo, nil
}

// MakeMultisigResult is the round-2 output: the (not yet final) shared
// address plus this wallet's next-round blob.
type MakeMultisigResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

// MakeMultisig combines the other participants' round-1 blobs.
func (c *Client) MakeMultisig(ctx context.Context, threshold int, infos []string) (*MakeMultisigResult, error) {
	params := map[string]interface{}{
		"threshold":     threshold,
		"multisig_info": infos,
		"password":      "",
	}
	var out MakeMultisigResult
	if err := c.call(ctx, "make_multisig", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeMultisigKeysResult is the finalization output. Address is the
// final shared spending address; Info may be empty once the wallet is final.
type ExchangeMultisigKeysResult struct {
	Address string `json:"address"`
	Info    string `json:"multisig_info"`
}

// ExchangeMultisigKeys runs one finalization round with the other
// participants' blobs from the previous round.
func (c *Client) ExchangeMultisigKeys(ctx context.Context, infos []string) (*ExchangeMultisigKeysResult, error) {
	params := map[string]interface{}{
		"multisig_info": infos,
		"password":      "",
	}
	var out ExchangeMultisigKeysResult
	if err := c.call(ctx, "exchange_multisig_keys", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportMultisigInfo exports this wallet's partial key image sync blob.
func (c *Client) ExportMultisigInfo(ctx context.Context) (string, error) {
	var out struct {
		Info string `json:"info"`
	}
	if err := c.call(ctx, "export_multisig_info", nil, &out); err != nil {
		return "", err
	}
	return out.Info, nil
}

// ImportMultisigInfo imports the other participants' sync blobs and
// returns the number of outputs the wallet learned about.
func (c *Client) ImportMultisigInfo(ctx context.Context, infos []string) (int, error) {
	params := map[string]interface{}{"info": infos}
	var out struct {
		NOutputs int `json:"n_outputs"`
	}
	if err := c.call(ctx, "import_multisig_info", params, &out); err != nil {
		return 0, err
	}
	return out.NOutputs, nil
}

// IsMultisig reports whether the open wallet is in multisig mode.
func (c *Client) IsMultisig(ctx context.Context) (bool, error) {
	var out struct {
		Multisig bool `json:"multisig"`
		Ready    bool `json:"ready"`
	}
	if err := c.call(ctx, "is_multisig", nil, &out); err != nil {
		return false, err
	}
	return out.Multisig, nil
}

// Refresh syncs the wallet against the daemon.
func (c *Client) Refresh(ctx context.Context) error {
	return c.call(ctx, "refresh", nil, nil)
}

// Balance holds total and unlocked amounts in atomic units.
type Balance struct {
	Balance         int64 `json:"balance"`
	UnlockedBalance int64 `json:"unlocked_balance"`
}

// GetBalance returns the wallet balance in atomic units.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.call(ctx, "get_balance", map[string]int{"account_index": 0}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Destination is one transfer output.
type Destination struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// TransferResult is the created transaction. For a multisig wallet the
// transaction is only partially signed; MultisigTxset carries the blob
// the remaining cosigner must sign and submit.
type TransferResult struct {
	TxHash        string `json:"tx_hash"`
	Amount        int64  `json:"amount"`
	Fee           int64  `json:"fee"`
	MultisigTxset string `json:"multisig_txset"`
}

// Transfer creates, signs, and submits a transaction from the open wallet.
// For a multisig wallet the endpoint internally produces a partially
// signed transaction which the remaining cosigner completes via
// SignMultisig/SubmitMultisig.
func (c *Client) Transfer(ctx context.Context, dests []Destination) (*TransferResult, error) {
	params := map[string]interface{}{
		"destinations": dests,
		"get_tx_hex":   false,
		"get_tx_key":   true,
	}
	var out TransferResult
	if err := c.call(ctx, "transfer", params, &out); err != nil {
		return nil, err
	}
	if out.TxHash == "" {
		return nil, fmt.Errorf("%w: transfer: empty tx hash in response", escrowerr.ErrRPCProtocol)
	}
	return &out, nil
}

// SignMultisig signs a partially signed multisig transaction blob.
func (c *Client) SignMultisig(ctx context.Context, txDataHex string) (string, error) {
	var out struct {
		TxDataHex string   `json:"tx_data_hex"`
		TxHashes  []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, "sign_multisig", map[string]string{"tx_data_hex": txDataHex}, &out); err != nil {
		return "", err
	}
	return out.TxDataHex, nil
}

// SubmitMultisig broadcasts a fully signed multisig transaction and
// returns its hash.
func (c *Client) SubmitMultisig(ctx context.Context, txDataHex string) (string, error) {
	var out struct {
		TxHashes []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, "submit_multisig", map[string]string{"tx_data_hex": txDataHex}, &out); err != nil {
		return "", err
	}
	if len(out.TxHashes) == 0 {
		return "", fmt.Errorf("%w: submit_multisig: no tx hash returned", escrowerr.ErrRPCProtocol)
	}
	return out.TxHashes[0], nil
}

// Transfer lookup for confirmation checks.

// TransferInfo describes one known transfer from get_transfer_by_txid.
type TransferInfo struct {
	TxHash        string `json:"txid"`
	Amount        int64  `json:"amount"`
	Confirmations int64  `json:"confirmations"`
	Height        int64  `json:"height"`
	Type          string `json:"type"`
}

// GetTransferByTxid returns the wallet's view of a transaction.
func (c *Client) GetTransferByTxid(ctx context.Context, txHash string) (*TransferInfo, error) {
	var out struct {
		Transfer TransferInfo `json:"transfer"`
	}
	if err := c.call(ctx, "get_transfer_by_txid", map[string]string{"txid": txHash}, &out); err != nil {
		return nil, err
	}
	return &out.Transfer, nil
}

// WaitMultisigReady polls the wallet until it reports the multisig setup
// as ready. The wallet-RPC process invalidates caches asynchronously after
// key exchange, so a read issued immediately after the final round can
// observe stale state; bounded polling replaces the fixed sleeps that would
// otherwise be needed. A single fallback delay is used only if the poll
// budget is exhausted without an answer.
func (c *Client) WaitMultisigReady(ctx context.Context, pollInterval, maxWait time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(maxWait)

	var out struct {
		Multisig bool `json:"multisig"`
		Ready    bool `json:"ready"`
	}
	for time.Now().Before(deadline) {
		if err := c.call(ctx, "is_multisig", nil, &out); err == nil && out.Multisig && out.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	// Last resort: give the remote cache one more beat, then check once.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollInterval):
	}
	if err := c.call(ctx, "is_multisig", nil, &out); err != nil {
		return err
	}
	if !out.Multisig || !out.Ready {
		return fmt.Errorf("%w: wallet not multisig-ready after %s", escrowerr.ErrRPCProtocol, maxWait)
	}
	return nil
}

// validateMultisigInfo applies the shared envelope checks. A blob a
// wallet-RPC process handed us failing them is a protocol breach, not
// bad client input.
func validateMultisigInfo(info string) error {
	if err := validation.CheckMultisigInfo(info); err != nil {
		head := info
		if len(head) > 20 {
			head = head[:20]
		}
		return fmt.Errorf("%w: invalid multisig_info envelope: %q", escrowerr.ErrRPCProtocol, head)
	}
	return nil
}
