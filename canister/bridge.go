// Package canister holds the JSON-RPC clients for the two remote authorities
// the bridge depends on: the minting-ledger bridge canister (via its HTTP
// gateway) and the threshold-signature service.
package canister

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sippar-network/ck-bridge-api/types"
)

// JSON-RPC error codes returned by the bridge gateway.
const (
	codeDuplicateDeposit = -32050
	codeDepositUnknown   = -32051
)

// BridgeClient is a thin JSON-RPC wrapper around the bridge canister gateway.
// Every call carries a bounded timeout through the underlying http.Client.
type BridgeClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	nextID     atomic.Int64
}

type BridgeClientOpts struct {
	URL     string
	Logger  *slog.Logger
	Timeout time.Duration
}

// NewBridgeClient constructs a client targeting the supplied gateway URL.
func NewBridgeClient(opts BridgeClientOpts) (*BridgeClient, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("bridge canister URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BridgeClient{
		url:        strings.TrimSpace(opts.URL),
		httpClient: &http.Client{Timeout: timeout},
		logger:     opts.Logger,
	}, nil
}

// IsDepositProcessed reports whether the minting ledger has already consumed
// the transaction id. This is the authoritative anti-replay predicate.
func (c *BridgeClient) IsDepositProcessed(ctx context.Context, txID string) (bool, error) {
	var processed bool
	if err := c.call(ctx, "bridge_isDepositProcessed", []interface{}{txID}, &processed); err != nil {
		return false, err
	}
	return processed, nil
}

// RegisterPendingDeposit records a detected deposit with the minting ledger
// before anything else in the system acts on it. A deposit the gateway has
// already seen maps to types.ErrRegistrationConflict.
func (c *BridgeClient) RegisterPendingDeposit(ctx context.Context, user, txID string, amount uint64, custodyAddress string, requiredConfirmations uint64) error {
	params := map[string]interface{}{
		"user":                  user,
		"txId":                  txID,
		"amount":                amount,
		"custodyAddress":        custodyAddress,
		"requiredConfirmations": requiredConfirmations,
	}
	var result struct {
		DepositID string `json:"depositId"`
	}
	if err := c.call(ctx, "bridge_registerPendingDeposit", []interface{}{params}, &result); err != nil {
		return err
	}
	return nil
}

// UpdateConfirmations reports a new confirmation count. Best-effort: callers
// log failures and let the next cycle supersede them.
func (c *BridgeClient) UpdateConfirmations(ctx context.Context, txID string, confirmations uint64) error {
	var ack string
	return c.call(ctx, "bridge_updateConfirmations", []interface{}{txID, confirmations}, &ack)
}

// MintAfterConfirmed issues wrapped tokens for a deposit the ledger has seen
// reach its confirmation threshold.
func (c *BridgeClient) MintAfterConfirmed(ctx context.Context, txID string) (types.MintReceipt, error) {
	var receipt types.MintReceipt
	if err := c.call(ctx, "bridge_mintAfterConfirmed", []interface{}{txID}, &receipt); err != nil {
		return types.MintReceipt{}, err
	}
	return receipt, nil
}

// MintWithVerifiedAmount issues wrapped tokens for an independently verified
// transfer amount. minOut, when set, lets the caller bound slippage.
func (c *BridgeClient) MintWithVerifiedAmount(ctx context.Context, user string, amount uint64, txID string, minOut *uint64) (types.MintReceipt, error) {
	params := map[string]interface{}{
		"user":   user,
		"amount": amount,
		"txId":   txID,
	}
	if minOut != nil {
		params["minOut"] = *minOut
	}
	var receipt types.MintReceipt
	if err := c.call(ctx, "bridge_mintWithVerifiedAmount", []interface{}{params}, &receipt); err != nil {
		return types.MintReceipt{}, err
	}
	return receipt, nil
}

// TotalSupply returns the wrapped token supply in micro units.
func (c *BridgeClient) TotalSupply(ctx context.Context) (uint64, error) {
	var supply uint64
	if err := c.call(ctx, "bridge_totalSupply", []interface{}{}, &supply); err != nil {
		return 0, err
	}
	return supply, nil
}

// SetReserveHealth reports the locally computed reserve health so the ledger
// can refuse mints on its side as well. Best-effort.
func (c *BridgeClient) SetReserveHealth(ctx context.Context, healthy bool) error {
	var ack string
	return c.call(ctx, "bridge_setReserveHealth", []interface{}{healthy}, &ack)
}

// RegisterCustodyAddress associates a threshold-derived custody address with
// a user on the minting ledger.
func (c *BridgeClient) RegisterCustodyAddress(ctx context.Context, address, user string) error {
	var ack string
	return c.call(ctx, "bridge_registerCustodyAddress", []interface{}{address, user}, &ack)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *BridgeClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrTransientRemote, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", types.ErrTransientRemote, method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		switch decoded.Error.Code {
		case codeDuplicateDeposit:
			return fmt.Errorf("%w: %s", types.ErrRegistrationConflict, decoded.Error.Message)
		case codeDepositUnknown:
			return fmt.Errorf("%w: %s", types.ErrDepositNotFound, decoded.Error.Message)
		}
		return fmt.Errorf("%s failed: %s (code %d)", method, decoded.Error.Message, decoded.Error.Code)
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}
