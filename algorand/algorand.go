// Package algorand is a typed client for the Algorand node (algod) and
// indexer REST APIs. Responses are decoded at a strict parse-or-reject
// boundary: any absent or malformed field fails closed instead of defaulting
// to a permissive value.
package algorand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sippar-network/ck-bridge-api/types"
)

// ErrNotFound is returned when the indexer has no record of a transaction id.
var ErrNotFound = errors.New("transaction not found")

const (
	defaultTimeout = 15 * time.Second
	maxPageFetches = 20
	tokenHeader    = "X-Algo-API-Token"
)

type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	Opts       *ClientOpts

	genesisOnce sync.Once
	genesisID   string
	genesisErr  error
}

type ClientOpts struct {
	AlgodURL     string
	AlgodToken   string
	IndexerURL   string
	IndexerToken string
	Logger       *slog.Logger
	Timeout      time.Duration
}

// NewClient returns a new Algorand REST client over HTTP.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if strings.TrimSpace(opts.AlgodURL) == "" {
		return nil, fmt.Errorf("algod endpoint is required")
	}
	if strings.TrimSpace(opts.IndexerURL) == "" {
		return nil, fmt.Errorf("indexer endpoint is required")
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     opts.Logger,
		Opts:       &opts,
	}, nil
}

// NetworkStatus is the current height and network identity of the ledger.
type NetworkStatus struct {
	LastRound uint64
	GenesisID string
}

// IsMainnet reports whether the connected network is the production ledger.
func (s NetworkStatus) IsMainnet() bool {
	return strings.HasPrefix(s.GenesisID, "mainnet")
}

// AccountInfo is the parsed view of an algod account record.
type AccountInfo struct {
	Address    string
	Balance    uint64 // microAlgo
	MinBalance uint64 // microAlgo
	Round      uint64
	Exists     bool
}

// Transfer is a settled payment transaction as reported by the indexer.
type Transfer struct {
	ID             string
	Sender         string
	Receiver       string
	Amount         uint64 // microAlgo
	Fee            uint64
	ConfirmedRound uint64
	RoundTime      uint64
	Type           string
}

type statusResponse struct {
	LastRound *uint64 `json:"last-round"`
}

type versionsResponse struct {
	GenesisID string `json:"genesis_id"`
}

type accountResponse struct {
	Address    *string `json:"address"`
	Amount     *uint64 `json:"amount"`
	MinBalance *uint64 `json:"min-balance"`
	Round      *uint64 `json:"round"`
}

type paymentFields struct {
	Receiver *string `json:"receiver"`
	Amount   *uint64 `json:"amount"`
}

type transactionFields struct {
	ID             *string        `json:"id"`
	Sender         *string        `json:"sender"`
	TxType         *string        `json:"tx-type"`
	Fee            uint64         `json:"fee"`
	ConfirmedRound *uint64        `json:"confirmed-round"`
	RoundTime      uint64         `json:"round-time"`
	Payment        *paymentFields `json:"payment-transaction"`
}

type transactionsResponse struct {
	CurrentRound uint64              `json:"current-round"`
	NextToken    string              `json:"next-token"`
	Transactions []transactionFields `json:"transactions"`
}

type transactionResponse struct {
	CurrentRound uint64             `json:"current-round"`
	Transaction  *transactionFields `json:"transaction"`
}

// Status returns the ledger's current round and network identity.
func (c *Client) Status(ctx context.Context) (NetworkStatus, error) {
	var status statusResponse
	if err := c.get(ctx, c.Opts.AlgodURL, c.Opts.AlgodToken, "/v2/status", nil, &status); err != nil {
		return NetworkStatus{}, fmt.Errorf("failed to get node status: %w", err)
	}
	if status.LastRound == nil {
		return NetworkStatus{}, fmt.Errorf("node status response missing last-round")
	}

	genesisID, err := c.lookupGenesisID(ctx)
	if err != nil {
		return NetworkStatus{}, err
	}

	return NetworkStatus{LastRound: *status.LastRound, GenesisID: genesisID}, nil
}

// The genesis id never changes for a given endpoint, fetch it once.
func (c *Client) lookupGenesisID(ctx context.Context) (string, error) {
	c.genesisOnce.Do(func() {
		var versions versionsResponse
		if err := c.get(ctx, c.Opts.AlgodURL, c.Opts.AlgodToken, "/versions", nil, &versions); err != nil {
			c.genesisErr = fmt.Errorf("failed to get node versions: %w", err)
			return
		}
		if versions.GenesisID == "" {
			c.genesisErr = fmt.Errorf("node versions response missing genesis_id")
			return
		}
		c.genesisID = versions.GenesisID
		c.logger.Info("connected to Algorand", "genesisID", versions.GenesisID)
	})
	return c.genesisID, c.genesisErr
}

// AccountInfo returns the balance record for an address. An address the
// ledger has never seen is reported as Exists=false with a zero balance.
func (c *Client) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	var account accountResponse
	err := c.get(ctx, c.Opts.AlgodURL, c.Opts.AlgodToken, "/v2/accounts/"+url.PathEscape(address), nil, &account)
	if err != nil {
		if errors.Is(err, errStatusNotFound) {
			return AccountInfo{Address: address, Exists: false}, nil
		}
		return AccountInfo{}, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	if account.Address == nil || account.Amount == nil || account.MinBalance == nil {
		return AccountInfo{}, fmt.Errorf("account response for %s missing required fields", address)
	}

	info := AccountInfo{
		Address:    *account.Address,
		Balance:    *account.Amount,
		MinBalance: *account.MinBalance,
		Exists:     true,
	}
	if account.Round != nil {
		info.Round = *account.Round
	}
	return info, nil
}

// TransfersSince returns every settled payment into the address with a
// confirmed round strictly greater than the checkpoint. Pagination is
// followed until the indexer stops returning a next token.
func (c *Client) TransfersSince(ctx context.Context, address string, checkpoint uint64) ([]Transfer, error) {
	transfers := make([]Transfer, 0)
	nextToken := ""

	for page := 0; page < maxPageFetches; page++ {
		query := url.Values{}
		query.Set("tx-type", "pay")
		query.Set("limit", "1000")
		if checkpoint > 0 {
			query.Set("min-round", strconv.FormatUint(checkpoint+1, 10))
		}
		if nextToken != "" {
			query.Set("next", nextToken)
		}

		var resp transactionsResponse
		path := "/v2/accounts/" + url.PathEscape(address) + "/transactions"
		if err := c.get(ctx, c.Opts.IndexerURL, c.Opts.IndexerToken, path, query, &resp); err != nil {
			return nil, fmt.Errorf("failed to look up transactions for %s: %w", address, err)
		}

		for _, raw := range resp.Transactions {
			transfer, err := parseTransfer(raw)
			if err != nil {
				return nil, fmt.Errorf("malformed transaction in indexer response for %s: %w", address, err)
			}
			// The account endpoint also returns outbound payments.
			if transfer.Receiver != address {
				continue
			}
			if transfer.ConfirmedRound <= checkpoint {
				continue
			}
			transfers = append(transfers, transfer)
		}

		if resp.NextToken == "" || len(resp.Transactions) == 0 {
			return transfers, nil
		}
		nextToken = resp.NextToken
	}

	return nil, fmt.Errorf("transaction history for %s exceeded %d pages", address, maxPageFetches)
}

// TransferByID fetches a single settled transaction record. Returns
// ErrNotFound when the indexer has no record of the id.
func (c *Client) TransferByID(ctx context.Context, txID string) (Transfer, error) {
	var resp transactionResponse
	err := c.get(ctx, c.Opts.IndexerURL, c.Opts.IndexerToken, "/v2/transactions/"+url.PathEscape(txID), nil, &resp)
	if err != nil {
		if errors.Is(err, errStatusNotFound) {
			return Transfer{}, fmt.Errorf("%w: %s", ErrNotFound, txID)
		}
		return Transfer{}, fmt.Errorf("failed to look up transaction %s: %w", txID, err)
	}
	if resp.Transaction == nil {
		return Transfer{}, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}

	transfer, err := parseTransfer(*resp.Transaction)
	if err != nil {
		return Transfer{}, fmt.Errorf("malformed transaction record %s: %w", txID, err)
	}
	return transfer, nil
}

func parseTransfer(raw transactionFields) (Transfer, error) {
	if raw.ID == nil || *raw.ID == "" {
		return Transfer{}, fmt.Errorf("missing transaction id")
	}
	if raw.Sender == nil || raw.TxType == nil {
		return Transfer{}, fmt.Errorf("transaction %s missing sender or tx-type", *raw.ID)
	}

	transfer := Transfer{
		ID:        *raw.ID,
		Sender:    *raw.Sender,
		Type:      *raw.TxType,
		Fee:       raw.Fee,
		RoundTime: raw.RoundTime,
	}
	if raw.ConfirmedRound != nil {
		transfer.ConfirmedRound = *raw.ConfirmedRound
	}

	// Only payments carry transfer semantics; other kinds keep zero
	// receiver/amount and are rejected by the verifier's kind check.
	if transfer.Type == "pay" {
		if raw.Payment == nil || raw.Payment.Receiver == nil || raw.Payment.Amount == nil {
			return Transfer{}, fmt.Errorf("payment transaction %s missing payment fields", transfer.ID)
		}
		transfer.Receiver = *raw.Payment.Receiver
		transfer.Amount = *raw.Payment.Amount
	}

	return transfer, nil
}

var errStatusNotFound = errors.New("resource not found")

func (c *Client) get(ctx context.Context, base, token, path string, query url.Values, out interface{}) error {
	endpoint := strings.TrimRight(base, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransientRemote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errStatusNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned status %d: %s", types.ErrTransientRemote, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
