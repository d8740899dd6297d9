package canister

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sippar-network/ck-bridge-api/types"
)

// SignerClient talks to the external threshold-signature service. Address
// derivation is idempotent per user identity: the service returns the same
// address for the same identity on every call.
type SignerClient struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

type SignerClientOpts struct {
	URL     string
	Token   string
	Logger  *slog.Logger
	Timeout time.Duration
}

func NewSignerClient(opts SignerClientOpts) (*SignerClient, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("signer URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SignerClient{
		url:        strings.TrimRight(strings.TrimSpace(opts.URL), "/"),
		token:      opts.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     opts.Logger,
	}, nil
}

type deriveRequest struct {
	User string `json:"user"`
}

type deriveResponse struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
}

// DeriveAddress asks the threshold signer for the custody address belonging
// to a user identity. This is the expensive call the resolver caches.
func (c *SignerClient) DeriveAddress(ctx context.Context, user string) (types.DerivedAddress, error) {
	var resp deriveResponse
	if err := c.post(ctx, "/v1/derive", deriveRequest{User: user}, &resp); err != nil {
		return types.DerivedAddress{}, err
	}
	if resp.Address == "" || resp.PublicKey == "" {
		return types.DerivedAddress{}, fmt.Errorf("derive response for %s missing address or public key", user)
	}
	publicKey, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return types.DerivedAddress{}, fmt.Errorf("failed to decode public key for %s: %w", user, err)
	}
	return types.DerivedAddress{Address: resp.Address, PublicKey: publicKey}, nil
}

type signRequest struct {
	User    string `json:"user"`
	Payload string `json:"payload"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// Sign requests a threshold signature over the payload on behalf of a user.
// Used by the outbound transaction path, not by the deposit core.
func (c *SignerClient) Sign(ctx context.Context, user string, payload []byte) ([]byte, error) {
	var resp signResponse
	req := signRequest{User: user, Payload: base64.StdEncoding.EncodeToString(payload)}
	if err := c.post(ctx, "/v1/sign", req, &resp); err != nil {
		return nil, err
	}
	signature, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature for %s: %w", user, err)
	}
	return signature, nil
}

func (c *SignerClient) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrTransientRemote, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", types.ErrTransientRemote, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
