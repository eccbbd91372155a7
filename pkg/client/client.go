// Package client provides the Go SDK for the fundround HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/fundround/internal/identity"
	"github.com/jmerrifield20/fundround/pkg/address"
)

// Errors returned by the server, matched with errors.Is against an *APIError.
var (
	ErrUnauthorizedDepositor = errors.New("unauthorized depositor")
	ErrAlreadyDeposited      = errors.New("already deposited")
	ErrFundingExpired        = errors.New("funding expired")
	ErrReinitialization      = errors.New("ledger already initialized")
	ErrZeroAmount            = errors.New("zero amount")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrNotFound              = errors.New("not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrNoSigner              = errors.New("client has no signing key; use WithSigner")
)

var codeErrors = map[string]error{
	"UnauthorizedDepositor":    ErrUnauthorizedDepositor,
	"AlreadyDeposited":         ErrAlreadyDeposited,
	"FundingExpired":           ErrFundingExpired,
	"ReinitializationRejected": ErrReinitialization,
	"ZeroAmount":               ErrZeroAmount,
	"InsufficientFunds":        ErrInsufficientFunds,
	"NotFound":                 ErrNotFound,
	"InvalidRequest":           ErrInvalidRequest,
	"Unauthenticated":          ErrUnauthenticated,
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// Unwrap maps the response code to one of the package sentinel errors.
func (e *APIError) Unwrap() error { return codeErrors[e.Code] }

// Ledger is the stored state of a round.
type Ledger struct {
	Address           string    `json:"address"`
	Authority         string    `json:"authority"`
	AllowedDepositors []string  `json:"allowed_depositors"`
	Deposits          []uint64  `json:"deposits"`
	TotalCollected    uint64    `json:"total_collected"`
	DepositorsCount   uint8     `json:"depositors_count"`
	ExpiresAt         time.Time `json:"expires_at"`
	VaultBump         uint8     `json:"vault_bump"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Vault is the custody account of a round.
type Vault struct {
	Address string `json:"address"`
	Ledger  string `json:"ledger"`
	Balance uint64 `json:"balance"`
}

// Slot is the state of one whitelisted depositor.
type Slot struct {
	Depositor string `json:"depositor"`
	Amount    uint64 `json:"amount"`
	Status    string `json:"status"`
}

// Round is returned by CreateRound and GetRound.
type Round struct {
	Ledger   Ledger `json:"ledger"`
	Vault    Vault  `json:"vault"`
	Slots    []Slot `json:"slots"`
	Expired  bool   `json:"expired"`
	Complete bool   `json:"complete"`
}

// Receipt is returned by Deposit.
type Receipt struct {
	Ledger          string `json:"ledger"`
	Vault           string `json:"vault"`
	Depositor       string `json:"depositor"`
	Slot            int    `json:"slot"`
	Amount          uint64 `json:"amount"`
	TotalCollected  uint64 `json:"total_collected"`
	DepositorsCount uint8  `json:"depositors_count"`
}

// CreateRoundRequest is the payload for CreateRound. Ledger is optional.
type CreateRoundRequest struct {
	Ledger            string    `json:"ledger,omitempty"`
	AllowedDepositors []string  `json:"allowed_depositors"`
	ExpiresAt         time.Time `json:"-"`
}

// Client talks to a fundingd server.
type Client struct {
	base       string
	httpClient *http.Client

	key      ed25519.PrivateKey
	audience string
	tokenTTL time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithSigner signs mutating requests with key. audience must match the
// server's auth.audience setting.
func WithSigner(key ed25519.PrivateKey, audience string) Option {
	return func(c *Client) error {
		if len(key) != ed25519.PrivateKeySize {
			return fmt.Errorf("signer key: want %d bytes, got %d", ed25519.PrivateKeySize, len(key))
		}
		c.key = key
		c.audience = audience
		return nil
	}
}

// WithTokenTTL overrides the lifetime of request tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.tokenTTL = ttl
		return nil
	}
}

// New creates a Client for the server at base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithSigner(key, "fundround"),
//	)
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokenTTL:   identity.DefaultTokenTTL,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Address returns the address of the signing key, or the zero address when
// the client is unsigned.
func (c *Client) Address() address.Address {
	if c.key == nil {
		return address.Zero
	}
	a, _ := address.FromPublicKey(c.key.Public().(ed25519.PublicKey))
	return a
}

// CreateRound opens a round whose authority is the client's signer.
func (c *Client) CreateRound(ctx context.Context, r CreateRoundRequest) (*Round, error) {
	body := struct {
		CreateRoundRequest
		ExpiresAt int64 `json:"expires_at"`
	}{r, r.ExpiresAt.Unix()}

	var out Round
	if err := c.call(ctx, http.MethodPost, "/api/v1/rounds", identity.OpCreate, body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRound returns the full view of a round.
func (c *Client) GetRound(ctx context.Context, ledger string) (*Round, error) {
	var out Round
	if err := c.call(ctx, http.MethodGet, "/api/v1/rounds/"+url.PathEscape(ledger), "", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRounds returns a page of ledgers, newest first.
func (c *Client) ListRounds(ctx context.Context, limit, offset int) ([]Ledger, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out struct {
		Rounds []Ledger `json:"rounds"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/rounds", "", nil, q, &out); err != nil {
		return nil, err
	}
	return out.Rounds, nil
}

// Deposit contributes amount to the round at ledger from the client's signer.
func (c *Client) Deposit(ctx context.Context, ledger string, amount uint64) (*Receipt, error) {
	var out Receipt
	path := "/api/v1/rounds/" + url.PathEscape(ledger) + "/deposits"
	if err := c.call(ctx, http.MethodPost, path, identity.OpDeposit, map[string]uint64{"amount": amount}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VaultBalance returns the custody account of the round at ledger.
func (c *Client) VaultBalance(ctx context.Context, ledger string) (*Vault, error) {
	var out Vault
	path := "/api/v1/rounds/" + url.PathEscape(ledger) + "/vault"
	if err := c.call(ctx, http.MethodGet, path, "", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the custody balance of addr.
func (c *Client) Balance(ctx context.Context, addr string) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(addr), "", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Airdrop credits addr with amount using the operator secret. It returns the
// new balance.
func (c *Client) Airdrop(ctx context.Context, adminSecret, addr string, amount uint64) (uint64, error) {
	b, err := json.Marshal(map[string]uint64{"amount": amount})
	if err != nil {
		return 0, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/v1/accounts/"+url.PathEscape(addr)+"/airdrop", bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.AdminSecretHeader, adminSecret)

	body, err := c.do(req)
	if err != nil {
		return 0, err
	}
	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Balance, nil
}

// call builds and executes a JSON request. A non-empty op signs the request
// with a fresh single-use token bound to its method, path and body.
func (c *Client) call(ctx context.Context, method, path, op string, reqBody any, q url.Values, respBody any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var payload []byte
	var bodyReader io.Reader
	if reqBody != nil {
		var err error
		if payload, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if op != "" {
		if c.key == nil {
			return ErrNoSigner
		}
		digest := identity.RequestDigest(method, req.URL.Path, payload)
		token, err := identity.Sign(c.key, c.audience, op, digest, c.tokenTTL)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes req and converts non-2xx responses into *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		if apiErr.Code == "" && resp.StatusCode == http.StatusNotFound {
			apiErr.Code = "NotFound"
		}
		return nil, apiErr
	}
	return body, nil
}
