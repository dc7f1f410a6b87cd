// Package client is the REST client for the stakeswap API. Requests made by
// a client with a signer carry the identity signature headers the server's
// auth middleware verifies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/server/middleware"
)

// Client talks to one stakeswap API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	now        func() time.Time
}

// New creates a client for baseURL, e.g. "http://localhost:8080". A nil
// signer makes anonymous requests; a nil httpClient gets a 30s timeout.
func New(baseURL string, signer *crypto.Signer, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		signer:     signer,
		now:        time.Now,
	}
}

// Address returns the signing identity, or the zero address when anonymous.
func (c *Client) Address() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// APIError is a non-2xx response. Kind is the server's rejection label,
// e.g. "deadline_violation".
type APIError struct {
	Status    int
	Message   string
	Kind      string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Unwrap maps the rejection label back to the domain sentinel so callers can
// use errors.Is on client errors the same way as on service errors.
func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "precondition_violation":
		return domain.ErrPreconditionViolation
	case "deadline_violation":
		return domain.ErrDeadlineViolation
	case "commitment_mismatch":
		return domain.ErrCommitmentMismatch
	case "insufficient_funds":
		return domain.ErrInsufficientFunds
	case "not_found":
		return domain.ErrNotFound
	case "invalid_argument":
		return domain.ErrInvalidArgument
	case "already_exists":
		return domain.ErrAlreadyExists
	case "conflict":
		return domain.ErrConflict
	case "unauthorized":
		return domain.ErrUnauthorized
	case "rate_limited":
		return domain.ErrRateLimited
	}
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	}
	return nil
}

// ExchangeView is the response of every exchange action.
type ExchangeView struct {
	Exchange domain.ExchangeSummary `json:"exchange"`
	Detail   domain.ExchangeDetail  `json:"detail"`
}

// IdentityView is a registered identity as served by the API.
type IdentityView struct {
	Address   common.Address `json:"address"`
	PublicKey hexutil.Bytes  `json:"public_key"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
}

// --------------------------------------------------------------------------
// Exchanges
// --------------------------------------------------------------------------

// CreateExchange opens an exchange staking stake from the caller's balance.
func (c *Client) CreateExchange(ctx context.Context, content, description, requirement string, stake *uint256.Int) (ExchangeView, error) {
	body := map[string]any{
		"content":     content,
		"description": description,
		"requirement": requirement,
		"stake":       stake.Dec(),
	}
	var out ExchangeView
	if err := c.doJSON(ctx, http.MethodPost, "/api/exchanges", nil, body, &out); err != nil {
		return ExchangeView{}, fmt.Errorf("client: create exchange: %w", err)
	}
	return out, nil
}

// ListOpen returns Pending exchanges.
func (c *Client) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.ExchangeSummary, error) {
	var out struct {
		Exchanges []domain.ExchangeSummary `json:"exchanges"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/exchanges/open", listQuery(opts), nil, &out); err != nil {
		return nil, fmt.Errorf("client: list open: %w", err)
	}
	return out.Exchanges, nil
}

func (c *Client) Exchange(ctx context.Context, id int64) (domain.ExchangeSummary, error) {
	var out domain.ExchangeSummary
	if err := c.doJSON(ctx, http.MethodGet, exchangePath(id, ""), nil, nil, &out); err != nil {
		return domain.ExchangeSummary{}, fmt.Errorf("client: get exchange %d: %w", id, err)
	}
	return out, nil
}

func (c *Client) Detail(ctx context.Context, id int64) (domain.ExchangeDetail, error) {
	var out domain.ExchangeDetail
	if err := c.doJSON(ctx, http.MethodGet, exchangePath(id, "detail"), nil, nil, &out); err != nil {
		return domain.ExchangeDetail{}, fmt.Errorf("client: get detail %d: %w", id, err)
	}
	return out, nil
}

// Content requires a signer that participates in the exchange.
func (c *Client) Content(ctx context.Context, id int64) (domain.ExchangeContent, error) {
	var out domain.ExchangeContent
	if err := c.doJSON(ctx, http.MethodGet, exchangePath(id, "content"), nil, nil, &out); err != nil {
		return domain.ExchangeContent{}, fmt.Errorf("client: get content %d: %w", id, err)
	}
	return out, nil
}

func (c *Client) Events(ctx context.Context, id int64, opts domain.ListOpts) ([]domain.Event, error) {
	var out struct {
		Events []domain.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, exchangePath(id, "events"), listQuery(opts), nil, &out); err != nil {
		return nil, fmt.Errorf("client: list events %d: %w", id, err)
	}
	return out.Events, nil
}

// Commit records hash as the caller's commitment on exchange id.
func (c *Client) Commit(ctx context.Context, id int64, hash common.Hash) (ExchangeView, error) {
	return c.act(ctx, id, "commit", map[string]any{"hash": hash})
}

// Match reveals secret and joins exchange id as its counterparty.
func (c *Client) Match(ctx context.Context, id int64, content, description string, secret crypto.Secret) (ExchangeView, error) {
	return c.act(ctx, id, "match", map[string]any{
		"content":     content,
		"description": description,
		"secret":      secret.Hex(),
	})
}

func (c *Client) Accept(ctx context.Context, id int64) (ExchangeView, error) {
	return c.act(ctx, id, "accept", nil)
}

func (c *Client) Decline(ctx context.Context, id int64) (ExchangeView, error) {
	return c.act(ctx, id, "decline", nil)
}

func (c *Client) Rate(ctx context.Context, id int64, rating int) (ExchangeView, error) {
	return c.act(ctx, id, "rate", map[string]any{"rating": rating})
}

func (c *Client) ClaimExpired(ctx context.Context, id int64) (ExchangeView, error) {
	return c.act(ctx, id, "claim-expired", nil)
}

func (c *Client) ClaimAfterRatingDeadline(ctx context.Context, id int64) (ExchangeView, error) {
	return c.act(ctx, id, "claim-rating", nil)
}

// GrantKey hands the counterparty a content key wrapped to its public key.
func (c *Client) GrantKey(ctx context.Context, id int64, wrappedKey []byte) (ExchangeView, error) {
	return c.act(ctx, id, "keys", map[string]any{"wrapped_key": hexutil.Bytes(wrappedKey)})
}

func (c *Client) act(ctx context.Context, id int64, action string, body any) (ExchangeView, error) {
	if body == nil {
		body = struct{}{}
	}
	var out ExchangeView
	if err := c.doJSON(ctx, http.MethodPost, exchangePath(id, action), nil, body, &out); err != nil {
		return ExchangeView{}, fmt.Errorf("client: %s exchange %d: %w", action, id, err)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Identities and ledger
// --------------------------------------------------------------------------

func (c *Client) UserExchanges(ctx context.Context, who common.Address, opts domain.ListOpts) ([]domain.ExchangeSummary, error) {
	var out struct {
		Exchanges []domain.ExchangeSummary `json:"exchanges"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/"+who.Hex()+"/exchanges", listQuery(opts), nil, &out); err != nil {
		return nil, fmt.Errorf("client: exchanges of %s: %w", who.Hex(), err)
	}
	return out.Exchanges, nil
}

func (c *Client) Reputation(ctx context.Context, who common.Address) (domain.Reputation, error) {
	var out domain.Reputation
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/"+who.Hex()+"/reputation", nil, nil, &out); err != nil {
		return domain.Reputation{}, fmt.Errorf("client: reputation of %s: %w", who.Hex(), err)
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context, who common.Address) (*uint256.Int, error) {
	var out balanceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/"+who.Hex()+"/balance", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("client: balance of %s: %w", who.Hex(), err)
	}
	return out.amount()
}

// ClaimFaucet claims the caller's one-time initial tokens and returns the
// resulting balance.
func (c *Client) ClaimFaucet(ctx context.Context) (*uint256.Int, error) {
	var out balanceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/ledger/faucet", nil, struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("client: claim faucet: %w", err)
	}
	return out.amount()
}

func (c *Client) Identity(ctx context.Context, who common.Address) (IdentityView, error) {
	var out IdentityView
	if err := c.doJSON(ctx, http.MethodGet, "/api/identities/"+who.Hex(), nil, nil, &out); err != nil {
		return IdentityView{}, fmt.Errorf("client: identity %s: %w", who.Hex(), err)
	}
	return out, nil
}

type balanceResponse struct {
	Address common.Address `json:"address"`
	Balance string         `json:"balance"`
}

func (b balanceResponse) amount() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(b.Balance)
	if err != nil {
		return nil, fmt.Errorf("client: balance %q: %w", b.Balance, err)
	}
	return v, nil
}

// --------------------------------------------------------------------------
// Blobs
// --------------------------------------------------------------------------

// UploadBlob stores data in the content vault and returns its reference.
func (c *Client) UploadBlob(ctx context.Context, data []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/blobs", nil, data, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("client: upload blob: %w", err)
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("client: decode blob ref: %w", err)
	}
	return out.Ref, nil
}

func (c *Client) DownloadBlob(ctx context.Context, ref string) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/blobs/"+url.PathEscape(ref), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("client: download blob %s: %w", ref, err)
	}
	return data, nil
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("client: health: %w", err)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var raw []byte
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		raw, contentType = b, "application/json"
	}
	resp, err := c.do(ctx, method, path, query, raw, contentType)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends one request, signing method, path and body when the client has
// a signer. The query string is not part of the signature.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.signer != nil {
		ts := c.now().Unix()
		sig, err := c.signer.SignRequest(method, path, ts, body)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(middleware.HeaderAddress, c.signer.Address().Hex())
		req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(middleware.HeaderSignature, sig)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus turns non-2xx responses into *APIError.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: statusCode}
	var payload struct {
		Error     string `json:"error"`
		Kind      string `json:"kind"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Message, apiErr.Kind, apiErr.Retryable = payload.Error, payload.Kind, payload.Retryable
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// IsRetryable reports whether err is a rejection the server marked as safe
// to retry.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

func exchangePath(id int64, action string) string {
	p := "/api/exchanges/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func listQuery(opts domain.ListOpts) url.Values {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	return q
}
