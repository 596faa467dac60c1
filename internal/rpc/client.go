package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/observability"
	"cabalcoin-lab/internal/txn"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// HTTPClient implements LedgerClient using HTTP JSON-RPC 2.0.
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new node RPC client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the node URL.
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

// retryable lists the methods that are safe to send again after a transport
// failure. Reads have no effect; the node accepts a resubmitted transaction
// hash as the original submission. A faucet request credits on every call.
var retryable = map[string]bool{
	MethodSubmitTransaction: true,
	MethodGetTransaction:    true,
	MethodView:              true,
	MethodGetBalance:        true,
	MethodGetLedgerInfo:     true,
	MethodGetAccount:        true,
}

// call performs a JSON-RPC call with retries and exponential backoff.
// Only transport failures of retryable methods are retried; they surface as
// claim.ErrLedgerUnavailable.
func (c *HTTPClient) call(ctx context.Context, method string, result any, params ...any) error {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	encoded, err := EncodeParams(params...)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  encoded,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	maxRetries := c.maxRetries
	if !retryable[method] {
		maxRetries = 0
	}
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		// Handle rate limiting
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			continue
		}

		var rpcResp Response
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}

		if rpcResp.Error != nil {
			// RPC errors are not retried
			return rpcResp.Error
		}

		if result != nil && len(rpcResp.Result) > 0 {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}

		return nil
	}

	if maxRetries == 0 {
		return fmt.Errorf("%w: %s: %w", claim.ErrLedgerUnavailable, method, lastErr)
	}
	return fmt.Errorf("%w: %s: max retries exceeded: %w", claim.ErrLedgerUnavailable, method, lastErr)
}

// SubmitTransaction submits a signed transaction and returns its hash.
func (c *HTTPClient) SubmitTransaction(ctx context.Context, tx *txn.SignedTransaction) (string, error) {
	var result SubmitResult
	if err := c.call(ctx, MethodSubmitTransaction, &result, tx); err != nil {
		return "", err
	}
	return result.Hash, nil
}

// GetTransaction retrieves a transaction by hash. Returns nil if not found.
func (c *HTTPClient) GetTransaction(ctx context.Context, hash string) (*domain.TransactionRecord, error) {
	var result *domain.TransactionRecord
	if err := c.call(ctx, MethodGetTransaction, &result, hash); err != nil {
		return nil, err
	}
	return result, nil
}

// View calls a view function and returns its return values.
func (c *HTTPClient) View(ctx context.Context, req ViewRequest) ([]json.RawMessage, error) {
	if req.Arguments == nil {
		req.Arguments = []json.RawMessage{}
	}
	var result []json.RawMessage
	if err := c.call(ctx, MethodView, &result, req); err != nil {
		return nil, err
	}
	return result, nil
}

// GetBalance reads the indexed balance of owner for asset.
func (c *HTTPClient) GetBalance(ctx context.Context, owner, asset domain.Address) (*domain.Balance, error) {
	var result domain.Balance
	if err := c.call(ctx, MethodGetBalance, &result, owner, asset); err != nil {
		return nil, err
	}
	return &result, nil
}

// FundAccount asks the faucet to credit amount of native coin to account.
func (c *HTTPClient) FundAccount(ctx context.Context, account domain.Address, amount uint64) (string, error) {
	var result SubmitResult
	if err := c.call(ctx, MethodFundAccount, &result, account, amount); err != nil {
		return "", err
	}
	return result.Hash, nil
}

// GetLedgerInfo returns the chain id, latest version and ledger time.
func (c *HTTPClient) GetLedgerInfo(ctx context.Context) (*LedgerInfo, error) {
	var result LedgerInfo
	if err := c.call(ctx, MethodGetLedgerInfo, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAccount returns the next sequence number of account.
func (c *HTTPClient) GetAccount(ctx context.Context, account domain.Address) (*AccountInfo, error) {
	var result AccountInfo
	if err := c.call(ctx, MethodGetAccount, &result, account); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMetadata calls the ledger's get_metadata view and returns the asset handle.
func GetMetadata(ctx context.Context, c LedgerClient, owner domain.Address) (domain.Address, error) {
	values, err := c.View(ctx, ViewRequest{
		Function:  txn.LedgerFunction(owner, txn.FnGetMetadata).String(),
		Arguments: []json.RawMessage{},
	})
	if err != nil {
		return domain.ZeroAddress, err
	}
	if len(values) != 1 {
		return domain.ZeroAddress, fmt.Errorf("get_metadata returned %d values", len(values))
	}

	var obj ObjectRef
	if err := json.Unmarshal(values[0], &obj); err != nil {
		return domain.ZeroAddress, fmt.Errorf("decode get_metadata result: %w", err)
	}
	return obj.Inner, nil
}

// ObjectRef is how view functions return an object handle.
type ObjectRef struct {
	Inner domain.Address `json:"inner"`
}

var _ LedgerClient = (*HTTPClient)(nil)
