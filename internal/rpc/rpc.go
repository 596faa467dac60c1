// Package rpc is the client side of the devnet node's JSON-RPC and
// WebSocket interfaces. The wire types here are shared with the node.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/txn"
)

// JSON-RPC method names.
const (
	MethodSubmitTransaction = "submitTransaction"
	MethodGetTransaction    = "getTransaction"
	MethodView              = "view"
	MethodGetBalance        = "getBalance"
	MethodFundAccount       = "fundAccount"
	MethodGetLedgerInfo     = "getLedgerInfo"
	MethodGetAccount        = "getAccount"

	MethodTransactionSubscribe    = "transactionSubscribe"
	MethodTransactionNotification = "transactionNotification"
)

// JSON-RPC error codes.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeLedgerUnavailable = -32000
	CodeViewAborted       = -32001
	CodeTxRejected        = -32002
)

// LedgerClient is the node API used by the scenario and the waiter.
type LedgerClient interface {
	// SubmitTransaction submits a signed transaction and returns its hash without waiting.
	SubmitTransaction(ctx context.Context, tx *txn.SignedTransaction) (string, error)

	// GetTransaction retrieves a transaction by hash. Returns nil if the node does not know it.
	GetTransaction(ctx context.Context, hash string) (*domain.TransactionRecord, error)

	// View calls a view function.
	View(ctx context.Context, req ViewRequest) ([]json.RawMessage, error)

	// GetBalance reads the indexed balance of owner for asset, 0 if absent.
	GetBalance(ctx context.Context, owner, asset domain.Address) (*domain.Balance, error)

	// FundAccount credits native coin from the faucet and returns the transaction hash.
	FundAccount(ctx context.Context, account domain.Address, amount uint64) (string, error)

	// GetLedgerInfo returns the chain id, latest version and ledger time.
	GetLedgerInfo(ctx context.Context) (*LedgerInfo, error)

	// GetAccount returns the next sequence number of an account.
	GetAccount(ctx context.Context, account domain.Address) (*AccountInfo, error)
}

// ViewRequest is the parameter of the view method.
type ViewRequest struct {
	Function  string            `json:"function"`
	Arguments []json.RawMessage `json:"arguments"`
}

// SubmitResult is returned by submitTransaction and fundAccount.
type SubmitResult struct {
	Hash string `json:"hash"`
}

// LedgerInfo is returned by getLedgerInfo.
type LedgerInfo struct {
	ChainID         uint8  `json:"chain_id"`
	LedgerVersion   uint64 `json:"ledger_version"`
	LedgerTimestamp int64  `json:"ledger_timestamp"` // unix seconds
}

// AccountInfo is returned by getAccount.
type AccountInfo struct {
	Address        domain.Address `json:"address"`
	SequenceNumber uint64         `json:"sequence_number"`
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ErrorData carries the VM status of an aborted view or rejected transaction.
type ErrorData struct {
	VMStatus string `json:"vm_status,omitempty"`
}

// Error is a JSON-RPC 2.0 error.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Unwrap exposes the ledger failure behind the error, if any.
func (e *Error) Unwrap() error {
	if e.Data != nil && e.Data.VMStatus != "" {
		return claim.FailureFromStatus(e.Data.VMStatus)
	}
	if e.Code == CodeLedgerUnavailable {
		return claim.ErrLedgerUnavailable
	}
	return nil
}

// ErrWaitTimeout is returned when a transaction is not finalized before the deadline.
// The transaction itself is not cancelled.
var ErrWaitTimeout = errors.New("timed out waiting for transaction")

// TransactionFailedError reports a finalized transaction that aborted.
type TransactionFailedError struct {
	Hash     string
	VMStatus string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Hash, e.VMStatus)
}

// Unwrap returns the ledger failure encoded in the VM status.
func (e *TransactionFailedError) Unwrap() error {
	return claim.FailureFromStatus(e.VMStatus)
}

// Notification is a server push over the WebSocket.
type Notification struct {
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  *NotificationParams `json:"params"`
}

// NotificationParams carries a finalized transaction for one subscription.
type NotificationParams struct {
	Subscription int64                     `json:"subscription"`
	Result       *domain.TransactionRecord `json:"result"`
}

// EncodeParams encodes each value as a JSON-RPC positional parameter.
func EncodeParams(values ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode param %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
