package domain

import "encoding/json"

// TxStatus is the lifecycle status of a submitted transaction.
type TxStatus string

const (
	TxStatusPending TxStatus = "PENDING"
	TxStatusSuccess TxStatus = "SUCCESS"
	TxStatusFailed  TxStatus = "FAILED"
)

// IsFinal reports whether the transaction has been executed.
func (s TxStatus) IsFinal() bool {
	return s == TxStatusSuccess || s == TxStatusFailed
}

// TransactionRecord is the node-side record of a submitted transaction.
// Corresponds to transactions table in PostgreSQL.
type TransactionRecord struct {
	Hash        string          `json:"hash"`
	Sender      Address         `json:"sender"`
	Function    string          `json:"function"` // <address>::<module>::<function>
	Payload     json.RawMessage `json:"payload"`  // entry function payload
	Nonce       uint64          `json:"sequence_number"`
	Status      TxStatus        `json:"status"`
	VMStatus    string          `json:"vm_status"`
	Version     uint64          `json:"version"`                // 0 until executed
	SubmittedAt int64           `json:"submitted_at"`           // wall clock, unix ms
	FinalizedAt *int64          `json:"finalized_at,omitempty"` // wall clock, unix ms
	Events      []LedgerEvent   `json:"events,omitempty"`
}

// Success reports whether the transaction executed without abort.
func (t *TransactionRecord) Success() bool {
	return t.Status == TxStatusSuccess
}
