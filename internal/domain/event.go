package domain

// EventType identifies a ledger event.
type EventType string

const (
	EventLedgerInitialized EventType = "LEDGER_INITIALIZED"
	EventAllowlistUpdated  EventType = "ALLOWLIST_UPDATED"
	EventClaimed           EventType = "CLAIMED"
	EventDeposit           EventType = "DEPOSIT"
)

// LedgerEvent is emitted by a successful state transition.
// Fields not relevant to Type are left zero.
type LedgerEvent struct {
	Type      EventType    `json:"type"`
	Ledger    Address      `json:"ledger"`
	Account   Address      `json:"account"`
	Asset     Address      `json:"asset"`
	Amount    uint64       `json:"amount,omitempty"`
	Balance   uint64       `json:"balance,omitempty"` // post-deposit balance
	Window    *ClaimWindow `json:"window,omitempty"`
	Timestamp int64        `json:"timestamp"` // ledger time (unix seconds)
}
