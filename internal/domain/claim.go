package domain

// ClaimState is the per-account position in the claim state machine.
type ClaimState string

const (
	ClaimStateUnlisted ClaimState = "UNLISTED"
	ClaimStateListed   ClaimState = "LISTED"
	ClaimStateClaimed  ClaimState = "CLAIMED"
)

// String returns the string representation of ClaimState.
func (s ClaimState) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s ClaimState) IsValid() bool {
	return s == ClaimStateUnlisted || s == ClaimStateListed || s == ClaimStateClaimed
}

// IsTerminal reports whether no transition leaves s.
func (s ClaimState) IsTerminal() bool {
	return s == ClaimStateClaimed
}

// ClaimRecord is the write-once marker of a successful claim.
// Corresponds to claim_records table in PostgreSQL.
type ClaimRecord struct {
	Ledger    Address `json:"ledger"`
	Account   Address `json:"account"`
	Amount    uint64  `json:"amount"`
	ClaimedAt int64   `json:"claimed_at"` // ledger time (unix seconds)
}

// ClaimOutcomeSuccess is the outcome label of an accepted claim attempt.
const ClaimOutcomeSuccess = "SUCCESS"

// ClaimAttempt is one analytics row per executed claim transaction,
// accepted or rejected. Corresponds to claim_events table in ClickHouse.
type ClaimAttempt struct {
	AttemptID  string  // deterministic hash of (ledger, account, tx_hash)
	Ledger     Address
	Account    Address
	TxHash     string
	Outcome    string // ClaimOutcomeSuccess or the rejection reason
	Amount     uint64 // credited amount, 0 when rejected
	LedgerTime int64  // unix seconds at execution
	Version    uint64 // ledger version of the transaction
}
