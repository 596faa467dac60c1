package domain

// Balance is the indexed amount of Asset held by Owner.
// Corresponds to fa_balances table in ClickHouse.
type Balance struct {
	Owner       Address `json:"owner"`
	Asset       Address `json:"asset"`
	Amount      uint64  `json:"amount"`
	LastVersion uint64  `json:"last_version"` // ledger version that produced Amount
	UpdatedAt   int64   `json:"updated_at"`   // ledger time (unix seconds)
}
