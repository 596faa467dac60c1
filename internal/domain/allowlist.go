package domain

// ClaimWindow is a half-open interval [Start, End) in unix seconds.
type ClaimWindow struct {
	Start int64 `json:"claim_start"`
	End   int64 `json:"claim_end"`
}

// Valid reports whether the window is non-degenerate (End > Start).
func (w ClaimWindow) Valid() bool {
	return w.End > w.Start
}

// Contains reports whether t lies in [Start, End).
func (w ClaimWindow) Contains(t int64) bool {
	return t >= w.Start && t < w.End
}

// AllowlistEntry records that Account may claim from Ledger during Window.
// Corresponds to allowlist_entries table in PostgreSQL.
type AllowlistEntry struct {
	Ledger    Address     `json:"ledger"`
	Account   Address     `json:"account"`
	Window    ClaimWindow `json:"window"`
	AddedAt   int64       `json:"added_at"`   // first listing (ledger time, seconds)
	UpdatedAt int64       `json:"updated_at"` // last window update (ledger time, seconds)
}
