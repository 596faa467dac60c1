package txn

import (
	"encoding/json"
	"fmt"
	"strconv"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/domain"
)

// Entry function names of the claim ledger module.
const (
	FnInitModule     = "init_module"
	FnAddToAllowlist = "add_to_allowlist"
	FnClaim          = "claim"
	FnGetMetadata    = "get_metadata"
)

// LedgerFunction returns <owner>::cabalcoin::<name>.
func LedgerFunction(owner domain.Address, name string) EntryFunction {
	return EntryFunction{Address: owner, Module: claim.ModuleName, Name: name}
}

// InitModulePayload publishes the ledger of owner.
func InitModulePayload(owner domain.Address) Payload {
	return Payload{Function: LedgerFunction(owner, FnInitModule).String(), Arguments: []json.RawMessage{}}
}

// ClaimPayload claims from the ledger of owner. It takes no arguments.
func ClaimPayload(owner domain.Address) Payload {
	return Payload{Function: LedgerFunction(owner, FnClaim).String(), Arguments: []json.RawMessage{}}
}

// AddToAllowlistPayload lists accounts on the ledger of owner with window [start, end).
// u64 arguments are encoded as decimal strings.
func AddToAllowlistPayload(owner domain.Address, accounts []domain.Address, window domain.ClaimWindow) (Payload, error) {
	return NewPayload(
		LedgerFunction(owner, FnAddToAllowlist),
		accounts,
		strconv.FormatInt(window.Start, 10),
		strconv.FormatInt(window.End, 10),
	)
}

// DecodeAddToAllowlistArgs is the inverse of AddToAllowlistPayload.
func DecodeAddToAllowlistArgs(p Payload) ([]domain.Address, domain.ClaimWindow, error) {
	var window domain.ClaimWindow
	if len(p.Arguments) != 3 {
		return nil, window, fmt.Errorf("%w: add_to_allowlist takes 3 arguments, got %d", claim.ErrInvalidArgument, len(p.Arguments))
	}

	var accounts []domain.Address
	if err := json.Unmarshal(p.Arguments[0], &accounts); err != nil {
		return nil, window, fmt.Errorf("%w: addresses: %v", claim.ErrInvalidArgument, err)
	}

	start, err := decodeU64(p.Arguments[1])
	if err != nil {
		return nil, window, fmt.Errorf("%w: claim_start: %v", claim.ErrInvalidArgument, err)
	}
	end, err := decodeU64(p.Arguments[2])
	if err != nil {
		return nil, window, fmt.Errorf("%w: claim_end: %v", claim.ErrInvalidArgument, err)
	}

	window.Start, window.End = start, end
	return accounts, window, nil
}

// decodeU64 accepts a JSON string or number holding a non-negative integer.
func decodeU64(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, err
		}
		s = n.String()
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %d", v)
	}
	return v, nil
}
