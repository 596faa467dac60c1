package domain

// DefaultDecimals is the decimal precision used when none is declared.
const DefaultDecimals uint8 = 8

// NativeAsset is the handle of the chain's native coin (gas and faucet funds).
var NativeAsset = Address{AddressLength - 1: 0x0a}

// NativeSymbol is the ticker of the native coin.
const NativeSymbol = "APT"

// AssetMetadata describes a fungible asset.
// Created once when a claim ledger is published and never mutated afterwards.
// Corresponds to asset_metadata table in PostgreSQL.
type AssetMetadata struct {
	Handle     Address `json:"handle"`      // object address of the asset
	Ledger     Address `json:"ledger"`      // owner of the claim ledger that minted it
	Name       string  `json:"name"`
	Symbol     string  `json:"symbol"`
	Decimals   uint8   `json:"decimals"`
	IconURI    string  `json:"icon_uri,omitempty"`
	ProjectURI string  `json:"project_uri,omitempty"`
	CreatedAt  int64   `json:"created_at"` // ledger time (unix seconds)
}

// AssetHandle returns the deterministic asset handle for a ledger and symbol.
func AssetHandle(ledger Address, symbol string) Address {
	return ObjectAddress(ledger, []byte(symbol))
}
