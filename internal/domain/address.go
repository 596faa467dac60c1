package domain

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressLength is the size of an account or object address in bytes.
const AddressLength = 32

// Address scheme bytes appended to the preimage before hashing.
const (
	schemeSingleEd25519 byte = 0x00
	schemeObjectSeed    byte = 0xFE
)

// Address identifies an account, a ledger (by its owner) or an asset object.
type Address [AddressLength]byte

// ZeroAddress is the all-zero address.
var ZeroAddress Address

// AddressFromPublicKey derives an account address from an ed25519 public key:
// SHA3-256(public_key | 0x00).
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte{schemeSingleEd25519})

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// ObjectAddress derives a named object address owned by creator:
// SHA3-256(creator | seed | 0xFE).
func ObjectAddress(creator Address, seed []byte) Address {
	h := sha3.New256()
	h.Write(creator[:])
	h.Write(seed)
	h.Write([]byte{schemeObjectSeed})

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// ParseAddress parses a hex address with or without 0x prefix.
// Short forms ("0x1") are left-padded with zeros.
func ParseAddress(s string) (Address, error) {
	var a Address

	trimmed := strings.ToLower(strings.TrimSpace(s))
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if trimmed == "" {
		return a, fmt.Errorf("parse address %q: empty", s)
	}
	if len(trimmed) > AddressLength*2 {
		return a, fmt.Errorf("parse address %q: too long", s)
	}
	if len(trimmed)%2 == 1 {
		trimmed = "0" + trimmed
	}

	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}

	copy(a[AddressLength-len(b):], b)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the long form: 0x followed by 64 hex characters.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Short returns the address with leading zero bytes trimmed (0x1, 0xa, ...).
func (a Address) Short() string {
	s := strings.TrimLeft(hex.EncodeToString(a[:]), "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
