package domain

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Account is an externally owned ed25519 identity. The ledger never owns it.
type Account struct {
	privateKey ed25519.PrivateKey
	address    Address
}

// GenerateAccount creates a fresh random account.
func GenerateAccount() (*Account, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return newAccount(priv), nil
}

// AccountFromSeed derives an account from a 32-byte ed25519 seed.
func AccountFromSeed(seed []byte) (*Account, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return newAccount(ed25519.NewKeyFromSeed(seed)), nil
}

func newAccount(priv ed25519.PrivateKey) *Account {
	pub := priv.Public().(ed25519.PublicKey)
	return &Account{
		privateKey: priv,
		address:    AddressFromPublicKey(pub),
	}
}

// Address returns the account address.
func (a *Account) Address() Address {
	return a.address
}

// PublicKey returns the ed25519 public key.
func (a *Account) PublicKey() ed25519.PublicKey {
	return a.privateKey.Public().(ed25519.PublicKey)
}

// Sign signs msg with the account's private key.
func (a *Account) Sign(msg []byte) []byte {
	return ed25519.Sign(a.privateKey, msg)
}
