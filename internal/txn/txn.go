// Package txn builds, signs and verifies ledger transactions.
package txn

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"

	"cabalcoin-lab/internal/domain"
)

// Transaction validation errors.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrSenderMismatch   = errors.New("sender does not match public key")
	ErrExpired          = errors.New("transaction expired")
	ErrInvalidFunction  = errors.New("invalid entry function")
)

// signingSalt domain-separates transaction signatures from other messages.
const signingSalt = "CABAL::RawTransaction"

// DefaultTTL is how long a built transaction stays valid.
const DefaultTTL = 30 * time.Second

// EntryFunction identifies <address>::<module>::<function>.
type EntryFunction struct {
	Address domain.Address
	Module  string
	Name    string
}

// ParseEntryFunction parses "<address>::<module>::<function>".
func ParseEntryFunction(s string) (EntryFunction, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return EntryFunction{}, fmt.Errorf("%w: %q", ErrInvalidFunction, s)
	}
	addr, err := domain.ParseAddress(parts[0])
	if err != nil {
		return EntryFunction{}, fmt.Errorf("%w: %v", ErrInvalidFunction, err)
	}
	return EntryFunction{Address: addr, Module: parts[1], Name: parts[2]}, nil
}

// String renders the long form.
func (e EntryFunction) String() string {
	return e.Address.String() + "::" + e.Module + "::" + e.Name
}

// Payload is an entry function call with JSON-encoded arguments.
type Payload struct {
	Function  string            `json:"function"`
	Arguments []json.RawMessage `json:"arguments"`
}

// NewPayload encodes args as JSON and builds a Payload.
func NewPayload(fn EntryFunction, args ...any) (Payload, error) {
	p := Payload{Function: fn.String(), Arguments: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Payload{}, fmt.Errorf("encode argument %d: %w", i, err)
		}
		p.Arguments = append(p.Arguments, raw)
	}
	return p, nil
}

// EntryFunction parses the payload's function.
func (p Payload) EntryFunction() (EntryFunction, error) {
	return ParseEntryFunction(p.Function)
}

// RawTransaction is the unsigned transaction body.
type RawTransaction struct {
	Sender              domain.Address `json:"sender"`
	SequenceNumber      uint64         `json:"sequence_number"`
	Payload             Payload        `json:"payload"`
	ExpirationTimestamp int64          `json:"expiration_timestamp_secs"`
	ChainID             uint8          `json:"chain_id"`
}

// SigningMessage returns SHA3-256(salt) followed by the canonical JSON body.
func (r RawTransaction) SigningMessage() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode raw transaction: %w", err)
	}
	prefix := sha3.Sum256([]byte(signingSalt))
	return append(prefix[:], body...), nil
}

// SignedTransaction is a RawTransaction with an ed25519 authenticator.
// Key and signature are base58 encoded.
type SignedTransaction struct {
	Raw       RawTransaction `json:"raw"`
	PublicKey string         `json:"public_key"`
	Signature string         `json:"signature"`
}

// Sign signs raw with acct.
func Sign(acct *domain.Account, raw RawTransaction) (*SignedTransaction, error) {
	if raw.Sender != acct.Address() {
		return nil, ErrSenderMismatch
	}
	msg, err := raw.SigningMessage()
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{
		Raw:       raw,
		PublicKey: base58.Encode(acct.PublicKey()),
		Signature: base58.Encode(acct.Sign(msg)),
	}, nil
}

// Verify checks the authenticator and expiration against now.
func (s *SignedTransaction) Verify(now time.Time) error {
	pub, err := base58.Decode(s.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	if !isOnCurve(pub) {
		return ErrInvalidPublicKey
	}
	if domain.AddressFromPublicKey(pub) != s.Raw.Sender {
		return ErrSenderMismatch
	}

	sig, err := base58.Decode(s.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	msg, err := s.Raw.SigningMessage()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}

	if s.Raw.ExpirationTimestamp > 0 && now.Unix() >= s.Raw.ExpirationTimestamp {
		return ErrExpired
	}
	return nil
}

// Hash returns the transaction hash: 0x + hex(SHA3-256(signing message | signature)).
func (s *SignedTransaction) Hash() (string, error) {
	msg, err := s.Raw.SigningMessage()
	if err != nil {
		return "", err
	}
	sig, err := base58.Decode(s.Signature)
	if err != nil {
		return "", ErrInvalidSignature
	}

	h := sha3.New256()
	h.Write(msg)
	h.Write(sig)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// isOnCurve checks that the key decodes to a valid edwards25519 point.
func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// Builder fills the envelope fields of raw transactions.
type Builder struct {
	ChainID uint8
	TTL     time.Duration
	Now     func() time.Time
}

// Build returns a RawTransaction for sender with the given sequence number.
func (b Builder) Build(sender domain.Address, seq uint64, p Payload) RawTransaction {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ttl := b.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return RawTransaction{
		Sender:              sender,
		SequenceNumber:      seq,
		Payload:             p,
		ExpirationTimestamp: now().Add(ttl).Unix(),
		ChainID:             b.ChainID,
	}
}

// Hash returns the hash of an unsigned transaction: 0x + hex(SHA3-256(signing message)).
// Used for transactions the node itself originates.
func (r RawTransaction) Hash() (string, error) {
	msg, err := r.SigningMessage()
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(msg)
	return "0x" + hex.EncodeToString(sum[:]), nil
}
