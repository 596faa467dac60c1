package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"cabalcoin-lab/internal/domain"
)

// ComputeClaimAttemptID computes a deterministic attempt_id using SHA256.
// Formula: SHA256(ledger|account|tx_hash)
// Returns hex-encoded hash (64 characters).
func ComputeClaimAttemptID(ledger, account domain.Address, txHash string) string {
	data := fmt.Sprintf("%s|%s|%s",
		ledger.String(),
		account.String(),
		txHash,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
