package blobstore

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Attestation proofs are persisted before the mint or payout call that
// consumes them, so a crash between proof receipt and submission never loses
// the audit trail.
const (
	depositProofKeyPrefix = "attestations/deposit"
	payoutProofKeyPrefix  = "attestations/payout"
)

// DepositProofKey is the blob key for a bridge job's attestation proof.
func DepositProofKey(jobID [32]byte) string {
	return fmt.Sprintf("%s/%s.bin", depositProofKeyPrefix, hex.EncodeToString(jobID[:]))
}

// PayoutProofKey is the blob key for a redemption job's payout attestation.
func PayoutProofKey(jobID [32]byte) string {
	return fmt.Sprintf("%s/%s.bin", payoutProofKeyPrefix, hex.EncodeToString(jobID[:]))
}

// PutProof writes proof bytes under the given key, tagging the owning job.
func PutProof(ctx context.Context, s Store, key string, jobID [32]byte, proof []byte) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.Put(ctx, key, proof, PutOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"job-id": hex.EncodeToString(jobID[:]),
		},
	})
}
