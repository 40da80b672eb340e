package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const (
	bridgeJobPrefixV1     = "VB_BRIDGE_JOB_V1"
	redemptionJobPrefixV1 = "VB_REDEMPTION_JOB_V1"
	payoutPrefixV1        = "VB_PAYOUT_V1"
)

// BridgeJobIDV1 derives the bridge job id from its request id:
//
//	jobId = keccak256("VB_BRIDGE_JOB_V1" || requestId)
//
// The request id doubles as the XRPL payment memo, so job identity and
// payment-claim identity share one anchor.
func BridgeJobIDV1(requestID string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(bridgeJobPrefixV1))
	_, _ = h.Write([]byte(requestID))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RedemptionJobIDV1 derives a redemption job id:
//
//	jobId = keccak256("VB_REDEMPTION_JOB_V1" || wallet || sharesBE64 || nonceBE64)
//
// The nonce distinguishes repeated redemptions of the same amount by the same
// wallet; callers allocate it (wall-clock unix nanos in practice).
func RedemptionJobIDV1(wallet [20]byte, sharesAmount uint64, nonce uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(redemptionJobPrefixV1))
	_, _ = h.Write(wallet[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sharesAmount)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], nonce)
	_, _ = h.Write(buf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PayoutIDV1 derives the XRPL payout idempotency key from the redemption job
// id. The payout agent deduplicates on it, so a job can never pay out twice
// even if the completed transition is retried.
func PayoutIDV1(jobID [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(payoutPrefixV1))
	_, _ = h.Write(jobID[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
