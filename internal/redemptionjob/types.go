package redemptionjob

import (
	"fmt"
	"strings"
	"time"
)

// Status is the closed set of redemption job states. String forms are part of
// the wire contract.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusRedeeming
	StatusProofPending
	StatusPayoutPending
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRedeeming:
		return "redeeming"
	case StatusProofPending:
		return "proof_pending"
	case StatusPayoutPending:
		return "payout_pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStatus(v string) (Status, error) {
	switch strings.TrimSpace(v) {
	case "pending":
		return StatusPending, nil
	case "redeeming":
		return StatusRedeeming, nil
	case "proof_pending":
		return StatusProofPending, nil
	case "payout_pending":
		return StatusPayoutPending, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("redemptionjob: unknown status %q", v)
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var forward = map[Status]Status{
	StatusPending:       StatusRedeeming,
	StatusRedeeming:     StatusProofPending,
	StatusProofPending:  StatusPayoutPending,
	StatusPayoutPending: StatusCompleted,
}

// CanTransition is the single transition-table predicate for redemptions.
// The graph is a straight line with failed reachable from every non-terminal
// state.
func CanTransition(from, to Status) bool {
	if from == StatusUnknown || to == StatusUnknown || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return forward[from] == to
}

// Job is a single redemption (vault shares -> bridged asset -> XRPL payout).
type Job struct {
	ID [32]byte

	// Wallet is the EVM address whose vault shares are redeemed.
	Wallet [20]byte

	SharesAmount         uint64
	ExpectedPayoutAmount uint64

	// PayoutAddress is the XRPL destination for the released funds.
	PayoutAddress string

	Status Status

	// NeedsRetry marks jobs whose last attempt failed transiently, so the
	// scheduler can apply a shorter backoff than it gives healthy
	// waiting-on-external states like payout_pending.
	NeedsRetry bool

	RedeemTxHash [32]byte
	PayoutTxHash string

	RetryCount int
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j Job) Validate() error {
	if j.ID == ([32]byte{}) {
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	}
	if j.Wallet == ([20]byte{}) {
		return fmt.Errorf("%w: missing wallet", ErrInvalidJob)
	}
	if j.SharesAmount == 0 {
		return fmt.Errorf("%w: shares amount must be > 0", ErrInvalidJob)
	}
	if strings.TrimSpace(j.PayoutAddress) == "" {
		return fmt.Errorf("%w: missing payout address", ErrInvalidJob)
	}
	return nil
}
