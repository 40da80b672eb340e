package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Status is the closed set of escrow states.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusFinished
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
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
	case "finished":
		return StatusFinished, nil
	case "cancelled":
		return StatusCancelled, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("escrow: unknown status %q", v)
	}
}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusFailed
}

// CanTransition allows exactly one move out of pending. Escrows have no
// multi-stage pipeline; they are created pending and settle once.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	return to == StatusFinished || to == StatusCancelled || to == StatusFailed
}

// Record is a conditional-release escrow position backing a bridge job's
// collateral reservation. The deposit orchestrator owns its lifecycle.
type Record struct {
	// PositionID identifies the escrow; by convention it is the bridge job id
	// the escrow collateralizes.
	PositionID [32]byte

	// Wallet is the EVM address the escrow releases to on finish.
	Wallet [20]byte

	Amount uint64

	Status Status

	CreateTxHash string
	FinishTxHash string
	CancelTxHash string

	// FinishAfter is the earliest time a finish may be submitted.
	FinishAfter time.Time

	RetryCount int
	LastError  string

	FinishedAt  time.Time
	CancelledAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Record) Validate() error {
	if r.PositionID == ([32]byte{}) {
		return fmt.Errorf("%w: missing position id", ErrInvalidRecord)
	}
	if r.Wallet == ([20]byte{}) {
		return fmt.Errorf("%w: missing wallet", ErrInvalidRecord)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.CreateTxHash) == "" {
		return fmt.Errorf("%w: missing create tx hash", ErrInvalidRecord)
	}
	return nil
}
