package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidRecord     = errors.New("escrow: invalid record")
	ErrNotFound          = errors.New("escrow: not found")
	ErrDuplicatePosition = errors.New("escrow: duplicate position")
	ErrStatusConflict    = errors.New("escrow: status conflict")
	ErrInvalidTransition = errors.New("escrow: invalid transition")
)

// Settlement carries the terminal state and the settlement evidence applied by
// a Settle call.
type Settlement struct {
	Status Status

	// FinishTxHash is required when Status is finished; CancelTxHash when
	// cancelled. Failed settlements carry neither.
	FinishTxHash string
	CancelTxHash string

	// At is the settlement time recorded as FinishedAt or CancelledAt.
	At time.Time
}

// Store persists escrow records. Settlement is compare-and-set on the pending
// status so concurrent finish/cancel attempts resolve to a single winner.
type Store interface {
	Create(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, positionID [32]byte) (Record, error)
	ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]Record, error)

	// ListFinishable returns pending escrows whose FinishAfter has passed,
	// oldest first.
	ListFinishable(ctx context.Context, asOf time.Time, limit int) ([]Record, error)

	Settle(ctx context.Context, positionID [32]byte, st Settlement) (Record, error)

	// IncrementRetry counts a failed settlement attempt and records its error
	// without changing status.
	IncrementRetry(ctx context.Context, positionID [32]byte, lastError string) error
}
