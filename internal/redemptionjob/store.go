package redemptionjob

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidJob        = errors.New("redemptionjob: invalid job")
	ErrNotFound          = errors.New("redemptionjob: not found")
	ErrDuplicateJob      = errors.New("redemptionjob: duplicate job")
	ErrStatusConflict    = errors.New("redemptionjob: status conflict")
	ErrInvalidTransition = errors.New("redemptionjob: invalid transition")
)

// Update carries the fields an UpdateStatus call may set alongside the new
// status. Nil pointers leave the stored value untouched.
type Update struct {
	Status Status

	RedeemTxHash *[32]byte
	PayoutTxHash *string
	LastError    *string

	// NeedsRetry, when non-nil, sets or clears the transient-failure marker.
	NeedsRetry *bool

	ResetRetryCount bool
}

// Store is the single source of truth for redemption jobs; all mutation goes
// through the compare-and-set UpdateStatus.
type Store interface {
	Create(ctx context.Context, j Job) (Job, error)
	Get(ctx context.Context, id [32]byte) (Job, error)
	ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]Job, error)

	// ListStale returns jobs in the given status with updatedAt older than
	// updatedBefore, oldest first. When needsRetry is non-nil only jobs whose
	// marker matches are returned, letting the scheduler run different
	// backoff policies for pending payouts and retry candidates.
	ListStale(ctx context.Context, status Status, needsRetry *bool, updatedBefore time.Time, limit int) ([]Job, error)

	UpdateStatus(ctx context.Context, id [32]byte, from Status, upd Update) (Job, error)
	IncrementRetry(ctx context.Context, id [32]byte, lastError string) error
}
