package bridgejob

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidJob         = errors.New("bridgejob: invalid job")
	ErrNotFound           = errors.New("bridgejob: not found")
	ErrDuplicateRequestID = errors.New("bridgejob: duplicate request id")
	ErrStatusConflict     = errors.New("bridgejob: status conflict")
	ErrInvalidTransition  = errors.New("bridgejob: invalid transition")
	ErrPaymentClaimed     = errors.New("bridgejob: payment already claimed")
)

// Update carries the fields an UpdateStatus call may set alongside the new
// status. Nil pointers leave the stored value untouched.
type Update struct {
	Status Status

	AgentUnderlyingAddress *string
	SourceTxHash           *string
	MintTxHash             *[32]byte
	VaultMintTxHash        *[32]byte
	LastError              *string

	// ResetRetryCount zeroes the retry counter, used when a stage finally
	// progresses after transient failures.
	ResetRetryCount bool
}

// Store is the single source of truth for bridge jobs. All status mutation
// goes through the compare-and-set UpdateStatus (or the request-id keyed
// ClaimPayment); there is no blind overwrite.
type Store interface {
	Create(ctx context.Context, j Job) (Job, error)
	Get(ctx context.Context, id [32]byte) (Job, error)
	GetByRequestID(ctx context.Context, requestID string) (Job, error)
	ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]Job, error)

	// ListStale returns non-terminal jobs in the given status whose updatedAt
	// is older than updatedBefore, oldest first.
	ListStale(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]Job, error)

	// UpdateStatus moves the job from the observed status to upd.Status,
	// applying the accompanying field updates atomically. It fails with
	// ErrStatusConflict when the stored status is no longer `from`, and with
	// ErrInvalidTransition when the transition table forbids the move.
	UpdateStatus(ctx context.Context, id [32]byte, from Status, upd Update) (Job, error)

	// ClaimPayment atomically moves the job holding requestID into
	// xrpl_confirmed, recording sourceTxHash. A report whose amount is below
	// the job's expected minimum, a job already past the claim window, or a
	// source tx hash already consumed by another job all yield claimed=false.
	ClaimPayment(ctx context.Context, requestID string, sourceTxHash string, amount uint64) (Job, bool, error)

	// IncrementRetry bumps the retry counter and records the transient error
	// without changing status.
	IncrementRetry(ctx context.Context, id [32]byte, lastError string) error
}
