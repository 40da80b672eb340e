package bridgejob

import (
	"fmt"
	"strings"
	"time"
)

// Status is the closed set of bridge job states. The string forms are part of
// the wire contract: API projections and external integrators branch on them.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusReservingCollateral
	StatusAwaitingPayment
	// StatusBridging marks a payment observed but not yet confirmed. The core
	// claims confirmed payments straight from awaiting_payment and never sets
	// it; the status is honored on the wire, in the claim window, and in the
	// transition table for integrators that do.
	StatusBridging
	StatusXRPLConfirmed
	StatusProofGenerated
	StatusMinting
	StatusVaultMinting
	StatusCompleted
	StatusVaultMinted
	StatusFailed
	StatusVaultMintFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReservingCollateral:
		return "reserving_collateral"
	case StatusAwaitingPayment:
		return "awaiting_payment"
	case StatusBridging:
		return "bridging"
	case StatusXRPLConfirmed:
		return "xrpl_confirmed"
	case StatusProofGenerated:
		return "proof_generated"
	case StatusMinting:
		return "minting"
	case StatusVaultMinting:
		return "vault_minting"
	case StatusCompleted:
		return "completed"
	case StatusVaultMinted:
		return "vault_minted"
	case StatusFailed:
		return "failed"
	case StatusVaultMintFailed:
		return "vault_mint_failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStatus(v string) (Status, error) {
	switch strings.TrimSpace(v) {
	case "pending":
		return StatusPending, nil
	case "reserving_collateral":
		return StatusReservingCollateral, nil
	case "awaiting_payment":
		return StatusAwaitingPayment, nil
	case "bridging":
		return StatusBridging, nil
	case "xrpl_confirmed":
		return StatusXRPLConfirmed, nil
	case "proof_generated":
		return StatusProofGenerated, nil
	case "minting":
		return StatusMinting, nil
	case "vault_minting":
		return StatusVaultMinting, nil
	case "completed":
		return StatusCompleted, nil
	case "vault_minted":
		return StatusVaultMinted, nil
	case "failed":
		return StatusFailed, nil
	case "vault_mint_failed":
		return StatusVaultMintFailed, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return StatusUnknown, fmt.Errorf("bridgejob: unknown status %q", v)
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusVaultMinted, StatusFailed, StatusVaultMintFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a job in s may still be cancelled. Once the
// user's XRPL payment has been confirmed, cancellation is no longer safe and
// the job must be resolved through reconciliation instead.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusReservingCollateral, StatusAwaitingPayment, StatusBridging:
		return true
	default:
		return false
	}
}

// forward holds the forward edges of the transition graph. Failure and
// cancellation edges are handled in CanTransition.
var forward = map[Status][]Status{
	StatusPending:             {StatusReservingCollateral},
	StatusReservingCollateral: {StatusAwaitingPayment},
	StatusAwaitingPayment:     {StatusBridging, StatusXRPLConfirmed},
	StatusBridging:            {StatusXRPLConfirmed},
	StatusXRPLConfirmed:       {StatusProofGenerated},
	StatusProofGenerated:      {StatusMinting},
	StatusMinting:             {StatusVaultMinting, StatusCompleted},
	StatusVaultMinting:        {StatusVaultMinted},
}

// CanTransition is the single transition-table predicate consulted by the
// store, the orchestrator, and the reconciler alike.
func CanTransition(from, to Status) bool {
	if from == StatusUnknown || to == StatusUnknown || from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed:
		return true
	case StatusVaultMintFailed:
		// Reserved for failures at or after the vault stage.
		return from == StatusVaultMinting || from == StatusMinting || from == StatusProofGenerated
	case StatusCancelled:
		return from.Cancellable()
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a single deposit (XRPL asset -> bridged asset -> vault shares)
// tracked by the orchestration core.
type Job struct {
	// ID is the stable system identity, derived from RequestID.
	ID [32]byte

	// RequestID is the globally-unique correlation memo carried by the user's
	// XRPL payment. It is the idempotency anchor for payment claims.
	RequestID string

	// Wallet is the EVM address receiving the bridged asset or vault shares.
	Wallet [20]byte

	// SourceAmount is the expected XRPL payment in drops.
	SourceAmount uint64

	// BridgedAmountExpected is the bridged-asset amount the mint should yield.
	BridgedAmountExpected uint64

	// Vault is the vault receiving the bridged asset. Zero means a mint-only
	// job that terminates at "completed" without a vault stage.
	Vault [20]byte

	// AgentUnderlyingAddress is the XRPL destination the user pays into,
	// issued when collateral has been reserved.
	AgentUnderlyingAddress string

	Status Status

	SourceTxHash    string
	MintTxHash      [32]byte
	VaultMintTxHash [32]byte

	RetryCount int
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasVaultTarget reports whether the job carries a vault deposit stage.
func (j Job) HasVaultTarget() bool {
	return j.Vault != ([20]byte{})
}

func (j Job) Validate() error {
	if j.ID == ([32]byte{}) {
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	}
	if strings.TrimSpace(j.RequestID) == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidJob)
	}
	if j.Wallet == ([20]byte{}) {
		return fmt.Errorf("%w: missing wallet", ErrInvalidJob)
	}
	if j.SourceAmount == 0 {
		return fmt.Errorf("%w: source amount must be > 0", ErrInvalidJob)
	}
	if j.BridgedAmountExpected == 0 {
		return fmt.Errorf("%w: bridged amount must be > 0", ErrInvalidJob)
	}
	return nil
}
