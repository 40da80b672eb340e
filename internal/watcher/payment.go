package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PaymentVersion is the queue envelope version for XRPL payment reports.
const PaymentVersion = "xrpl.payments.v1"

// DefaultPaymentTopic is the topic the ledger watcher publishes reports to.
const DefaultPaymentTopic = "xrpl.payments.v1"

var (
	ErrInvalidReport = errors.New("watcher: invalid payment report")

	// ErrNotObserved means no matching payment exists on the ledger yet.
	ErrNotObserved = errors.New("watcher: payment not observed")
)

// PaymentReport is one validated XRPL payment as seen by the ledger watcher.
// Memo is the correlation key: the orchestrator matches it against a bridge
// job's request id. Destination is informational only.
type PaymentReport struct {
	// Memo is the payment's memo field, expected to equal a job's request id.
	Memo string

	// TxHash is the XRPL transaction hash.
	TxHash string

	// AmountDrops is the delivered amount in drops.
	AmountDrops uint64

	// Destination is the XRPL account that received the payment.
	Destination string

	// ObservedAt is when the watcher validated the ledger entry.
	ObservedAt time.Time
}

func (r PaymentReport) Validate() error {
	if strings.TrimSpace(r.Memo) == "" {
		return fmt.Errorf("%w: missing memo", ErrInvalidReport)
	}
	if strings.TrimSpace(r.TxHash) == "" {
		return fmt.Errorf("%w: missing tx hash", ErrInvalidReport)
	}
	if r.AmountDrops == 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidReport)
	}
	return nil
}

// Observer is the pull-side contract: the reconciler asks it whether a
// payment carrying the memo with at least minAmount drops exists. ErrNotObserved
// means "not yet", which is not a failure.
type Observer interface {
	ObservePayment(ctx context.Context, memo string, minAmount uint64) (PaymentReport, error)
}

type paymentEnvelope struct {
	Version     string `json:"version"`
	Memo        string `json:"memo"`
	TxHash      string `json:"tx_hash"`
	AmountDrops uint64 `json:"amount_drops"`
	Destination string `json:"destination,omitempty"`
	ObservedAt  string `json:"observed_at,omitempty"`
}

// EncodePaymentReport serializes a report into its queue envelope.
func EncodePaymentReport(r PaymentReport) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	env := paymentEnvelope{
		Version:     PaymentVersion,
		Memo:        strings.TrimSpace(r.Memo),
		TxHash:      strings.TrimSpace(r.TxHash),
		AmountDrops: r.AmountDrops,
		Destination: strings.TrimSpace(r.Destination),
	}
	if !r.ObservedAt.IsZero() {
		env.ObservedAt = r.ObservedAt.UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("watcher: marshal payment report: %w", err)
	}
	return b, nil
}

// DecodePaymentReport parses a queue payload. A payload with a different
// envelope version yields ok=false so mixed-topic consumers can skip it.
func DecodePaymentReport(payload []byte) (PaymentReport, bool, error) {
	var env paymentEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return PaymentReport{}, false, fmt.Errorf("watcher: unmarshal payment report: %w", err)
	}
	if strings.TrimSpace(env.Version) != PaymentVersion {
		return PaymentReport{}, false, nil
	}

	r := PaymentReport{
		Memo:        strings.TrimSpace(env.Memo),
		TxHash:      strings.TrimSpace(env.TxHash),
		AmountDrops: env.AmountDrops,
		Destination: strings.TrimSpace(env.Destination),
	}
	if strings.TrimSpace(env.ObservedAt) != "" {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(env.ObservedAt))
		if err != nil {
			return PaymentReport{}, false, fmt.Errorf("watcher: parse observed_at: %w", err)
		}
		r.ObservedAt = at.UTC()
	}
	if err := r.Validate(); err != nil {
		return PaymentReport{}, false, err
	}
	return r, true, nil
}

// StaticObserver serves fixed reports keyed by memo; tests use it as the
// ledger watcher collaborator.
type StaticObserver struct {
	Reports map[string]PaymentReport
}

func (o *StaticObserver) ObservePayment(_ context.Context, memo string, minAmount uint64) (PaymentReport, error) {
	if o == nil {
		return PaymentReport{}, ErrNotObserved
	}
	r, ok := o.Reports[memo]
	if !ok || r.AmountDrops < minAmount {
		return PaymentReport{}, ErrNotObserved
	}
	return r, nil
}

var _ Observer = (*StaticObserver)(nil)
