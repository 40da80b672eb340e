package attestation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vaultbridge-labs/vaultbridge/internal/queue"
)

var (
	ErrInvalidConfig = errors.New("attestation: invalid config")
	ErrFailed        = errors.New("attestation: request failed")

	// ErrPending means the attestation service has not produced a proof yet.
	// The caller leaves the job untouched and the scheduler re-drives it.
	ErrPending = errors.New("attestation: proof pending")
)

const (
	// KindDeposit attests an inbound XRPL payment ahead of the mint.
	KindDeposit = "deposit"
	// KindPayout attests a vault redemption ahead of the XRPL payout.
	KindPayout = "payout"
)

// Request asks the attestation service to prove an external transaction.
type Request struct {
	JobID [32]byte

	// Kind selects the attestation pipeline: KindDeposit or KindPayout.
	Kind string

	// TxHash is the transaction being attested: the XRPL source tx for
	// deposits, the EVM redeem tx for payouts.
	TxHash string

	Amount uint64
}

// Result carries the proof bytes the on-chain verifier consumes.
type Result struct {
	Proof    []byte
	Metadata map[string]string
}

type Client interface {
	RequestProof(ctx context.Context, req Request) (Result, error)
}

// FailureError is a definitive rejection from the attestation service.
// Retryable distinguishes transient capacity problems from permanent ones
// (an invalid or unprovable transaction).
type FailureError struct {
	Code      string
	Retryable bool
	Message   string
}

func (e *FailureError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Code) == "" && strings.TrimSpace(e.Message) == "" {
		return ErrFailed.Error()
	}
	if strings.TrimSpace(e.Code) == "" {
		return e.Message
	}
	if strings.TrimSpace(e.Message) == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *FailureError) Unwrap() error {
	return ErrFailed
}

// QueueConfig configures the queue-backed attestation client.
type QueueConfig struct {
	RequestTopic string
	ResultTopic  string
	FailureTopic string

	Producer queue.Producer
	Consumer queue.Consumer

	// WaitTimeout bounds how long a RequestProof call waits for a response
	// before reporting ErrPending.
	WaitTimeout time.Duration

	AckTimeout time.Duration

	Log *slog.Logger
}

// QueueClient requests proofs over the queue and waits a bounded time for the
// matching result or failure record. An unanswered request is not an error;
// it surfaces as ErrPending and the reconciler asks again later.
type QueueClient struct {
	cfg QueueConfig
}

func NewQueueClient(cfg QueueConfig) (*QueueClient, error) {
	if cfg.Producer == nil || cfg.Consumer == nil {
		return nil, fmt.Errorf("%w: producer and consumer are required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.RequestTopic) == "" || strings.TrimSpace(cfg.ResultTopic) == "" || strings.TrimSpace(cfg.FailureTopic) == "" {
		return nil, fmt.Errorf("%w: request/result/failure topics are required", ErrInvalidConfig)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &QueueClient{cfg: cfg}, nil
}

func (c *QueueClient) RequestProof(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	jobIDHex := "0x" + hex.EncodeToString(req.JobID[:])
	payload, err := json.Marshal(map[string]any{
		"version": "attestation.request.v1",
		"job_id":  jobIDHex,
		"kind":    req.Kind,
		"tx_hash": strings.TrimSpace(req.TxHash),
		"amount":  req.Amount,
	})
	if err != nil {
		return Result{}, fmt.Errorf("attestation: marshal request payload: %w", err)
	}
	if err := c.cfg.Producer.Publish(ctx, c.cfg.RequestTopic, req.JobID[:], payload); err != nil {
		return Result{}, fmt.Errorf("attestation: publish request: %w", err)
	}

	timeout := time.NewTimer(c.cfg.WaitTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timeout.C:
			return Result{}, ErrPending
		case err, ok := <-c.cfg.Consumer.Errors():
			if !ok {
				continue
			}
			if err != nil {
				return Result{}, fmt.Errorf("attestation: consume error: %w", err)
			}
		case msg, ok := <-c.cfg.Consumer.Messages():
			if !ok {
				return Result{}, fmt.Errorf("attestation: response consumer closed")
			}
			result, matched, err := c.handleResponseMessage(msg, jobIDHex)
			c.ack(msg)
			if err != nil {
				return Result{}, err
			}
			if matched {
				return result, nil
			}
		}
	}
}

func (c *QueueClient) handleResponseMessage(msg queue.Message, jobIDHex string) (Result, bool, error) {
	if strings.TrimSpace(string(msg.Value)) == "" {
		return Result{}, false, nil
	}
	var env struct {
		Version string `json:"version"`
		JobID   string `json:"job_id"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.cfg.Log.Warn("attestation: ignore invalid response payload", "err", err)
		return Result{}, false, nil
	}
	if !strings.EqualFold(strings.TrimSpace(env.JobID), jobIDHex) {
		return Result{}, false, nil
	}

	switch strings.TrimSpace(env.Version) {
	case "attestation.result.v1":
		var res struct {
			Proof    string            `json:"proof"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(msg.Value, &res); err != nil {
			return Result{}, true, fmt.Errorf("attestation: decode result: %w", err)
		}
		proof, err := decodeHex(res.Proof)
		if err != nil {
			return Result{}, true, fmt.Errorf("attestation: decode result proof: %w", err)
		}
		return Result{
			Proof:    proof,
			Metadata: cloneMap(res.Metadata),
		}, true, nil
	case "attestation.failure.v1":
		var fail struct {
			ErrorCode string `json:"error_code"`
			Retryable bool   `json:"retryable"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(msg.Value, &fail); err != nil {
			return Result{}, true, fmt.Errorf("attestation: decode failure: %w", err)
		}
		return Result{}, true, &FailureError{
			Code:      strings.TrimSpace(fail.ErrorCode),
			Retryable: fail.Retryable,
			Message:   strings.TrimSpace(fail.Message),
		}
	default:
		c.cfg.Log.Warn("attestation: ignore unknown response version", "version", env.Version)
		return Result{}, false, nil
	}
}

func (c *QueueClient) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.cfg.Log.Warn("attestation: ack failed", "err", err)
	}
}

// StaticClient returns a fixed result or error; tests use it as the
// attestation collaborator.
type StaticClient struct {
	Result Result
	Err    error
}

func (c *StaticClient) RequestProof(_ context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if c == nil {
		return Result{}, fmt.Errorf("%w: nil static client", ErrInvalidConfig)
	}
	if c.Err != nil {
		return Result{}, c.Err
	}
	return Result{
		Proof:    append([]byte(nil), c.Result.Proof...),
		Metadata: cloneMap(c.Result.Metadata),
	}, nil
}

func validateRequest(req Request) error {
	if req.JobID == ([32]byte{}) {
		return fmt.Errorf("%w: missing job id", ErrInvalidConfig)
	}
	switch req.Kind {
	case KindDeposit, KindPayout:
	default:
		return fmt.Errorf("%w: unknown attestation kind %q", ErrInvalidConfig, req.Kind)
	}
	if strings.TrimSpace(req.TxHash) == "" {
		return fmt.Errorf("%w: missing tx hash", ErrInvalidConfig)
	}
	return nil
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func decodeHex(v string) ([]byte, error) {
	s := strings.TrimSpace(strings.TrimPrefix(v, "0x"))
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}
