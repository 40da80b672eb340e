package depositorch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vaultbridge-labs/vaultbridge/internal/attestation"
	"github.com/vaultbridge-labs/vaultbridge/internal/blobstore"
	"github.com/vaultbridge-labs/vaultbridge/internal/bridgejob"
	"github.com/vaultbridge-labs/vaultbridge/internal/contractabi"
	"github.com/vaultbridge-labs/vaultbridge/internal/escrow"
	"github.com/vaultbridge-labs/vaultbridge/internal/evmclient"
	"github.com/vaultbridge-labs/vaultbridge/internal/idempotency"
	"github.com/vaultbridge-labs/vaultbridge/internal/queue"
	"github.com/vaultbridge-labs/vaultbridge/internal/watcher"
)

var (
	ErrInvalidConfig  = errors.New("depositorch: invalid config")
	ErrNotCancellable = errors.New("depositorch: job no longer cancellable")
)

// Agent manages the collateral the mint draws on. Reservations are backed by
// an escrow position keyed by the job id.
type Agent interface {
	// ReserveCollateral locks mint capacity for the job and returns the
	// escrow-create transaction hash plus the earliest finish time.
	ReserveCollateral(ctx context.Context, jobID [32]byte, amount uint64) (createTxHash string, finishAfter time.Time, err error)

	// UnderlyingAddress returns the XRPL address the user pays into for this
	// reservation.
	UnderlyingAddress(ctx context.Context, jobID [32]byte) (string, error)

	// FinishCollateral releases the reserved collateral after a successful
	// mint; ReleaseCollateral returns it after a cancellation.
	FinishCollateral(ctx context.Context, jobID [32]byte) (finishTxHash string, err error)
	ReleaseCollateral(ctx context.Context, jobID [32]byte) (cancelTxHash string, err error)
}

// Submitter sends contract calldata and waits for the mined receipt.
type Submitter interface {
	SubmitCall(ctx context.Context, to common.Address, calldata []byte, gasLimit uint64) (common.Hash, error)
}

type Config struct {
	// MintContract is the bridged-asset token contract.
	MintContract common.Address

	MintGasLimit  uint64
	VaultGasLimit uint64

	// AttestTimeout bounds each attestation request.
	AttestTimeout time.Duration

	// EscrowRetryLimit caps settlement attempts per escrow position; past it
	// SweepEscrows marks the position failed for operator intervention.
	EscrowRetryLimit int

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator drives bridge jobs forward one transition at a time. Payment
// ingestion, the HTTP reconcile trigger, and the staleness sweeper all go
// through Advance, and the store CAS arbitrates races.
type Orchestrator struct {
	cfg Config

	store    bridgejob.Store
	escrows  escrow.Store
	agent    Agent
	observer watcher.Observer
	attestor attestation.Client
	evm      Submitter
	blobs    blobstore.Store

	log *slog.Logger
}

func New(cfg Config, store bridgejob.Store, escrows escrow.Store, agent Agent, observer watcher.Observer, attestor attestation.Client, evm Submitter, blobs blobstore.Store, log *slog.Logger) (*Orchestrator, error) {
	if store == nil || escrows == nil || agent == nil || observer == nil || attestor == nil || evm == nil || blobs == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if (cfg.MintContract == common.Address{}) {
		return nil, fmt.Errorf("%w: MintContract must be non-zero", ErrInvalidConfig)
	}
	if cfg.AttestTimeout <= 0 {
		cfg.AttestTimeout = 30 * time.Second
	}
	if cfg.EscrowRetryLimit <= 0 {
		cfg.EscrowRetryLimit = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		escrows:  escrows,
		agent:    agent,
		observer: observer,
		attestor: attestor,
		evm:      evm,
		blobs:    blobs,
		log:      log,
	}, nil
}

// Submit registers a new bridge job. The id is derived from the request id so
// a duplicate submission maps onto the existing job.
func (o *Orchestrator) Submit(ctx context.Context, requestID string, wallet [20]byte, sourceAmount, bridgedAmount uint64, vault [20]byte) (bridgejob.Job, error) {
	j := bridgejob.Job{
		ID:                    idempotency.BridgeJobIDV1(requestID),
		RequestID:             requestID,
		Wallet:                wallet,
		SourceAmount:          sourceAmount,
		BridgedAmountExpected: bridgedAmount,
		Vault:                 vault,
		Status:                bridgejob.StatusPending,
	}
	created, err := o.store.Create(ctx, j)
	if err != nil {
		if errors.Is(err, bridgejob.ErrDuplicateRequestID) {
			return o.store.GetByRequestID(ctx, requestID)
		}
		return bridgejob.Job{}, err
	}
	o.log.Info("bridge job submitted", "jobID", hexID(created.ID), "requestID", requestID)
	return created, nil
}

// Advance performs the single next transition for the job and reports whether
// it progressed. A job waiting on an external event (an unpaid deposit, a
// pending proof) yields progressed=false with a nil error.
func (o *Orchestrator) Advance(ctx context.Context, id [32]byte) (bool, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	switch j.Status {
	case bridgejob.StatusPending:
		return o.reserveCollateral(ctx, j)
	case bridgejob.StatusReservingCollateral:
		return o.issueUnderlyingAddress(ctx, j)
	case bridgejob.StatusAwaitingPayment, bridgejob.StatusBridging:
		return o.checkPayment(ctx, j)
	case bridgejob.StatusXRPLConfirmed:
		return o.requestProof(ctx, j)
	case bridgejob.StatusProofGenerated:
		return o.submitMint(ctx, j)
	case bridgejob.StatusMinting:
		return o.finishMintStage(ctx, j)
	case bridgejob.StatusVaultMinting:
		return o.finishVaultStage(ctx, j)
	default:
		// Terminal states have nothing left to do.
		return false, nil
	}
}

// IngestPayment matches a watcher report against the job holding its memo.
// Reports for unknown memos are not an error; the watcher sees the whole
// ledger. A report whose source tx is already bound to a different job is.
func (o *Orchestrator) IngestPayment(ctx context.Context, r watcher.PaymentReport) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	j, claimed, err := o.store.ClaimPayment(ctx, r.Memo, r.TxHash, r.AmountDrops)
	if err != nil {
		if errors.Is(err, bridgejob.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !claimed {
		return false, nil
	}
	o.log.Info("payment claimed", "jobID", hexID(j.ID), "sourceTx", r.TxHash, "amountDrops", r.AmountDrops)
	return true, nil
}

// ConsumePayments drains the watcher topic, feeding each report through
// IngestPayment, until the context ends or the consumer closes.
func (o *Orchestrator) ConsumePayments(ctx context.Context, consumer queue.Consumer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-consumer.Errors():
			if !ok {
				continue
			}
			if err != nil {
				o.log.Warn("payment consumer error", "err", err)
			}
		case msg, ok := <-consumer.Messages():
			if !ok {
				return nil
			}
			r, matched, err := watcher.DecodePaymentReport(msg.Value)
			if err != nil || !matched {
				if err != nil {
					o.log.Warn("skip malformed payment report", "err", err)
				}
				o.ackMessage(msg)
				continue
			}
			if _, err := o.IngestPayment(ctx, r); err != nil {
				if errors.Is(err, bridgejob.ErrPaymentClaimed) {
					// The source tx is bound to another job; redelivery can
					// never change that.
					o.log.Error("drop cross-job payment report", "memo", r.Memo, "sourceTx", r.TxHash, "err", err)
					o.ackMessage(msg)
					continue
				}
				o.log.Error("ingest payment", "memo", r.Memo, "err", err)
				// Leave the message unacked so the claim is retried.
				continue
			}
			o.ackMessage(msg)
		}
	}
}

// Cancel aborts a job that has not yet confirmed a payment, returning any
// reserved collateral.
func (o *Orchestrator) Cancel(ctx context.Context, id [32]byte) (bridgejob.Job, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return bridgejob.Job{}, err
	}
	if !j.Status.Cancellable() {
		return bridgejob.Job{}, fmt.Errorf("%w: status %s", ErrNotCancellable, j.Status)
	}

	cancelled, err := o.store.UpdateStatus(ctx, id, j.Status, bridgejob.Update{Status: bridgejob.StatusCancelled})
	if err != nil {
		return bridgejob.Job{}, err
	}

	// Return collateral if a reservation was made. The escrow stays pending
	// for the sweep to retry if the release fails here.
	if _, eerr := o.escrows.Get(ctx, id); eerr == nil {
		cancelTx, rerr := o.agent.ReleaseCollateral(ctx, id)
		if rerr != nil {
			o.log.Error("release collateral", "jobID", hexID(id), "err", rerr)
			return cancelled, nil
		}
		if _, serr := o.escrows.Settle(ctx, id, escrow.Settlement{
			Status:       escrow.StatusCancelled,
			CancelTxHash: cancelTx,
			At:           o.cfg.Now().UTC(),
		}); serr != nil && !errors.Is(serr, escrow.ErrStatusConflict) {
			o.log.Error("settle escrow", "jobID", hexID(id), "err", serr)
		}
	}

	o.log.Info("bridge job cancelled", "jobID", hexID(id))
	return cancelled, nil
}

func (o *Orchestrator) reserveCollateral(ctx context.Context, j bridgejob.Job) (bool, error) {
	createTx, finishAfter, err := o.agent.ReserveCollateral(ctx, j.ID, j.BridgedAmountExpected)
	if err != nil {
		return o.handleStageError(ctx, j, "reserve collateral", err)
	}

	// Escrow record first, then the status move: a crash in between leaves a
	// pending job with an escrow, which reservation simply re-reads.
	_, err = o.escrows.Create(ctx, escrow.Record{
		PositionID:   j.ID,
		Wallet:       j.Wallet,
		Amount:       j.BridgedAmountExpected,
		Status:       escrow.StatusPending,
		CreateTxHash: createTx,
		FinishAfter:  finishAfter,
	})
	if err != nil && !errors.Is(err, escrow.ErrDuplicatePosition) {
		return false, err
	}

	_, err = o.store.UpdateStatus(ctx, j.ID, bridgejob.StatusPending, bridgejob.Update{
		Status: bridgejob.StatusReservingCollateral,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	return true, nil
}

func (o *Orchestrator) issueUnderlyingAddress(ctx context.Context, j bridgejob.Job) (bool, error) {
	addr, err := o.agent.UnderlyingAddress(ctx, j.ID)
	if err != nil {
		return o.handleStageError(ctx, j, "issue underlying address", err)
	}

	_, err = o.store.UpdateStatus(ctx, j.ID, bridgejob.StatusReservingCollateral, bridgejob.Update{
		Status:                 bridgejob.StatusAwaitingPayment,
		AgentUnderlyingAddress: &addr,
		ResetRetryCount:        true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	return true, nil
}

func (o *Orchestrator) checkPayment(ctx context.Context, j bridgejob.Job) (bool, error) {
	r, err := o.observer.ObservePayment(ctx, j.RequestID, j.SourceAmount)
	if err != nil {
		if errors.Is(err, watcher.ErrNotObserved) {
			return false, nil
		}
		return o.handleStageError(ctx, j, "observe payment", err)
	}

	_, claimed, err := o.store.ClaimPayment(ctx, j.RequestID, r.TxHash, r.AmountDrops)
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (o *Orchestrator) requestProof(ctx context.Context, j bridgejob.Job) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttestTimeout)
	defer cancel()

	res, err := o.attestor.RequestProof(actx, attestation.Request{
		JobID:  j.ID,
		Kind:   attestation.KindDeposit,
		TxHash: j.SourceTxHash,
		Amount: j.SourceAmount,
	})
	if err != nil {
		if errors.Is(err, attestation.ErrPending) {
			return false, nil
		}
		return o.handleStageError(ctx, j, "request attestation", err)
	}
	if len(res.Proof) == 0 {
		return o.handleStageError(ctx, j, "request attestation", errors.New("empty proof"))
	}

	// Proof bytes go to durable storage before the status claims they exist.
	if err := blobstore.PutProof(ctx, o.blobs, blobstore.DepositProofKey(j.ID), j.ID, res.Proof); err != nil {
		return false, err
	}

	_, err = o.store.UpdateStatus(ctx, j.ID, bridgejob.StatusXRPLConfirmed, bridgejob.Update{
		Status:          bridgejob.StatusProofGenerated,
		ResetRetryCount: true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	return true, nil
}

func (o *Orchestrator) submitMint(ctx context.Context, j bridgejob.Job) (bool, error) {
	obj, err := o.blobs.Get(ctx, blobstore.DepositProofKey(j.ID))
	if err != nil {
		return false, fmt.Errorf("depositorch: load proof artifact: %w", err)
	}

	calldata, err := contractabi.PackMint(
		common.Hash(j.ID),
		common.Address(j.Wallet),
		new(big.Int).SetUint64(j.BridgedAmountExpected),
		obj.Data,
	)
	if err != nil {
		return false, err
	}

	txHash, err := o.evm.SubmitCall(ctx, o.cfg.MintContract, calldata, o.cfg.MintGasLimit)
	if err != nil && !evmclient.IsRevert(err) {
		return o.handleStageError(ctx, j, "submit mint", err)
	}
	if evmclient.IsRevert(err) {
		// Persist the reverted hash, then fail permanently.
		mintTx := [32]byte(txHash)
		return o.failPermanently(ctx, j, bridgejob.Update{MintTxHash: &mintTx}, err)
	}

	mintTx := [32]byte(txHash)
	_, err = o.store.UpdateStatus(ctx, j.ID, bridgejob.StatusProofGenerated, bridgejob.Update{
		Status:          bridgejob.StatusMinting,
		MintTxHash:      &mintTx,
		ResetRetryCount: true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	o.log.Info("mint submitted", "jobID", hexID(j.ID), "txHash", txHash.Hex())
	return true, nil
}

func (o *Orchestrator) finishMintStage(ctx context.Context, j bridgejob.Job) (bool, error) {
	if !j.HasVaultTarget() {
		_, err := o.store.UpdateStatus(ctx, j.ID, bridgejob.StatusMinting, bridgejob.Update{
			Status:          bridgejob.StatusCompleted,
			ResetRetryCount: true,
		})
		if err != nil {
			return false, ignoreLostRace(err)
		}
		o.settleEscrowFinished(ctx, j.ID)
		return true, nil
	}

	calldata, err := contractabi.PackVaultDeposit(
		new(big.Int).SetUint64(j.BridgedAmountExpected),
		common.Address(j.Wallet),
	)
	if err != nil {
		return false, err
	}

	txHash, err := o.evm.SubmitCall(ctx, common.Address(j.Vault), calldata, o.cfg.VaultGasLimit)
	if err != nil && !evmclient.IsRevert(err) {
		return o.handleStageError(ctx, j, "submit vault deposit", err)
	}
	if evmclient.IsRevert(err) {
		vaultTx := [32]byte(txHash)
		return o.failVaultStage(ctx, j, bridgejob.Update{VaultMintTxHash: &vaultTx}, err)
	}

	vaultTx := [32]byte(txHash)
	_, err = o.store.UpdateStatus(ctx, j.ID, bridgejob.StatusMinting, bridgejob.Update{
		Status:          bridgejob.StatusVaultMinting,
		VaultMintTxHash: &vaultTx,
		ResetRetryCount: true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	o.log.Info("vault deposit submitted", "jobID", hexID(j.ID), "txHash", txHash.Hex())
	return true, nil
}

func (o *Orchestrator) finishVaultStage(ctx context.Context, j bridgejob.Job) (bool, error) {
	// The vault deposit receipt was already checked at submission; this step
	// exists so the tx hash is durable before the terminal claim.
	_, err := o.store.UpdateStatus(ctx, j.ID, bridgejob.StatusVaultMinting, bridgejob.Update{
		Status:          bridgejob.StatusVaultMinted,
		ResetRetryCount: true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	o.settleEscrowFinished(ctx, j.ID)
	return true, nil
}

func (o *Orchestrator) settleEscrowFinished(ctx context.Context, jobID [32]byte) {
	if _, err := o.escrows.Get(ctx, jobID); err != nil {
		return
	}
	finishTx, err := o.agent.FinishCollateral(ctx, jobID)
	if err != nil {
		// Left pending; SweepEscrows retries the finish.
		o.log.Error("finish collateral", "jobID", hexID(jobID), "err", err)
		return
	}
	if _, err := o.escrows.Settle(ctx, jobID, escrow.Settlement{
		Status:       escrow.StatusFinished,
		FinishTxHash: finishTx,
		At:           o.cfg.Now().UTC(),
	}); err != nil && !errors.Is(err, escrow.ErrStatusConflict) {
		o.log.Error("settle escrow", "jobID", hexID(jobID), "err", err)
	}
}

// SweepEscrows re-drives pending escrows whose finish window has opened:
// positions left unsettled by a crash or a failed agent call during Cancel or
// the terminal mint stages. Each is settled according to the owning job's
// outcome; the return value counts how many settled.
func (o *Orchestrator) SweepEscrows(ctx context.Context, asOf time.Time, limit int) (int, error) {
	recs, err := o.escrows.ListFinishable(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, rec := range recs {
		ok, err := o.settleEscrow(ctx, rec)
		if err != nil {
			o.log.Warn("sweep escrow", "jobID", hexID(rec.PositionID), "err", err)
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, ctx.Err()
}

func (o *Orchestrator) settleEscrow(ctx context.Context, rec escrow.Record) (bool, error) {
	j, err := o.store.Get(ctx, rec.PositionID)
	if err != nil {
		return false, err
	}

	var st escrow.Settlement
	switch {
	case j.Status == bridgejob.StatusCancelled || j.Status == bridgejob.StatusFailed:
		// The mint never consumed the reservation; collateral goes back.
		cancelTx, rerr := o.agent.ReleaseCollateral(ctx, rec.PositionID)
		if rerr != nil {
			return false, o.recordEscrowFailure(ctx, rec, rerr)
		}
		st = escrow.Settlement{
			Status:       escrow.StatusCancelled,
			CancelTxHash: cancelTx,
			At:           o.cfg.Now().UTC(),
		}
	case j.Status.Terminal():
		// completed, vault_minted, or vault_mint_failed: the mint landed, so
		// the escrow finishes.
		finishTx, ferr := o.agent.FinishCollateral(ctx, rec.PositionID)
		if ferr != nil {
			return false, o.recordEscrowFailure(ctx, rec, ferr)
		}
		st = escrow.Settlement{
			Status:       escrow.StatusFinished,
			FinishTxHash: finishTx,
			At:           o.cfg.Now().UTC(),
		}
	default:
		// The job is still in flight; its own stages settle the escrow.
		return false, nil
	}

	if _, err := o.escrows.Settle(ctx, rec.PositionID, st); err != nil {
		if errors.Is(err, escrow.ErrStatusConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// recordEscrowFailure counts a failed settlement attempt against the escrow's
// retry budget; once the budget is spent the position is marked failed.
func (o *Orchestrator) recordEscrowFailure(ctx context.Context, rec escrow.Record, cause error) error {
	if rec.RetryCount+1 >= o.cfg.EscrowRetryLimit {
		if _, serr := o.escrows.Settle(ctx, rec.PositionID, escrow.Settlement{
			Status: escrow.StatusFailed,
			At:     o.cfg.Now().UTC(),
		}); serr != nil && !errors.Is(serr, escrow.ErrStatusConflict) {
			o.log.Error("mark escrow failed", "jobID", hexID(rec.PositionID), "err", serr)
		}
		o.log.Error("escrow settlement budget exhausted",
			"jobID", hexID(rec.PositionID), "attempts", rec.RetryCount+1, "err", cause)
		return cause
	}
	if err := o.escrows.IncrementRetry(ctx, rec.PositionID, cause.Error()); err != nil {
		o.log.Error("increment escrow retry", "jobID", hexID(rec.PositionID), "err", err)
	}
	return cause
}

// handleStageError records a transient failure or finalizes a permanent one.
func (o *Orchestrator) handleStageError(ctx context.Context, j bridgejob.Job, stage string, cause error) (bool, error) {
	wrapped := fmt.Errorf("depositorch: %s: %w", stage, cause)
	if Permanent(cause) {
		return o.failPermanently(ctx, j, bridgejob.Update{}, wrapped)
	}
	if err := o.store.IncrementRetry(ctx, j.ID, cause.Error()); err != nil {
		o.log.Error("increment retry", "jobID", hexID(j.ID), "err", err)
	}
	return false, wrapped
}

func (o *Orchestrator) failPermanently(ctx context.Context, j bridgejob.Job, upd bridgejob.Update, cause error) (bool, error) {
	msg := cause.Error()
	upd.Status = bridgejob.StatusFailed
	upd.LastError = &msg
	if _, err := o.store.UpdateStatus(ctx, j.ID, j.Status, upd); err != nil {
		return false, ignoreLostRace(err)
	}
	o.log.Error("bridge job failed", "jobID", hexID(j.ID), "status", j.Status.String(), "err", cause)
	return true, nil
}

func (o *Orchestrator) failVaultStage(ctx context.Context, j bridgejob.Job, upd bridgejob.Update, cause error) (bool, error) {
	msg := cause.Error()
	upd.Status = bridgejob.StatusVaultMintFailed
	upd.LastError = &msg
	if _, err := o.store.UpdateStatus(ctx, j.ID, j.Status, upd); err != nil {
		return false, ignoreLostRace(err)
	}
	o.log.Error("vault stage failed", "jobID", hexID(j.ID), "err", cause)
	return true, nil
}

// FailJob escalates a job to its permanent failure state; the reconciler
// calls it when the retry budget is exhausted.
func (o *Orchestrator) FailJob(ctx context.Context, id [32]byte, reason string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	target := bridgejob.StatusFailed
	if j.Status == bridgejob.StatusVaultMinting {
		target = bridgejob.StatusVaultMintFailed
	}
	_, err = o.store.UpdateStatus(ctx, id, j.Status, bridgejob.Update{
		Status:    target,
		LastError: &reason,
	})
	if err != nil {
		return ignoreLostRace(err)
	}
	return nil
}

// Permanent reports whether the error can never succeed on retry: an on-chain
// revert or a non-retryable attestation rejection.
func Permanent(err error) bool {
	if evmclient.IsRevert(err) {
		return true
	}
	var fail *attestation.FailureError
	if errors.As(err, &fail) {
		return !fail.Retryable
	}
	return false
}

// ignoreLostRace converts a CAS conflict into a clean no-op: another worker
// advanced the job first, which is success from the system's point of view.
func ignoreLostRace(err error) error {
	if errors.Is(err, bridgejob.ErrStatusConflict) {
		return nil
	}
	return err
}

func (o *Orchestrator) ackMessage(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.log.Warn("ack payment report", "err", err)
	}
}

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}
