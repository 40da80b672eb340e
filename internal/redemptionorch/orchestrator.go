package redemptionorch

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
	"github.com/vaultbridge-labs/vaultbridge/internal/contractabi"
	"github.com/vaultbridge-labs/vaultbridge/internal/evmclient"
	"github.com/vaultbridge-labs/vaultbridge/internal/idempotency"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob"
)

var ErrInvalidConfig = errors.New("redemptionorch: invalid config")

// PayoutAgent executes XRPL payouts. It deduplicates on payoutID, so a
// repeated call for the same job pays at most once and returns the original
// transaction hash.
type PayoutAgent interface {
	Payout(ctx context.Context, destination string, amountDrops uint64, payoutID [32]byte) (txHash string, err error)
}

// Submitter sends contract calldata and waits for the mined receipt.
type Submitter interface {
	SubmitCall(ctx context.Context, to common.Address, calldata []byte, gasLimit uint64) (common.Hash, error)
}

type Config struct {
	// VaultContract is the ERC-4626 vault shares are redeemed against.
	VaultContract common.Address

	// PayoutReserve receives the redeemed bridged assets; the payout agent
	// draws its XRPL liquidity against it.
	PayoutReserve common.Address

	RedeemGasLimit uint64

	AttestTimeout time.Duration

	Now func() time.Time
}

// Orchestrator drives redemption jobs: vault redeem, payout attestation,
// XRPL payout. Advance performs one transition; the store CAS makes it safe
// to call from the event path and the reconciler concurrently.
type Orchestrator struct {
	cfg Config

	store    redemptionjob.Store
	attestor attestation.Client
	evm      Submitter
	payouts  PayoutAgent
	blobs    blobstore.Store

	log *slog.Logger
}

func New(cfg Config, store redemptionjob.Store, attestor attestation.Client, evm Submitter, payouts PayoutAgent, blobs blobstore.Store, log *slog.Logger) (*Orchestrator, error) {
	if store == nil || attestor == nil || evm == nil || payouts == nil || blobs == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if (cfg.VaultContract == common.Address{}) {
		return nil, fmt.Errorf("%w: VaultContract must be non-zero", ErrInvalidConfig)
	}
	if (cfg.PayoutReserve == common.Address{}) {
		return nil, fmt.Errorf("%w: PayoutReserve must be non-zero", ErrInvalidConfig)
	}
	if cfg.AttestTimeout <= 0 {
		cfg.AttestTimeout = 30 * time.Second
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
		attestor: attestor,
		evm:      evm,
		payouts:  payouts,
		blobs:    blobs,
		log:      log,
	}, nil
}

// Submit registers a new redemption job.
func (o *Orchestrator) Submit(ctx context.Context, wallet [20]byte, shares, expectedPayout uint64, payoutAddress string) (redemptionjob.Job, error) {
	nonce := uint64(o.cfg.Now().UTC().UnixNano())
	j := redemptionjob.Job{
		ID:                   idempotency.RedemptionJobIDV1(wallet, shares, nonce),
		Wallet:               wallet,
		SharesAmount:         shares,
		ExpectedPayoutAmount: expectedPayout,
		PayoutAddress:        payoutAddress,
		Status:               redemptionjob.StatusPending,
	}
	created, err := o.store.Create(ctx, j)
	if err != nil {
		return redemptionjob.Job{}, err
	}
	o.log.Info("redemption job submitted", "jobID", hexID(created.ID), "shares", shares)
	return created, nil
}

// Advance performs the single next transition for the job and reports whether
// it progressed.
func (o *Orchestrator) Advance(ctx context.Context, id [32]byte) (bool, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	switch j.Status {
	case redemptionjob.StatusPending:
		return o.submitRedeem(ctx, j)
	case redemptionjob.StatusRedeeming:
		return o.confirmRedeem(ctx, j)
	case redemptionjob.StatusProofPending:
		return o.requestPayoutProof(ctx, j)
	case redemptionjob.StatusPayoutPending:
		return o.executePayout(ctx, j)
	default:
		return false, nil
	}
}

func (o *Orchestrator) submitRedeem(ctx context.Context, j redemptionjob.Job) (bool, error) {
	calldata, err := contractabi.PackVaultRedeem(
		new(big.Int).SetUint64(j.SharesAmount),
		o.cfg.PayoutReserve,
		common.Address(j.Wallet),
	)
	if err != nil {
		return false, err
	}

	txHash, err := o.evm.SubmitCall(ctx, o.cfg.VaultContract, calldata, o.cfg.RedeemGasLimit)
	if err != nil && !evmclient.IsRevert(err) {
		return o.handleStageError(ctx, j, "submit redeem", err)
	}
	if evmclient.IsRevert(err) {
		redeemTx := [32]byte(txHash)
		return o.failPermanently(ctx, j, redemptionjob.Update{RedeemTxHash: &redeemTx}, err)
	}

	redeemTx := [32]byte(txHash)
	_, err = o.store.UpdateStatus(ctx, j.ID, redemptionjob.StatusPending, redemptionjob.Update{
		Status:          redemptionjob.StatusRedeeming,
		RedeemTxHash:    &redeemTx,
		NeedsRetry:      boolPtr(false),
		ResetRetryCount: true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	o.log.Info("vault redeem submitted", "jobID", hexID(j.ID), "txHash", txHash.Hex())
	return true, nil
}

func (o *Orchestrator) confirmRedeem(ctx context.Context, j redemptionjob.Job) (bool, error) {
	// The redeem receipt was checked at submission; this step makes the tx
	// hash durable before the proof stage begins.
	_, err := o.store.UpdateStatus(ctx, j.ID, redemptionjob.StatusRedeeming, redemptionjob.Update{
		Status:          redemptionjob.StatusProofPending,
		NeedsRetry:      boolPtr(false),
		ResetRetryCount: true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	return true, nil
}

func (o *Orchestrator) requestPayoutProof(ctx context.Context, j redemptionjob.Job) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttestTimeout)
	defer cancel()

	res, err := o.attestor.RequestProof(actx, attestation.Request{
		JobID:  j.ID,
		Kind:   attestation.KindPayout,
		TxHash: "0x" + hex.EncodeToString(j.RedeemTxHash[:]),
		Amount: j.ExpectedPayoutAmount,
	})
	if err != nil {
		if errors.Is(err, attestation.ErrPending) {
			return false, nil
		}
		return o.handleStageError(ctx, j, "request payout attestation", err)
	}
	if len(res.Proof) == 0 {
		return o.handleStageError(ctx, j, "request payout attestation", errors.New("empty proof"))
	}

	if err := blobstore.PutProof(ctx, o.blobs, blobstore.PayoutProofKey(j.ID), j.ID, res.Proof); err != nil {
		return false, err
	}

	_, err = o.store.UpdateStatus(ctx, j.ID, redemptionjob.StatusProofPending, redemptionjob.Update{
		Status:          redemptionjob.StatusPayoutPending,
		NeedsRetry:      boolPtr(false),
		ResetRetryCount: true,
	})
	if err != nil {
		return false, ignoreLostRace(err)
	}
	return true, nil
}

func (o *Orchestrator) executePayout(ctx context.Context, j redemptionjob.Job) (bool, error) {
	// The payout id is derived from the job id, so a concurrent Advance that
	// also reaches the agent pays at most once.
	payoutID := idempotency.PayoutIDV1(j.ID)
	txHash, err := o.payouts.Payout(ctx, j.PayoutAddress, j.ExpectedPayoutAmount, payoutID)
	if err != nil {
		return o.handleStageError(ctx, j, "execute payout", err)
	}
	if txHash == "" {
		return o.handleStageError(ctx, j, "execute payout", errors.New("payout agent returned no tx hash"))
	}

	_, err = o.store.UpdateStatus(ctx, j.ID, redemptionjob.StatusPayoutPending, redemptionjob.Update{
		Status:          redemptionjob.StatusCompleted,
		PayoutTxHash:    &txHash,
		NeedsRetry:      boolPtr(false),
		ResetRetryCount: true,
	})
	if err != nil {
		// Another worker completed first; the agent's payout-id dedup
		// guarantees only one payout happened.
		return false, ignoreLostRace(err)
	}
	o.log.Info("payout executed", "jobID", hexID(j.ID), "txHash", txHash)
	return true, nil
}

// FailJob escalates a job to failed; the reconciler calls it when the retry
// budget is exhausted.
func (o *Orchestrator) FailJob(ctx context.Context, id [32]byte, reason string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	_, err = o.store.UpdateStatus(ctx, id, j.Status, redemptionjob.Update{
		Status:    redemptionjob.StatusFailed,
		LastError: &reason,
	})
	if err != nil {
		return ignoreLostRace(err)
	}
	return nil
}

func (o *Orchestrator) handleStageError(ctx context.Context, j redemptionjob.Job, stage string, cause error) (bool, error) {
	wrapped := fmt.Errorf("redemptionorch: %s: %w", stage, cause)
	if Permanent(cause) {
		return o.failPermanently(ctx, j, redemptionjob.Update{}, wrapped)
	}
	if err := o.store.IncrementRetry(ctx, j.ID, cause.Error()); err != nil {
		o.log.Error("increment retry", "jobID", hexID(j.ID), "err", err)
	}
	return false, wrapped
}

func (o *Orchestrator) failPermanently(ctx context.Context, j redemptionjob.Job, upd redemptionjob.Update, cause error) (bool, error) {
	msg := cause.Error()
	upd.Status = redemptionjob.StatusFailed
	upd.LastError = &msg
	if _, err := o.store.UpdateStatus(ctx, j.ID, j.Status, upd); err != nil {
		return false, ignoreLostRace(err)
	}
	o.log.Error("redemption job failed", "jobID", hexID(j.ID), "status", j.Status.String(), "err", cause)
	return true, nil
}

// Permanent reports whether the error can never succeed on retry.
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

func ignoreLostRace(err error) error {
	if errors.Is(err, redemptionjob.ErrStatusConflict) {
		return nil
	}
	return err
}

func boolPtr(v bool) *bool { return &v }

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}
