package redemptionorch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vaultbridge-labs/vaultbridge/internal/attestation"
	"github.com/vaultbridge-labs/vaultbridge/internal/blobstore"
	"github.com/vaultbridge-labs/vaultbridge/internal/evmclient"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob"
)

type fakeSubmitter struct {
	calls  int
	hashes []common.Hash
	errs   []error
}

func (s *fakeSubmitter) SubmitCall(_ context.Context, _ common.Address, _ []byte, _ uint64) (common.Hash, error) {
	i := s.calls
	s.calls++
	var h common.Hash
	if i < len(s.hashes) {
		h = s.hashes[i]
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return h, err
}

type fakePayoutAgent struct {
	calls    int
	lastID   [32]byte
	lastDest string
	txHash   string
	err      error
}

func (a *fakePayoutAgent) Payout(_ context.Context, destination string, _ uint64, payoutID [32]byte) (string, error) {
	a.calls++
	a.lastID = payoutID
	a.lastDest = destination
	if a.err != nil {
		return "", a.err
	}
	return a.txHash, nil
}

type env struct {
	orch  *Orchestrator
	store *redemptionjob.MemoryStore
	sub   *fakeSubmitter
	agent *fakePayoutAgent
}

func newEnv(t *testing.T, attestor attestation.Client) *env {
	t.Helper()

	store := redemptionjob.NewMemoryStore(nil)
	sub := &fakeSubmitter{
		hashes: []common.Hash{
			common.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444"),
		},
	}
	agent := &fakePayoutAgent{txHash: "XRPL_PAYOUT_TX"}
	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	if attestor == nil {
		attestor = &attestation.StaticClient{Result: attestation.Result{Proof: []byte{0x01}}}
	}

	orch, err := New(Config{
		VaultContract: common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		PayoutReserve: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Now:           func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) },
	}, store, attestor, sub, agent, blobs, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &env{orch: orch, store: store, sub: sub, agent: agent}
}

func advanceTo(t *testing.T, e *env, id [32]byte, want redemptionjob.Status, steps int) redemptionjob.Job {
	t.Helper()

	for i := 0; i < steps; i++ {
		if _, err := e.orch.Advance(context.Background(), id); err != nil {
			t.Fatalf("Advance step %d: %v", i, err)
		}
	}
	j, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != want {
		t.Fatalf("status: got %s want %s", j.Status, want)
	}
	return j
}

func TestOrchestrator_HappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	j, err := e.orch.Submit(context.Background(), [20]byte{0xaa}, 1_000, 900, "rPayoutDest1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// pending -> redeeming -> proof_pending -> payout_pending -> completed
	final := advanceTo(t, e, j.ID, redemptionjob.StatusCompleted, 4)
	if final.RedeemTxHash == ([32]byte{}) {
		t.Fatal("redeem tx hash not persisted")
	}
	if final.PayoutTxHash != "XRPL_PAYOUT_TX" {
		t.Fatalf("payout tx hash: got %q", final.PayoutTxHash)
	}
	if e.agent.calls != 1 {
		t.Fatalf("payout calls: got %d want 1", e.agent.calls)
	}
	if e.agent.lastDest != "rPayoutDest1" {
		t.Fatalf("payout destination: got %q", e.agent.lastDest)
	}
	if e.agent.lastID == ([32]byte{}) {
		t.Fatal("payout id missing")
	}
	if e.agent.lastID == j.ID {
		t.Fatal("payout id must be derived, not the raw job id")
	}
}

func TestOrchestrator_RedeemRevertFailsPermanently(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	revertHash := common.HexToHash("0x5555555555555555555555555555555555555555555555555555555555555555")
	e.sub.hashes = []common.Hash{revertHash}
	e.sub.errs = []error{&evmclient.RevertError{TxHash: revertHash}}

	j, err := e.orch.Submit(context.Background(), [20]byte{0xaa}, 1_000, 900, "rPayoutDest1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := advanceTo(t, e, j.ID, redemptionjob.StatusFailed, 1)
	if got.RedeemTxHash != [32]byte(revertHash) {
		t.Fatal("reverted redeem tx hash must still be persisted")
	}
	if got.LastError == "" {
		t.Fatal("permanent failure must record lastError")
	}
}

func TestOrchestrator_PendingProofLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &attestation.StaticClient{Err: attestation.ErrPending})
	j, err := e.orch.Submit(context.Background(), [20]byte{0xaa}, 1_000, 900, "rPayoutDest1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	advanceTo(t, e, j.ID, redemptionjob.StatusProofPending, 2)
	progressed, err := e.orch.Advance(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if progressed {
		t.Fatal("pending proof must not progress the job")
	}
	advanceTo(t, e, j.ID, redemptionjob.StatusProofPending, 0)
}

func TestOrchestrator_TransientPayoutFailureSetsNeedsRetry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	j, err := e.orch.Submit(context.Background(), [20]byte{0xaa}, 1_000, 900, "rPayoutDest1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	advanceTo(t, e, j.ID, redemptionjob.StatusPayoutPending, 3)

	e.agent.err = errors.New("xrpl gateway unavailable")
	if _, err := e.orch.Advance(context.Background(), j.ID); err == nil {
		t.Fatal("expected transient payout error to surface")
	}

	got := advanceTo(t, e, j.ID, redemptionjob.StatusPayoutPending, 0)
	if !got.NeedsRetry {
		t.Fatal("transient failure must set needsRetry")
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count: got %d want 1", got.RetryCount)
	}

	// Recovery clears the marker.
	e.agent.err = nil
	final := advanceTo(t, e, j.ID, redemptionjob.StatusCompleted, 1)
	if final.NeedsRetry {
		t.Fatal("progress must clear needsRetry")
	}
	if final.RetryCount != 0 {
		t.Fatalf("retry count after progress: got %d want 0", final.RetryCount)
	}
}

func TestOrchestrator_PermanentAttestationFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &attestation.StaticClient{Err: &attestation.FailureError{
		Code: "invalid_redeem", Retryable: false,
	}})
	j, err := e.orch.Submit(context.Background(), [20]byte{0xaa}, 1_000, 900, "rPayoutDest1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	advanceTo(t, e, j.ID, redemptionjob.StatusProofPending, 2)
	advanceTo(t, e, j.ID, redemptionjob.StatusFailed, 1)
}

func TestOrchestrator_FailJobEscalates(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	j, err := e.orch.Submit(context.Background(), [20]byte{0xaa}, 1_000, 900, "rPayoutDest1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := e.orch.FailJob(context.Background(), j.ID, "retry budget exhausted"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got := advanceTo(t, e, j.ID, redemptionjob.StatusFailed, 0)
	if got.LastError != "retry budget exhausted" {
		t.Fatalf("lastError: got %q", got.LastError)
	}

	// Terminal jobs are untouched.
	if err := e.orch.FailJob(context.Background(), j.ID, "again"); err != nil {
		t.Fatalf("FailJob on terminal: %v", err)
	}
}

func TestOrchestrator_AdvanceTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	j, err := e.orch.Submit(context.Background(), [20]byte{0xaa}, 1_000, 900, "rPayoutDest1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	advanceTo(t, e, j.ID, redemptionjob.StatusCompleted, 4)

	progressed, err := e.orch.Advance(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if progressed {
		t.Fatal("terminal job must not progress")
	}
	if e.agent.calls != 1 {
		t.Fatalf("payout must not repeat: %d calls", e.agent.calls)
	}
}
