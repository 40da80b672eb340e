package statusapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vaultbridge-labs/vaultbridge/internal/bridgejob"
	"github.com/vaultbridge-labs/vaultbridge/internal/escrow"
	"github.com/vaultbridge-labs/vaultbridge/internal/reconciler"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob"
)

type stubBridgeReader struct {
	job  bridgejob.Job
	jobs []bridgejob.Job
	err  error
}

func (s *stubBridgeReader) Get(_ context.Context, _ [32]byte) (bridgejob.Job, error) {
	return s.job, s.err
}

func (s *stubBridgeReader) ListByWallet(_ context.Context, _ [20]byte, _ int) ([]bridgejob.Job, error) {
	return s.jobs, s.err
}

type stubRedemptionReader struct {
	job  redemptionjob.Job
	jobs []redemptionjob.Job
	err  error
}

func (s *stubRedemptionReader) Get(_ context.Context, _ [32]byte) (redemptionjob.Job, error) {
	return s.job, s.err
}

func (s *stubRedemptionReader) ListByWallet(_ context.Context, _ [20]byte, _ int) ([]redemptionjob.Job, error) {
	return s.jobs, s.err
}

type stubEscrowReader struct {
	records []escrow.Record
	err     error
}

func (s *stubEscrowReader) ListByWallet(_ context.Context, _ [20]byte, _ int) ([]escrow.Record, error) {
	return s.records, s.err
}

type stubReconciler struct {
	bridgeRes     reconciler.Result
	redemptionRes reconciler.Result
	err           error
	lastID        [32]byte
}

func (s *stubReconciler) ReconcileBridgeJob(_ context.Context, id [32]byte) (reconciler.Result, error) {
	s.lastID = id
	return s.bridgeRes, s.err
}

func (s *stubReconciler) ReconcileRedemptionJob(_ context.Context, id [32]byte) (reconciler.Result, error) {
	s.lastID = id
	return s.redemptionRes, s.err
}

func newTestHandler(t *testing.T, bridges *stubBridgeReader, redemptions *stubRedemptionReader, escrows *stubEscrowReader, recon Reconciler) http.Handler {
	t.Helper()

	if bridges == nil {
		bridges = &stubBridgeReader{err: bridgejob.ErrNotFound}
	}
	if redemptions == nil {
		redemptions = &stubRedemptionReader{err: redemptionjob.ErrNotFound}
	}
	if escrows == nil {
		escrows = &stubEscrowReader{}
	}
	h, err := NewHandler(Config{}, bridges, redemptions, escrows, recon)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

const testID = "0x0101010101010101010101010101010101010101010101010101010101010101"

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestHandler_BridgeStatus(t *testing.T) {
	t.Parallel()

	job := bridgejob.Job{
		ID:                    [32]byte{0x01},
		RequestID:             "req-1",
		Wallet:                [20]byte{0xaa},
		SourceAmount:          1_000,
		BridgedAmountExpected: 990,
		Status:                bridgejob.StatusAwaitingPayment,
		CreatedAt:             time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:             time.Date(2026, 5, 1, 0, 1, 0, 0, time.UTC),
	}
	h := newTestHandler(t, &stubBridgeReader{job: job}, nil, nil, nil)

	id := "0x" + hex.EncodeToString(job.ID[:])
	req := httptest.NewRequest(http.MethodGet, "/api/bridges/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Version      string `json:"version"`
		Found        bool   `json:"found"`
		BridgeID     string `json:"bridgeId"`
		Status       string `json:"status"`
		SourceAmount string `json:"sourceAmount"`
		Vault        string `json:"vault"`
		MintTxHash   string `json:"mintTxHash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Found || out.Version != "v1" {
		t.Fatalf("envelope: %+v", out)
	}
	if out.Status != "awaiting_payment" {
		t.Fatalf("status string: got %q", out.Status)
	}
	if out.SourceAmount != "1000" {
		t.Fatalf("sourceAmount: got %q", out.SourceAmount)
	}
	if out.Vault != "" || out.MintTxHash != "" {
		t.Fatalf("zero-value fields must project empty: %+v", out)
	}
}

func TestHandler_BridgeStatusNotFound(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &stubBridgeReader{err: bridgejob.ErrNotFound}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/bridges/"+testID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var out struct {
		Found    bool   `json:"found"`
		BridgeID string `json:"bridgeId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Found {
		t.Fatal("missing job must report found=false")
	}
	if out.BridgeID != testID {
		t.Fatalf("bridgeId echo: got %q", out.BridgeID)
	}
}

func TestHandler_BridgeStatusInvalidID(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/bridges/nothex", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusBadRequest)
	}

	var out struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error != "invalid_bridge_id" {
		t.Fatalf("error code: got %q", out.Error)
	}
}

func TestHandler_BridgesByWallet(t *testing.T) {
	t.Parallel()

	jobs := []bridgejob.Job{
		{ID: [32]byte{0x01}, RequestID: "req-1", Wallet: [20]byte{0xaa}, SourceAmount: 1, BridgedAmountExpected: 1, Status: bridgejob.StatusPending},
		{ID: [32]byte{0x02}, RequestID: "req-2", Wallet: [20]byte{0xaa}, SourceAmount: 2, BridgedAmountExpected: 2, Status: bridgejob.StatusCompleted},
	}
	h := newTestHandler(t, &stubBridgeReader{jobs: jobs}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/bridges/wallet/0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Wallet  string `json:"wallet"`
		Bridges []struct {
			Status string `json:"status"`
		} `json:"bridges"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Bridges) != 2 {
		t.Fatalf("bridges: got %d want 2", len(out.Bridges))
	}
	if out.Bridges[1].Status != "completed" {
		t.Fatalf("status: got %q", out.Bridges[1].Status)
	}
}

func TestHandler_BridgesByWalletInvalidAddress(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/bridges/wallet/zzzz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandler_BridgeReconcile(t *testing.T) {
	t.Parallel()

	recon := &stubReconciler{bridgeRes: reconciler.Result{
		Reconciled: true,
		Advanced:   true,
		Message:    "job advanced",
	}}
	h := newTestHandler(t, nil, nil, nil, recon)

	req := httptest.NewRequest(http.MethodPost, "/api/bridges/"+testID+"/reconcile", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Reconciled bool   `json:"reconciled"`
		Advanced   bool   `json:"advanced"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Reconciled || !out.Advanced || out.Message != "job advanced" {
		t.Fatalf("result: %+v", out)
	}
	if recon.lastID == ([32]byte{}) {
		t.Fatal("reconciler not invoked")
	}
}

func TestHandler_BridgeReconcileNotFound(t *testing.T) {
	t.Parallel()

	recon := &stubReconciler{err: bridgejob.ErrNotFound}
	h := newTestHandler(t, nil, nil, nil, recon)

	req := httptest.NewRequest(http.MethodPost, "/api/bridges/"+testID+"/reconcile", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandler_BridgeReconcileUnavailable(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/bridges/"+testID+"/reconcile", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandler_RedemptionStatus(t *testing.T) {
	t.Parallel()

	job := redemptionjob.Job{
		ID:                   [32]byte{0x03},
		Wallet:               [20]byte{0xbb},
		SharesAmount:         500,
		ExpectedPayoutAmount: 480,
		PayoutAddress:        "rPayoutDest1",
		Status:               redemptionjob.StatusPayoutPending,
		NeedsRetry:           true,
	}
	h := newTestHandler(t, nil, &stubRedemptionReader{job: job}, nil, nil)

	id := "0x" + hex.EncodeToString(job.ID[:])
	req := httptest.NewRequest(http.MethodGet, "/api/redemptions/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Found         bool   `json:"found"`
		Status        string `json:"status"`
		NeedsRetry    bool   `json:"needsRetry"`
		PayoutAddress string `json:"payoutAddress"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Found || out.Status != "payout_pending" || !out.NeedsRetry {
		t.Fatalf("projection: %+v", out)
	}
	if out.PayoutAddress != "rPayoutDest1" {
		t.Fatalf("payoutAddress: got %q", out.PayoutAddress)
	}
}

func TestHandler_EscrowsByWallet(t *testing.T) {
	t.Parallel()

	records := []escrow.Record{{
		PositionID:   [32]byte{0x04},
		Wallet:       [20]byte{0xaa},
		Amount:       1_000,
		Status:       escrow.StatusPending,
		CreateTxHash: "ESCROW_CREATE_TX",
		FinishAfter:  time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
	}}
	h := newTestHandler(t, nil, nil, &stubEscrowReader{records: records}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/wallet/0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var out struct {
		Escrows []struct {
			Status       string `json:"status"`
			CreateTxHash string `json:"createTxHash"`
			FinishAfter  string `json:"finishAfter"`
			FinishedAt   string `json:"finishedAt"`
		} `json:"escrows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Escrows) != 1 {
		t.Fatalf("escrows: got %d want 1", len(out.Escrows))
	}
	if out.Escrows[0].Status != "pending" || out.Escrows[0].CreateTxHash != "ESCROW_CREATE_TX" {
		t.Fatalf("projection: %+v", out.Escrows[0])
	}
	if out.Escrows[0].FinishAfter == "" || out.Escrows[0].FinishedAt != "" {
		t.Fatalf("timestamps: %+v", out.Escrows[0])
	}
}

func TestHandler_RateLimit(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h, err := NewHandler(Config{
		RateLimitPerIPPerSecond: 1,
		RateLimitBurst:          2,
		Now:                     func() time.Time { return base },
	}, &stubBridgeReader{err: bridgejob.ErrNotFound}, &stubRedemptionReader{err: redemptionjob.ErrNotFound}, &stubEscrowReader{}, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/bridges/"+testID, nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/bridges/"+testID, nil)
	req.RemoteAddr = "203.0.113.7:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After: got %q", rec.Header().Get("Retry-After"))
	}

	// healthz is exempt.
	hreq := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	hreq.RemoteAddr = "203.0.113.7:1234"
	hrec := httptest.NewRecorder()
	h.ServeHTTP(hrec, hreq)
	if hrec.Code != http.StatusOK {
		t.Fatalf("healthz throttled: %d", hrec.Code)
	}
}
