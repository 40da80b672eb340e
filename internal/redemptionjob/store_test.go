package redemptionjob

import (
	"context"
	"errors"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seedJob(t *testing.T, s *MemoryStore, id byte) Job {
	t.Helper()

	j, err := s.Create(context.Background(), Job{
		ID:                   [32]byte{id},
		Wallet:               [20]byte{0xbb},
		SharesAmount:         500,
		ExpectedPayoutAmount: 480,
		PayoutAddress:        "rPayoutDest1",
		Status:               StatusPending,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func moveTo(t *testing.T, s *MemoryStore, id [32]byte, path ...Status) {
	t.Helper()

	j, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	from := j.Status
	for _, to := range path {
		if _, err := s.UpdateStatus(context.Background(), id, from, Update{Status: to}); err != nil {
			t.Fatalf("UpdateStatus %s -> %s: %v", from, to, err)
		}
		from = to
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRedeeming, true},
		{StatusRedeeming, StatusProofPending, true},
		{StatusProofPending, StatusPayoutPending, true},
		{StatusPayoutPending, StatusCompleted, true},

		// The pipeline is a straight line: no skips, no regressions.
		{StatusPending, StatusProofPending, false},
		{StatusPending, StatusCompleted, false},
		{StatusProofPending, StatusRedeeming, false},
		{StatusPayoutPending, StatusRedeeming, false},

		// Failed is reachable from every non-terminal state, nothing leaves it.
		{StatusPending, StatusFailed, true},
		{StatusPayoutPending, StatusFailed, true},
		{StatusFailed, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusUnknown, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s): got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestUpdateStatus_SinglePayoutWinner(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	j := seedJob(t, s, 0x01)
	moveTo(t, s, j.ID, StatusRedeeming, StatusProofPending, StatusPayoutPending)

	tx1 := "XRPL_PAYOUT_1"
	if _, err := s.UpdateStatus(context.Background(), j.ID, StatusPayoutPending, Update{
		Status:       StatusCompleted,
		PayoutTxHash: &tx1,
	}); err != nil {
		t.Fatalf("first payout CAS: %v", err)
	}

	// A concurrent payout attempt observed payout_pending too; it must lose.
	tx2 := "XRPL_PAYOUT_2"
	_, err := s.UpdateStatus(context.Background(), j.ID, StatusPayoutPending, Update{
		Status:       StatusCompleted,
		PayoutTxHash: &tx2,
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second payout CAS: got %v want ErrStatusConflict", err)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PayoutTxHash != tx1 {
		t.Fatalf("payout tx hash: got %q want %q", got.PayoutTxHash, tx1)
	}
}

func TestUpdateStatus_InvalidTransition(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	j := seedJob(t, s, 0x01)

	_, err := s.UpdateStatus(context.Background(), j.ID, StatusPending, Update{Status: StatusCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stage skip: got %v want ErrInvalidTransition", err)
	}
}

func TestListStale_NeedsRetryFilter(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(func() time.Time { return testEpoch })
	flagged := seedJob(t, s, 0x01)
	waiting := seedJob(t, s, 0x02)
	if err := s.IncrementRetry(context.Background(), flagged.ID, "xrpl gateway unavailable"); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}

	cutoff := testEpoch.Add(time.Minute)

	got, err := s.ListStale(context.Background(), StatusPending, boolPtr(true), cutoff, 10)
	if err != nil {
		t.Fatalf("ListStale flagged: %v", err)
	}
	if len(got) != 1 || got[0].ID != flagged.ID {
		t.Fatalf("flagged selection: got %d jobs", len(got))
	}

	got, err = s.ListStale(context.Background(), StatusPending, boolPtr(false), cutoff, 10)
	if err != nil {
		t.Fatalf("ListStale waiting: %v", err)
	}
	if len(got) != 1 || got[0].ID != waiting.ID {
		t.Fatalf("waiting selection: got %d jobs", len(got))
	}

	// Nil filter selects both.
	got, err = s.ListStale(context.Background(), StatusPending, nil, cutoff, 10)
	if err != nil {
		t.Fatalf("ListStale unfiltered: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unfiltered selection: got %d jobs", len(got))
	}
}

func TestIncrementRetry_SetsNeedsRetry(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	j := seedJob(t, s, 0x01)

	if err := s.IncrementRetry(context.Background(), j.ID, "xrpl gateway unavailable"); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.NeedsRetry || got.RetryCount != 1 || got.LastError != "xrpl gateway unavailable" {
		t.Fatalf("after retry: needsRetry=%v count=%d lastError=%q", got.NeedsRetry, got.RetryCount, got.LastError)
	}

	// Progress clears the marker and the counter.
	cleared, err := s.UpdateStatus(context.Background(), j.ID, StatusPending, Update{
		Status:          StatusRedeeming,
		NeedsRetry:      boolPtr(false),
		ResetRetryCount: true,
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if cleared.NeedsRetry || cleared.RetryCount != 0 {
		t.Fatalf("after progress: needsRetry=%v count=%d", cleared.NeedsRetry, cleared.RetryCount)
	}
}

func TestCreate_DuplicateJob(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	seedJob(t, s, 0x01)
	_, err := s.Create(context.Background(), Job{
		ID:            [32]byte{0x01},
		Wallet:        [20]byte{0xbb},
		SharesAmount:  1,
		PayoutAddress: "rPayoutDest1",
	})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate job: got %v", err)
	}
}

func boolPtr(v bool) *bool { return &v }
