package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seedRecord(t *testing.T, s *MemoryStore, id byte, finishAfter time.Time) Record {
	t.Helper()

	r, err := s.Create(context.Background(), Record{
		PositionID:   [32]byte{id},
		Wallet:       [20]byte{0xaa},
		Amount:       990,
		Status:       StatusPending,
		CreateTxHash: "ESCROW_CREATE_TX",
		FinishAfter:  finishAfter,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusFinished, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},

		// Escrows settle exactly once.
		{StatusFinished, StatusCancelled, false},
		{StatusCancelled, StatusFinished, false},
		{StatusFailed, StatusPending, false},
		{StatusPending, StatusPending, false},
		{StatusUnknown, StatusFinished, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s): got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCreate_DuplicatePosition(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	seedRecord(t, s, 0x01, testEpoch)
	_, err := s.Create(context.Background(), Record{
		PositionID:   [32]byte{0x01},
		Wallet:       [20]byte{0xaa},
		Amount:       1,
		CreateTxHash: "ESCROW_CREATE_TX_2",
	})
	if !errors.Is(err, ErrDuplicatePosition) {
		t.Fatalf("duplicate position: got %v", err)
	}
}

func TestSettle_SingleWinner(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	r := seedRecord(t, s, 0x01, testEpoch)

	got, err := s.Settle(context.Background(), r.PositionID, Settlement{
		Status:       StatusFinished,
		FinishTxHash: "ESCROW_FINISH_TX",
		At:           testEpoch,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if got.Status != StatusFinished || got.FinishTxHash != "ESCROW_FINISH_TX" || !got.FinishedAt.Equal(testEpoch) {
		t.Fatalf("settled record: %+v", got)
	}

	// A concurrent cancel attempt loses the CAS on pending.
	_, err = s.Settle(context.Background(), r.PositionID, Settlement{
		Status:       StatusCancelled,
		CancelTxHash: "ESCROW_CANCEL_TX",
		At:           testEpoch,
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second settle: got %v want ErrStatusConflict", err)
	}
}

func TestSettle_ValidatesEvidence(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	r := seedRecord(t, s, 0x01, testEpoch)

	if _, err := s.Settle(context.Background(), r.PositionID, Settlement{
		Status: StatusFinished,
		At:     testEpoch,
	}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("finish without tx hash: got %v", err)
	}
	if _, err := s.Settle(context.Background(), r.PositionID, Settlement{
		Status: StatusCancelled,
		At:     testEpoch,
	}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("cancel without tx hash: got %v", err)
	}
	if _, err := s.Settle(context.Background(), r.PositionID, Settlement{
		Status:       StatusFinished,
		FinishTxHash: "ESCROW_FINISH_TX",
	}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("settle without time: got %v", err)
	}
	if _, err := s.Settle(context.Background(), r.PositionID, Settlement{
		Status: StatusPending,
		At:     testEpoch,
	}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("settle to pending: got %v", err)
	}

	// Failed settlements need no tx evidence.
	if _, err := s.Settle(context.Background(), r.PositionID, Settlement{
		Status: StatusFailed,
		At:     testEpoch,
	}); err != nil {
		t.Fatalf("settle to failed: %v", err)
	}
}

func TestSettle_UnknownPosition(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	if _, err := s.Settle(context.Background(), [32]byte{0x99}, Settlement{
		Status:       StatusFinished,
		FinishTxHash: "ESCROW_FINISH_TX",
		At:           testEpoch,
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown position: got %v", err)
	}
}

func TestListFinishable(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	due := seedRecord(t, s, 0x01, testEpoch.Add(-time.Hour))
	seedRecord(t, s, 0x02, testEpoch.Add(time.Hour))
	settledEarly := seedRecord(t, s, 0x03, testEpoch.Add(-time.Hour))
	if _, err := s.Settle(context.Background(), settledEarly.PositionID, Settlement{
		Status:       StatusCancelled,
		CancelTxHash: "ESCROW_CANCEL_TX",
		At:           testEpoch,
	}); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	got, err := s.ListFinishable(context.Background(), testEpoch, 10)
	if err != nil {
		t.Fatalf("ListFinishable: %v", err)
	}
	if len(got) != 1 || got[0].PositionID != due.PositionID {
		t.Fatalf("finishable selection: got %d records", len(got))
	}

	// All pending positions qualify once their window opens.
	got, err = s.ListFinishable(context.Background(), testEpoch.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListFinishable: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("finishable selection at later asOf: got %d records", len(got))
	}
}

func TestIncrementRetry(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	r := seedRecord(t, s, 0x01, testEpoch)

	for i := 0; i < 2; i++ {
		if err := s.IncrementRetry(context.Background(), r.PositionID, "agent unavailable"); err != nil {
			t.Fatalf("IncrementRetry: %v", err)
		}
	}
	got, err := s.Get(context.Background(), r.PositionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 2 || got.LastError != "agent unavailable" || got.Status != StatusPending {
		t.Fatalf("after retries: count=%d lastError=%q status=%s", got.RetryCount, got.LastError, got.Status)
	}

	if err := s.IncrementRetry(context.Background(), [32]byte{0x99}, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown position: got %v want ErrNotFound", err)
	}
}
