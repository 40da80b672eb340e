package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for unit tests and single-process usage.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	records map[[32]byte]Record
	order   [][32]byte
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		records: make(map[[32]byte]Record),
	}
}

func (s *MemoryStore) Create(_ context.Context, r Record) (Record, error) {
	if r.Status == StatusUnknown {
		r.Status = StatusPending
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.PositionID]; ok {
		return Record{}, ErrDuplicatePosition
	}

	now := s.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.records[r.PositionID] = r
	s.order = append(s.order, r.PositionID)
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, positionID [32]byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[positionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListByWallet(_ context.Context, wallet [20]byte, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = len(s.order)
	}
	out := make([]Record, 0, limit)
	for _, id := range s.order {
		r := s.records[id]
		if r.Wallet != wallet {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListFinishable(_ context.Context, asOf time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, limit)
	for _, id := range s.order {
		r := s.records[id]
		if r.Status != StatusPending || r.FinishAfter.After(asOf) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Settle(_ context.Context, positionID [32]byte, st Settlement) (Record, error) {
	if err := validateSettlement(st); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[positionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if r.Status != StatusPending {
		return Record{}, ErrStatusConflict
	}

	r.Status = st.Status
	switch st.Status {
	case StatusFinished:
		r.FinishTxHash = st.FinishTxHash
		r.FinishedAt = st.At.UTC()
	case StatusCancelled:
		r.CancelTxHash = st.CancelTxHash
		r.CancelledAt = st.At.UTC()
	}
	r.UpdatedAt = s.now().UTC()
	s.records[positionID] = r
	return r, nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, positionID [32]byte, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[positionID]
	if !ok {
		return ErrNotFound
	}
	r.RetryCount++
	r.LastError = lastError
	r.UpdatedAt = s.now().UTC()
	s.records[positionID] = r
	return nil
}

func validateSettlement(st Settlement) error {
	if !CanTransition(StatusPending, st.Status) {
		return ErrInvalidTransition
	}
	switch st.Status {
	case StatusFinished:
		if st.FinishTxHash == "" {
			return fmt.Errorf("%w: finish requires finish tx hash", ErrInvalidRecord)
		}
	case StatusCancelled:
		if st.CancelTxHash == "" {
			return fmt.Errorf("%w: cancel requires cancel tx hash", ErrInvalidRecord)
		}
	}
	if st.At.IsZero() {
		return fmt.Errorf("%w: settlement time required", ErrInvalidRecord)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
