package redemptionjob

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for unit tests and single-process usage.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	jobs  map[[32]byte]Job
	order [][32]byte
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:  now,
		jobs: make(map[[32]byte]Job),
	}
}

func (s *MemoryStore) Create(_ context.Context, j Job) (Job, error) {
	if j.Status == StatusUnknown {
		j.Status = StatusPending
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return Job{}, ErrDuplicateJob
	}

	now := s.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return j, nil
}

func (s *MemoryStore) Get(_ context.Context, id [32]byte) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) ListByWallet(_ context.Context, wallet [20]byte, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = len(s.order)
	}
	out := make([]Job, 0, limit)
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Wallet != wallet {
			continue
		}
		out = append(out, j)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStale(_ context.Context, status Status, needsRetry *bool, updatedBefore time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || status.Terminal() {
		return nil, nil
	}
	out := make([]Job, 0, limit)
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != status || !j.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if needsRetry != nil && j.NeedsRetry != *needsRetry {
			continue
		}
		out = append(out, j)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id [32]byte, from Status, upd Update) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if !CanTransition(from, upd.Status) {
		return Job{}, ErrInvalidTransition
	}
	if j.Status != from {
		return Job{}, ErrStatusConflict
	}

	j.Status = upd.Status
	if upd.RedeemTxHash != nil {
		j.RedeemTxHash = *upd.RedeemTxHash
	}
	if upd.PayoutTxHash != nil {
		j.PayoutTxHash = *upd.PayoutTxHash
	}
	if upd.LastError != nil {
		j.LastError = *upd.LastError
	}
	if upd.NeedsRetry != nil {
		j.NeedsRetry = *upd.NeedsRetry
	}
	if upd.ResetRetryCount {
		j.RetryCount = 0
	}
	j.UpdatedAt = s.now().UTC()
	s.jobs[id] = j
	return j, nil
}

// IncrementRetry bumps the retry counter, records the transient error, and
// marks the job as needing retry.
func (s *MemoryStore) IncrementRetry(_ context.Context, id [32]byte, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.RetryCount++
	j.LastError = lastError
	j.NeedsRetry = true
	j.UpdatedAt = s.now().UTC()
	s.jobs[id] = j
	return nil
}

var _ Store = (*MemoryStore)(nil)
