package bridgejob

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	jobs      map[[32]byte]Job
	byRequest map[string][32]byte
	claimedTx map[string][32]byte
	order     [][32]byte
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		jobs:      make(map[[32]byte]Job),
		byRequest: make(map[string][32]byte),
		claimedTx: make(map[string][32]byte),
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
		return Job{}, ErrDuplicateRequestID
	}
	if _, ok := s.byRequest[j.RequestID]; ok {
		return Job{}, ErrDuplicateRequestID
	}

	now := s.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	s.jobs[j.ID] = j
	s.byRequest[j.RequestID] = j.ID
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

func (s *MemoryStore) GetByRequestID(_ context.Context, requestID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRequest[requestID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return s.jobs[id], nil
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

func (s *MemoryStore) ListStale(_ context.Context, status Status, updatedBefore time.Time, limit int) ([]Job, error) {
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

	applyUpdate(&j, upd)
	j.UpdatedAt = s.now().UTC()
	s.jobs[id] = j
	return j, nil
}

func (s *MemoryStore) ClaimPayment(_ context.Context, requestID string, sourceTxHash string, amount uint64) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRequest[requestID]
	if !ok {
		return Job{}, false, ErrNotFound
	}
	j := s.jobs[id]

	if owner, claimed := s.claimedTx[sourceTxHash]; claimed {
		if owner == id {
			// Duplicate report for the same job: idempotent no-op.
			return j, false, nil
		}
		return Job{}, false, ErrPaymentClaimed
	}
	if j.Status != StatusAwaitingPayment && j.Status != StatusBridging {
		return j, false, nil
	}
	if amount < j.SourceAmount {
		return j, false, nil
	}

	j.Status = StatusXRPLConfirmed
	j.SourceTxHash = sourceTxHash
	j.UpdatedAt = s.now().UTC()
	s.jobs[id] = j
	s.claimedTx[sourceTxHash] = id
	return j, true, nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, id [32]byte, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.RetryCount++
	j.LastError = lastError
	j.UpdatedAt = s.now().UTC()
	s.jobs[id] = j
	return nil
}

func applyUpdate(j *Job, upd Update) {
	j.Status = upd.Status
	if upd.AgentUnderlyingAddress != nil {
		j.AgentUnderlyingAddress = *upd.AgentUnderlyingAddress
	}
	if upd.SourceTxHash != nil {
		j.SourceTxHash = *upd.SourceTxHash
	}
	if upd.MintTxHash != nil {
		j.MintTxHash = *upd.MintTxHash
	}
	if upd.VaultMintTxHash != nil {
		j.VaultMintTxHash = *upd.VaultMintTxHash
	}
	if upd.LastError != nil {
		j.LastError = *upd.LastError
	}
	if upd.ResetRetryCount {
		j.RetryCount = 0
	}
}

var _ Store = (*MemoryStore)(nil)
