package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps leases in process memory. It backs unit tests and
// single-replica deployments; multi-replica reconcilers use the postgres
// store. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		leases: make(map[string]Lease),
	}
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.leases[name]; ok && held.ExpiresAt.After(now) {
		return held, false, nil
	}
	return s.grant(name, owner, now.Add(ttl)), true, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.leases[name]
	if !ok {
		return Lease{}, false, ErrNotFound
	}
	if held.Owner != owner {
		return Lease{}, false, ErrNotOwner
	}

	// An expired lease can still be renewed until someone steals it.
	return s.grant(name, owner, s.now().Add(ttl)), true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.leases[name]
	if !ok {
		return nil
	}
	if held.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return held, nil
}

// grant assumes s.mu is held.
func (s *MemoryStore) grant(name, owner string, expiresAt time.Time) Lease {
	out := Lease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: expiresAt,
	}
	s.leases[name] = out
	return out
}
