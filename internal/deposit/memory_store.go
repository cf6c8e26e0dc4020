package deposit

import (
	"context"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	owners map[string][]Deposit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners: make(map[string][]Deposit),
	}
}

func (s *MemoryStore) Load(_ context.Context, owner string) ([]Deposit, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, ErrInvalidOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.owners[owner]
	if !ok {
		return nil, ErrNotFound
	}
	out := Clone(ds)
	if out == nil {
		out = []Deposit{}
	}
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, owner string, deposits []Deposit) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return ErrInvalidOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ds := Clone(deposits)
	if ds == nil {
		ds = []Deposit{}
	}
	s.owners[owner] = ds
	return nil
}
