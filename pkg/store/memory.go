package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps compiled policies in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*CompiledPolicy
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*CompiledPolicy), now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, irBytes []byte, policyHash string) (string, bool, error) {
	rec, err := prepare(irBytes, policyHash, s.now())
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[rec.ID]; ok {
		return rec.ID, true, nil
	}
	s.policies[rec.ID] = rec
	return rec.ID, false, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*CompiledPolicy, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.clone(), nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkTransition(id, rec.Status, status); err != nil {
		return err
	}
	rec.Status = status
	return nil
}

func (s *MemoryStore) Close() error { return nil }
