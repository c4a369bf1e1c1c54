package service

import (
	"context"
	"sync"

	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
)

// MemoryStore is a process-local LatestStore.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string]map[user.Party]geo.Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[string]map[user.Party]geo.Sample)}
}

func (s *MemoryStore) Put(_ context.Context, bookingID string, party user.Party, sample geo.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples[bookingID] == nil {
		s.samples[bookingID] = make(map[user.Party]geo.Sample, 2)
	}
	s.samples[bookingID][party] = sample
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bookingID string, party user.Party) (geo.Sample, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[bookingID][party]
	return sample, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, bookingID string) error {
	s.mu.Lock()
	delete(s.samples, bookingID)
	s.mu.Unlock()
	return nil
}
