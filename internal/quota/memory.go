package quota

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It is the default backend for a single
// gateway instance and the test double for everything else.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Seed overwrites a record. Used to set up period rollover scenarios.
func (s *MemoryStore) Seed(key string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
}

func (s *MemoryStore) Reserve(_ context.Context, key string, period Period, limit int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if rec.ResetPeriod != period {
		rec = Record{CallCount: 1, ResetPeriod: period}
		s.records[key] = rec
		return rec, nil
	}
	if rec.CallCount >= limit {
		return rec, ErrLimitReached
	}
	rec.CallCount++
	s.records[key] = rec
	return rec, nil
}

func (s *MemoryStore) Release(_ context.Context, key string, period Period) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.ResetPeriod != period || rec.CallCount == 0 {
		return rec, nil
	}
	rec.CallCount--
	s.records[key] = rec
	return rec, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
