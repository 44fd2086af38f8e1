package infra

import (
	"context"
	"sync"

	"modoboa-policyd/policy/domain"
)

// MemoryCounterStore é uma implementação em memória do CounterStore.
//
// O estado é local ao processo: serve para uma instância única e para
// testes. Com mais de uma instância use RedisCounterStore.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[domain.Key]int64
}

var _ domain.CounterStore = (*MemoryCounterStore)(nil)

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{entries: make(map[domain.Key]int64)}
}

func (s *MemoryCounterStore) DecrementIfPositive(_ context.Context, key domain.Key) (domain.Consumption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[key]
	if !ok {
		return domain.Consumption{}, nil
	}
	if v <= 0 {
		return domain.Consumption{Found: true, Remaining: v}, nil
	}
	v--
	s.entries[key] = v
	return domain.Consumption{Found: true, Accepted: true, Remaining: v}, nil
}

func (s *MemoryCounterStore) Set(_ context.Context, key domain.Key, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

func (s *MemoryCounterStore) SetIfAbsent(_ context.Context, key domain.Key, value int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = value
	return true, nil
}

func (s *MemoryCounterStore) Exists(_ context.Context, key domain.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key domain.Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

func (s *MemoryCounterStore) Delete(_ context.Context, key domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryCounterStore) ResetAll(_ context.Context, limits []domain.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range limits {
		s.entries[l.Identity.Key] = l.Value
	}
	return nil
}

// Snapshot copia o estado atual; útil em testes e no comando de inspeção.
func (s *MemoryCounterStore) Snapshot() map[domain.Key]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Key]int64, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
