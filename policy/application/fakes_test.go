package application

import (
	"context"
	"errors"
	"sync"

	"modoboa-policyd/policy/domain"
)

// mapStore é um CounterStore em memória para os testes.
type mapStore struct {
	mu     sync.Mutex
	values map[domain.Key]int64
	err    error
	keyErr map[domain.Key]error // falha só nessas chaves
	calls  int
}

func newMapStore(values map[domain.Key]int64) *mapStore {
	if values == nil {
		values = map[domain.Key]int64{}
	}
	return &mapStore{values: values}
}

func (s *mapStore) DecrementIfPositive(_ context.Context, key domain.Key) (domain.Consumption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.Consumption{}, s.err
	}
	if err := s.keyErr[key]; err != nil {
		return domain.Consumption{}, err
	}
	v, ok := s.values[key]
	if !ok {
		return domain.Consumption{}, nil
	}
	if v <= 0 {
		return domain.Consumption{Found: true, Remaining: v}, nil
	}
	s.values[key] = v - 1
	return domain.Consumption{Found: true, Accepted: true, Remaining: v - 1}, nil
}

func (s *mapStore) Set(_ context.Context, key domain.Key, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	return nil
}

func (s *mapStore) SetIfAbsent(_ context.Context, key domain.Key, value int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = value
	return true, nil
}

func (s *mapStore) Exists(_ context.Context, key domain.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok, s.err
}

func (s *mapStore) Get(_ context.Context, key domain.Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, s.err
}

func (s *mapStore) Delete(_ context.Context, key domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.values, key)
	return nil
}

func (s *mapStore) ResetAll(_ context.Context, limits []domain.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, l := range limits {
		s.values[l.Identity.Key] = l.Value
	}
	return nil
}

func (s *mapStore) value(key domain.Key) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Exhaustion
}

func (n *recordingNotifier) Notify(_ context.Context, ev domain.Exhaustion) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type recordingStats struct {
	mu     sync.Mutex
	events []domain.StatsEvent
	err    error
}

func (s *recordingStats) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

type staticSource struct {
	limits []domain.Limit
	err    error
}

func (s staticSource) Limits(context.Context) ([]domain.Limit, error) {
	return s.limits, s.err
}

var errStoreDown = errors.New("connection refused")

func rcpt(user string) domain.Request {
	return domain.NewRequest([]domain.Attribute{
		{Name: "request", Value: "smtpd_access_policy"},
		{Name: domain.AttrProtocolState, Value: domain.StateRCPT},
		{Name: domain.AttrSASLUsername, Value: user},
	})
}

func limit(key domain.Key, v int64) domain.Limit {
	return domain.Limit{Identity: domain.Identity{Key: key, Kind: domain.KindOf(key)}, Value: v}
}
