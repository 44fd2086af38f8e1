package infra

import (
	"context"
	"sync"

	"modoboa-policyd/policy/domain"
)

type Counters struct {
	Allowed int64
	Denied  int64
}

func (c *Counters) set(outcome string, n int64) {
	switch outcome {
	case "allowed":
		c.Allowed = n
	case "denied":
		c.Denied = n
	}
}

func outcomeField(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// StatsSummary é o retrato das decisões, total e por tipo de identidade.
type StatsSummary struct {
	Total  Counters
	ByKind map[domain.Kind]Counters
}

func newStatsSummary() StatsSummary {
	return StatsSummary{ByKind: make(map[domain.Kind]Counters)}
}

// MemoryStatsStore guarda as mesmas agregações do RedisStatsStore no
// processo. Sem expiração: serve ao store em memória e aos testes.
type MemoryStatsStore struct {
	mu      sync.Mutex
	summary StatsSummary
	byKey   map[domain.Key]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		summary: newStatsSummary(),
		byKey:   make(map[domain.Key]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	inc := func(c Counters) Counters {
		if ev.Allowed {
			c.Allowed++
		} else {
			c.Denied++
		}
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.summary.Total = inc(s.summary.Total)
	if ev.Identity.Kind != "" {
		s.summary.ByKind[ev.Identity.Kind] = inc(s.summary.ByKind[ev.Identity.Kind])
	}
	if s.trackKeys && ev.Identity.Key != "" {
		s.byKey[ev.Identity.Key] = inc(s.byKey[ev.Identity.Key])
	}
	return nil
}

func (s *MemoryStatsStore) Summary(context.Context) (StatsSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := newStatsSummary()
	out.Total = s.summary.Total
	for k, v := range s.summary.ByKind {
		out.ByKind[k] = v
	}
	return out, nil
}

// Identity devolve os contadores de uma identidade (zero sem trackKeys).
func (s *MemoryStatsStore) Identity(key domain.Key) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}
