package infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modoboa-policyd/policy/domain"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Exhaustion
	err    error
	block  chan struct{}
}

func (s *captureSink) Send(ctx context.Context, ev domain.Exhaustion) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func exhaustion(key domain.Key) domain.Exhaustion {
	return domain.Exhaustion{Identity: domain.Identity{Key: key, Kind: domain.KindOf(key)}, At: time.Now()}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{err: errors.New("smtp down")}

	var mu sync.Mutex
	var results []error
	d := NewDispatcher([]domain.NotificationSink{a, b},
		WithRate(0, 0),
		WithResultHook(func(_ domain.Exhaustion, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}),
	)
	d.Start(context.Background())

	d.Notify(context.Background(), exhaustion("test.com"))
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.ErrorContains(t, results[0], "smtp down")
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}

	var dropped int
	var mu sync.Mutex
	d := NewDispatcher([]domain.NotificationSink{sink},
		WithQueueSize(1),
		WithRate(0, 0),
		WithResultHook(func(_ domain.Exhaustion, err error) {
			if errors.Is(err, domain.ErrQueueFull) {
				mu.Lock()
				dropped++
				mu.Unlock()
			}
		}),
	)
	d.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(context.Background(), exhaustion("test.com"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked with a stuck sink")
	}

	mu.Lock()
	assert.GreaterOrEqual(t, dropped, 8)
	mu.Unlock()

	close(sink.block)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher([]domain.NotificationSink{sink}, WithQueueSize(10), WithRate(0.001, 1))

	for _, k := range []domain.Key{"a.com", "b.com", "c.com"} {
		d.Notify(context.Background(), exhaustion(k))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, 3, sink.count())
}

func TestDispatcher_RateLimitsDelivery(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher([]domain.NotificationSink{sink}, WithRate(1, 1))
	d.Start(context.Background())
	defer func() { _ = d.Close(context.Background()) }()

	d.Notify(context.Background(), exhaustion("a.com"))
	d.Notify(context.Background(), exhaustion("b.com"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}
