package infra

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modoboa-policyd/policy/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisCounterStore_DecrementIfPositive(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisCounterStore(rdb)
	ctx := context.Background()

	mr.HSet(DefaultCounterHash, "user@test.com", "2")

	c, err := s.DecrementIfPositive(ctx, "user@test.com")
	require.NoError(t, err)
	assert.Equal(t, domain.Consumption{Found: true, Accepted: true, Remaining: 1}, c)

	c, err = s.DecrementIfPositive(ctx, "user@test.com")
	require.NoError(t, err)
	assert.True(t, c.Exhausted())

	c, err = s.DecrementIfPositive(ctx, "user@test.com")
	require.NoError(t, err)
	assert.Equal(t, domain.Consumption{Found: true, Accepted: false, Remaining: 0}, c)
	assert.Equal(t, "0", mr.HGet(DefaultCounterHash, "user@test.com"))

	c, err = s.DecrementIfPositive(ctx, "nobody@test.com")
	require.NoError(t, err)
	assert.False(t, c.Found)
	assert.Equal(t, "", mr.HGet(DefaultCounterHash, "nobody@test.com"))
}

func TestRedisCounterStore_NeverGoesNegative(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisCounterStore(rdb)

	mr.HSet(DefaultCounterHash, "test.com", "-3")
	c, err := s.DecrementIfPositive(context.Background(), "test.com")
	require.NoError(t, err)
	assert.False(t, c.Accepted)
	assert.Equal(t, "-3", mr.HGet(DefaultCounterHash, "test.com"))
}

func TestRedisCounterStore_ConcurrentDecrements(t *testing.T) {
	const (
		limit   = 40
		workers = 16
		each    = 10
	)
	mr, rdb := newTestRedis(t)
	s := NewRedisCounterStore(rdb)
	mr.HSet(DefaultCounterHash, "test.com", "40")

	var accepted, exhausted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				c, err := s.DecrementIfPositive(context.Background(), "test.com")
				if err != nil {
					t.Error(err)
					return
				}
				if c.Accepted {
					accepted.Add(1)
				}
				if c.Exhausted() {
					exhausted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), accepted.Load())
	assert.Equal(t, int64(1), exhausted.Load())
	assert.Equal(t, "0", mr.HGet(DefaultCounterHash, "test.com"))
}

func TestRedisCounterStore_SetGetExistsDelete(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewRedisCounterStore(rdb, WithHash("custom:counters"))
	ctx := context.Background()
	assert.Equal(t, "custom:counters", s.Hash())

	ok, err := s.Exists(ctx, "test.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.Get(ctx, "test.com")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "test.com", 15))
	v, found, err := s.Get(ctx, "test.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(15), v)

	created, err := s.SetIfAbsent(ctx, "test.com", 99)
	require.NoError(t, err)
	assert.False(t, created)
	created, err = s.SetIfAbsent(ctx, "other.com", 3)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.Delete(ctx, "test.com"))
	ok, err = s.Exists(ctx, "test.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCounterStore_ResetAll(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisCounterStore(rdb)

	mr.HSet(DefaultCounterHash, "test.com", "10")
	mr.HSet(DefaultCounterHash, "user@test.com", "0")
	mr.HSet(DefaultCounterHash, "legacy.com", "1")

	err := s.ResetAll(context.Background(), []domain.Limit{
		{Identity: domain.Identity{Key: "test.com", Kind: domain.KindDomain}, Value: 20},
		{Identity: domain.Identity{Key: "user@test.com", Kind: domain.KindAccount}, Value: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, "20", mr.HGet(DefaultCounterHash, "test.com"))
	assert.Equal(t, "10", mr.HGet(DefaultCounterHash, "user@test.com"))
	assert.Equal(t, "1", mr.HGet(DefaultCounterHash, "legacy.com"))

	require.NoError(t, s.ResetAll(context.Background(), nil))
}

func TestRedisCounterStore_InvalidCounter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisCounterStore(rdb)
	mr.HSet(DefaultCounterHash, "test.com", "lots")

	_, err := s.DecrementIfPositive(context.Background(), "test.com")
	assert.ErrorIs(t, err, domain.ErrInvalidCounter)

	_, _, err = s.Get(context.Background(), "test.com")
	assert.ErrorIs(t, err, domain.ErrInvalidCounter)

	mr.HSet(DefaultCounterHash, "frac.com", "1.5")
	_, err = s.DecrementIfPositive(context.Background(), "frac.com")
	assert.ErrorIs(t, err, domain.ErrInvalidCounter)
	assert.Equal(t, "1.5", mr.HGet(DefaultCounterHash, "frac.com"))
}

func TestRedisCounterStore_ServerErrorsAreUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisCounterStore(rdb)
	require.NoError(t, mr.Set(DefaultCounterHash, "not a hash"))

	_, err := s.DecrementIfPositive(context.Background(), "test.com")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.False(t, errors.Is(err, domain.ErrInvalidCounter))

	err = s.Set(context.Background(), "test.com", 1)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = s.Exists(context.Background(), "test.com")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRedisCounterStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := NewRedisCounterStore(rdb)
	mr.Close()

	_, err = s.DecrementIfPositive(context.Background(), "test.com")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.False(t, errors.Is(err, domain.ErrInvalidCounter))
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	rdb, err := DialRedis(context.Background(), RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	_ = rdb.Close()

	_, err = DialRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
