package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"modoboa-policyd/policy/domain"
)

const DefaultCounterHash = "policyd:counters"

// Código do erro devolvido pelo script quando o campo não é um inteiro.
const invalidCounterCode = "POLICYD_BADCOUNTER"

// Lê, testa e decrementa no servidor, numa única operação.
// Resposta: {found, accepted, valor}.
const decrementIfPositiveLua = `
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
	return {0, 0, 0}
end
local n = tonumber(v)
if n == nil or n ~= math.floor(n) then
	return redis.error_reply('` + invalidCounterCode + ` counter is not an integer')
end
if n <= 0 then
	return {1, 0, n}
end
n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
return {1, 1, n}
`

var decrementIfPositive = redis.NewScript(decrementIfPositiveLua)

// RedisCounterStore guarda os contadores como campos de um único hash, de
// forma que várias instâncias do daemon compartilhem o mesmo estado.
type RedisCounterStore struct {
	rdb  redis.UniversalClient
	hash string
}

var _ domain.CounterStore = (*RedisCounterStore)(nil)

type RedisStoreOption func(*RedisCounterStore)

func WithHash(name string) RedisStoreOption {
	return func(s *RedisCounterStore) {
		if name = strings.TrimSpace(name); name != "" {
			s.hash = name
		}
	}
}

func NewRedisCounterStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisCounterStore {
	s := &RedisCounterStore{rdb: rdb, hash: DefaultCounterHash}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisCounterStore) Hash() string { return s.hash }

func (s *RedisCounterStore) DecrementIfPositive(ctx context.Context, key domain.Key) (domain.Consumption, error) {
	vals, err := decrementIfPositive.Run(ctx, s.rdb, []string{s.hash}, string(key)).Int64Slice()
	if err != nil {
		return domain.Consumption{}, wrapRedisErr(err)
	}
	if len(vals) != 3 {
		return domain.Consumption{}, fmt.Errorf("unexpected script reply %v", vals)
	}
	return domain.Consumption{
		Found:     vals[0] == 1,
		Accepted:  vals[1] == 1,
		Remaining: vals[2],
	}, nil
}

func (s *RedisCounterStore) Set(ctx context.Context, key domain.Key, value int64) error {
	return wrapRedisErr(s.rdb.HSet(ctx, s.hash, string(key), value).Err())
}

func (s *RedisCounterStore) SetIfAbsent(ctx context.Context, key domain.Key, value int64) (bool, error) {
	ok, err := s.rdb.HSetNX(ctx, s.hash, string(key), value).Result()
	return ok, wrapRedisErr(err)
}

func (s *RedisCounterStore) Exists(ctx context.Context, key domain.Key) (bool, error) {
	ok, err := s.rdb.HExists(ctx, s.hash, string(key)).Result()
	return ok, wrapRedisErr(err)
}

func (s *RedisCounterStore) Get(ctx context.Context, key domain.Key) (int64, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.hash, string(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapRedisErr(err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q", domain.ErrInvalidCounter, key, raw)
	}
	return v, true, nil
}

func (s *RedisCounterStore) Delete(ctx context.Context, key domain.Key) error {
	return wrapRedisErr(s.rdb.HDel(ctx, s.hash, string(key)).Err())
}

// ResetAll grava todos os limites numa transação MULTI/EXEC.
func (s *RedisCounterStore) ResetAll(ctx context.Context, limits []domain.Limit) error {
	if len(limits) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, l := range limits {
			pipe.HSet(ctx, s.hash, string(l.Identity.Key), l.Value)
		}
		return nil
	})
	return wrapRedisErr(err)
}

// wrapRedisErr separa contador inválido (erro do script) de todo o resto,
// que conta como store indisponível.
func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.Contains(rerr.Error(), invalidCounterCode) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCounter, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Timeout  time.Duration
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DialRedis cria o cliente e confirma a conexão com um PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
