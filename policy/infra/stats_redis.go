package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"modoboa-policyd/policy/domain"
)

// Formatos de bucket aceitos por WithStatsBucket.
var statsBuckets = map[string]string{
	"day":    "20060102",
	"hour":   "2006010215",
	"minute": "200601021504",
}

// RedisStatsStore agrega as decisões em hashes do Redis:
//
//	<prefix>:total               allowed, denied, domain:allowed, account:denied, ...
//	<prefix>:day:20240115        mesmos campos, expira após ttl
//	<prefix>:identity:<chave>    allowed, denied (apenas com trackKeys)
type RedisStatsStore struct {
	rdb       redis.UniversalClient
	prefix    string
	ttl       time.Duration
	layout    string // "" desliga a série temporal
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithStatsTTL vale para os buckets e as chaves por identidade; o total não
// expira.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsBucket escolhe a série temporal: day, hour, minute ou none.
func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.layout = statsBuckets[strings.ToLower(strings.TrimSpace(bucket))]
	}
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "policyd:stats",
		ttl:    8 * 24 * time.Hour,
		layout: statsBuckets["day"],
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	outcome := outcomeField(ev.Allowed)
	fields := []string{outcome}
	if ev.Identity.Kind != "" {
		fields = append(fields, string(ev.Identity.Kind)+":"+outcome)
	}

	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr := func(key string, fields []string, ttl time.Duration) {
			for _, f := range fields {
				pipe.HIncrBy(ctx, key, f, 1)
			}
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}

		incr(s.prefix+":total", fields, 0)
		if s.layout != "" {
			at := ev.At
			if at.IsZero() {
				at = time.Now()
			}
			incr(s.bucketKey(at), fields, s.ttl)
		}
		if s.trackKeys && ev.Identity.Key != "" {
			incr(s.prefix+":identity:"+string(ev.Identity.Key), []string{outcome}, s.ttl)
		}
		return nil
	})
	return err
}

// Summary lê o acumulado desde o início.
func (s *RedisStatsStore) Summary(ctx context.Context) (StatsSummary, error) {
	return s.readSummary(ctx, s.prefix+":total")
}

// SummaryAt lê o bucket que contém t (zero se a série estiver desligada ou
// já expirou).
func (s *RedisStatsStore) SummaryAt(ctx context.Context, t time.Time) (StatsSummary, error) {
	if s.layout == "" {
		return newStatsSummary(), nil
	}
	return s.readSummary(ctx, s.bucketKey(t))
}

func (s *RedisStatsStore) bucketKey(t time.Time) string {
	return s.prefix + ":" + bucketName(s.layout) + ":" + t.UTC().Format(s.layout)
}

func (s *RedisStatsStore) readSummary(ctx context.Context, key string) (StatsSummary, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return StatsSummary{}, fmt.Errorf("read stats %s: %w", key, err)
	}

	sum := newStatsSummary()
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return StatsSummary{}, fmt.Errorf("stats field %s=%q: %w", field, v, err)
		}
		kind, outcome, scoped := strings.Cut(field, ":")
		if !scoped {
			sum.Total.set(field, n)
			continue
		}
		c := sum.ByKind[domain.Kind(kind)]
		c.set(outcome, n)
		sum.ByKind[domain.Kind(kind)] = c
	}
	return sum, nil
}

func bucketName(layout string) string {
	for name, l := range statsBuckets {
		if l == layout {
			return name
		}
	}
	return "bucket"
}
