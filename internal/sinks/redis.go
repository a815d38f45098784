package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"arc-framework/starrynight/internal/breaker"
	"arc-framework/starrynight/internal/config"
	"arc-framework/starrynight/internal/health"
	"arc-framework/starrynight/internal/orchestrator"
)

const redisSinkName = "redis"

// redisKV is the subset of Redis commands the store uses. It is implemented
// by the real go-redis client and by test doubles.
type redisKV interface {
	PingResult(ctx context.Context) (string, error)
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetValue(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// realRedis adapts a *redis.Client to redisKV so tests can inject a fake
// without constructing go-redis command results.
type realRedis struct {
	client *redis.Client
}

func (r *realRedis) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realRedis) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *realRedis) GetValue(ctx context.Context, key string) ([]byte, error) {
	return r.client.Get(ctx, key).Bytes()
}

func (r *realRedis) Close() error {
	return r.client.Close()
}

// RedisStore keeps the last known health aggregate, and the last bootstrap
// result, as JSON under fixed keys.
type RedisStore struct {
	key string
	ttl time.Duration
	cb  *gobreaker.CircuitBreaker
	kv  redisKV
}

// NewRedisStore creates a RedisStore. go-redis connects lazily, so no network
// call is made here.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return &RedisStore{
		key: cfg.Key,
		ttl: cfg.TTL,
		cb:  breaker.New("sink.redis"),
		kv: &realRedis{client: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		})},
	}
}

// Name identifies the sink in deep health results.
func (s *RedisStore) Name() string { return redisSinkName }

// Publish stores agg as the last known health.
func (s *RedisStore) Publish(ctx context.Context, agg health.Aggregate) error {
	return s.put(ctx, s.key, agg)
}

// PublishBootstrap stores r under <key>:bootstrap.
func (s *RedisStore) PublishBootstrap(ctx context.Context, r orchestrator.BootstrapResult) error {
	return s.put(ctx, s.key+":bootstrap", r)
}

func (s *RedisStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	_, err = s.cb.Execute(func() (any, error) {
		if err := s.kv.SetValue(ctx, key, data, s.ttl); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
		return nil, nil
	})
	if breaker.IsOpen(err) {
		return fmt.Errorf("circuit open: %w", err)
	}
	return err
}

// Last returns the stored aggregate. It reports false when nothing has been
// stored or the entry expired.
func (s *RedisStore) Last(ctx context.Context) (health.Aggregate, bool, error) {
	var agg health.Aggregate
	data, err := s.kv.GetValue(ctx, s.key)
	if errors.Is(err, redis.Nil) {
		return agg, false, nil
	}
	if err != nil {
		return agg, false, fmt.Errorf("get %s: %w", s.key, err)
	}
	if err := json.Unmarshal(data, &agg); err != nil {
		return agg, false, fmt.Errorf("decoding %s: %w", s.key, err)
	}
	return agg, true, nil
}

// Probe sends a PING command and validates the PONG response. After 3
// consecutive failures the breaker opens and calls return "circuit open".
func (s *RedisStore) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := s.cb.Execute(func() (any, error) {
		val, err := s.kv.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
		}
		return nil, nil
	})

	return probeResult(redisSinkName, start, err)
}

// Close releases the client's connection pool.
func (s *RedisStore) Close() error {
	return s.kv.Close()
}
