package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/starrynight/internal/breaker"
	"arc-framework/starrynight/internal/config"
	"arc-framework/starrynight/internal/health"
	"arc-framework/starrynight/internal/orchestrator"
)

// mockRedis is an in-memory redisKV.
type mockRedis struct {
	mu      sync.Mutex
	pingVal string
	pingErr error
	setErr  error
	values  map[string][]byte
	ttls    map[string]time.Duration
}

func (m *mockRedis) PingResult(context.Context) (string, error) {
	return m.pingVal, m.pingErr
}

func (m *mockRedis) SetValue(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	if m.values == nil {
		m.values = make(map[string][]byte)
		m.ttls = make(map[string]time.Duration)
	}
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *mockRedis) GetValue(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}

func (m *mockRedis) Close() error { return nil }

func makeStore(name string, kv redisKV) *RedisStore {
	s := NewRedisStore(config.RedisConfig{Host: "localhost", Port: 6379, Key: "sn:health", TTL: time.Minute})
	s.cb = breaker.New(name)
	s.kv = kv
	return s
}

func TestRedisProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingVal    string
		pingErr    error
		wantOK     bool
		wantErrSub string
	}{
		{
			name:    "PING returns PONG",
			pingVal: "PONG",
			wantOK:  true,
		},
		{
			name:       "PING returns error",
			pingErr:    errors.New("connection refused"),
			wantErrSub: "connection refused",
		},
		{
			name:       "PING returns unexpected value",
			pingVal:    "WHOOPS",
			wantErrSub: "unexpected PING response",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := makeStore("redis-test-"+tc.name, &mockRedis{pingVal: tc.pingVal, pingErr: tc.pingErr})
			result := store.Probe(context.Background())

			assert.Equal(t, "redis", result.Name)
			assert.Equal(t, tc.wantOK, result.OK)
			if tc.wantErrSub != "" {
				assert.Contains(t, result.Error, tc.wantErrSub)
			}
			if tc.wantOK {
				assert.Empty(t, result.Error)
			}
		})
	}
}

func TestRedisProbeCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	t.Parallel()

	store := makeStore("redis-cb-open-test", &mockRedis{pingErr: errors.New("connection refused")})

	for i := range 3 {
		result := store.Probe(context.Background())
		assert.False(t, result.OK, "probe %d should fail", i+1)
		assert.NotEqual(t, "circuit open", result.Error,
			"probe %d should not be circuit-open yet", i+1)
	}

	result := store.Probe(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, "circuit open", result.Error)
}

func TestRedisStore_PublishAndLast(t *testing.T) {
	t.Parallel()

	kv := &mockRedis{}
	store := makeStore("redis-publish", kv)

	_, ok, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "nothing stored yet")

	agg := health.Aggregate{
		Ready:           true,
		Overall:         health.LevelDegraded,
		Healthy:         6,
		Total:           10,
		Recommendations: []string{"Consider reducing visual effect quality"},
	}
	require.NoError(t, store.Publish(context.Background(), agg))
	require.NoError(t, store.PublishBootstrap(context.Background(),
		orchestrator.BootstrapResult{RunID: "r1", Status: orchestrator.StatusError}))

	got, ok, err := store.Last(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, health.LevelDegraded, got.Overall)
	assert.Equal(t, agg.Recommendations, got.Recommendations)

	assert.Equal(t, time.Minute, kv.ttls["sn:health"])
	assert.Contains(t, string(kv.values["sn:health:bootstrap"]), `"status":"error"`)
}

func TestRedisStore_PublishError(t *testing.T) {
	t.Parallel()

	store := makeStore("redis-set-err", &mockRedis{setErr: errors.New("READONLY")})

	for range 3 {
		err := store.Publish(context.Background(), health.Aggregate{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "READONLY")
	}
	err := store.Publish(context.Background(), health.Aggregate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestRedisStore_LastCorrupt(t *testing.T) {
	t.Parallel()

	kv := &mockRedis{values: map[string][]byte{"sn:health": []byte("{")}}
	_, ok, err := makeStore("redis-corrupt", kv).Last(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "decoding sn:health")
}
