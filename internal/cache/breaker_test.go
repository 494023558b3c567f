package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type flakyStore struct {
	*MemoryStore
	calls atomic.Int32
	err   atomic.Pointer[error]
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore(nil)}
}

func (s *flakyStore) fail(err error) {
	s.err.Store(&err)
}

func (s *flakyStore) heal() {
	s.err.Store(nil)
}

func (s *flakyStore) current() error {
	if err := s.err.Load(); err != nil {
		return *err
	}
	return nil
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.calls.Add(1)
	if err := s.current(); err != nil {
		return nil, false, err
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.calls.Add(1)
	if err := s.current(); err != nil {
		return false, err
	}
	return s.MemoryStore.SetNX(ctx, key, value, ttl)
}

func TestNewBreakerStoreRequiresStore(t *testing.T) {
	_, err := NewBreakerStore(nil, BreakerConfig{})
	assert.ErrorIs(t, err, ErrMissingStore)
}

func TestBreakerStorePassesThroughWhileClosed(t *testing.T) {
	store, err := NewBreakerStore(NewMemoryStore(nil), BreakerConfig{Name: "views"})
	require.NoError(t, err)
	ctx := context.Background()

	claimed, err := store.SetNX(ctx, "claim", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = store.SetNX(ctx, "claim", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	value, hit, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("v"), value)

	count, err := store.IncrBy(ctx, "n", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, store.Delete(ctx, "k"))
	_, hit, _ = store.Get(ctx, "k")
	assert.False(t, hit)
	assert.Equal(t, "closed", store.State())
}

func TestBreakerStoreOpensAndRecovers(t *testing.T) {
	backend := newFlakyStore()
	core, logs := observer.New(zap.WarnLevel)
	store, err := NewBreakerStore(backend, BreakerConfig{
		Name:        "views",
		Failures:    3,
		OpenTimeout: 50 * time.Millisecond,
		Logger:      zap.New(core),
	})
	require.NoError(t, err)
	ctx := context.Background()

	outage := errors.New("connection refused")
	backend.fail(outage)
	for i := 0; i < 3; i++ {
		_, _, err := store.Get(ctx, "k")
		require.ErrorIs(t, err, outage)
	}
	assert.Equal(t, "open", store.State())

	_, err = store.SetNX(ctx, "claim", []byte("1"), time.Minute)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), backend.calls.Load(), "open breaker must not reach the backend")
	assert.Equal(t, 1, logs.FilterMessage("cache circuit breaker state changed").Len())

	backend.heal()
	require.Eventually(t, func() bool {
		_, _, err := store.Get(ctx, "k")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	_, _, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "closed", store.State())
}

func TestBreakerStoreIgnoresCancelledCalls(t *testing.T) {
	backend := newFlakyStore()
	store, err := NewBreakerStore(backend, BreakerConfig{Failures: 1})
	require.NoError(t, err)

	backend.fail(context.Canceled)
	_, _, err = store.Get(context.Background(), "k")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", store.State())
}

func TestBreakerStoreOverRedisOutage(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	redisStore, err := NewRedisStore(context.Background(), "redis://"+server.Addr(), "hs:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisStore.Close() })

	store, err := NewBreakerStore(redisStore, BreakerConfig{Failures: 2, OpenTimeout: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	server.SetError("ERR simulated outage")
	for i := 0; i < 2; i++ {
		_, err := store.IncrBy(ctx, "n", 1, time.Minute)
		require.Error(t, err)
	}
	server.SetError("")

	_, err = store.IncrBy(ctx, "n", 1, time.Minute)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, server.Exists("hs:n"))
}
