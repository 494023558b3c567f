package cache

import (
	"context"
	"errors"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/metrics"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	// DefaultBreakerFailures trips the breaker after this many consecutive failures.
	DefaultBreakerFailures = 10
	// DefaultBreakerOpenTimeout is how long an open breaker rejects calls before probing again.
	DefaultBreakerOpenTimeout = 15 * time.Second
	defaultBreakerHalfOpen    = 2
)

// ErrCircuitOpen is returned while the breaker rejects calls without touching the backend.
var ErrCircuitOpen = errors.New("cache: circuit open")

// BreakerConfig describes the circuit breaker placed in front of a Store.
type BreakerConfig struct {
	Name string
	// Failures is the consecutive failure count that opens the breaker.
	Failures    uint32
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial calls allowed while half-open.
	HalfOpenRequests uint32
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// BreakerStore fails fast once the wrapped Store keeps failing, so callers fall back to the
// database without waiting on a dead cache.
type BreakerStore struct {
	next    Store
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerStore wraps next with a circuit breaker.
func NewBreakerStore(next Store, cfg BreakerConfig) (*BreakerStore, error) {
	if next == nil {
		return nil, ErrMissingStore
	}
	failures := cfg.Failures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = DefaultBreakerOpenTimeout
	}
	halfOpen := cfg.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = defaultBreakerHalfOpen
	}
	name := cfg.Name
	if name == "" {
		name = "cache"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := cfg.Metrics

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			recorder.CacheBreakerState(name, to.String())
		},
	})
	return &BreakerStore{next: next, breaker: breaker}, nil
}

// State reports the breaker state as closed, half-open or open.
func (s *BreakerStore) State() string {
	return s.breaker.State().String()
}

func (s *BreakerStore) call(fn func() error) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrCircuitOpen, err)
	}
	return err
}

func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.call(func() error {
		var err error
		value, found, err = s.next.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.call(func() error {
		return s.next.Set(ctx, key, value, ttl)
	})
}

func (s *BreakerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.call(func() error {
		var err error
		claimed, err = s.next.SetNX(ctx, key, value, ttl)
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *BreakerStore) Delete(ctx context.Context, keys ...string) error {
	return s.call(func() error {
		return s.next.Delete(ctx, keys...)
	})
}

func (s *BreakerStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	err := s.call(func() error {
		var err error
		value, err = s.next.IncrBy(ctx, key, delta, ttl)
		return err
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}
