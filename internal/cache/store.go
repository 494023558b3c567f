// Package cache provides the namespaced key-value store used for derived view data.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrMissingStore indicates that a nil Store was supplied.
var ErrMissingStore = errors.New("cache: store is required")

// Store is a TTL key-value store. Writes are last-write-wins.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// IncrBy adds delta to the integer stored under key, creating it at zero, and refreshes its
	// ttl. It returns the new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// GetJSON decodes the value stored under key into dest.
func GetJSON(ctx context.Context, store Store, key string, dest any) (bool, error) {
	if store == nil {
		return false, ErrMissingStore
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, store Store, key string, value any, ttl time.Duration) error {
	if store == nil {
		return ErrMissingStore
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, encoded, ttl)
}

// GetOrSet returns the cached value for key, or loads, stores and returns it on a miss.
// Cache read and write failures fall through to the loader; only loader errors are returned.
func GetOrSet[T any](ctx context.Context, store Store, key string, ttl time.Duration, load func(context.Context) (T, error), onCacheError func(error)) (T, error) {
	if store != nil {
		var cached T
		hit, err := GetJSON(ctx, store, key, &cached)
		if err != nil && onCacheError != nil {
			onCacheError(err)
		}
		if hit {
			return cached, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if store != nil {
		if err := SetJSON(ctx, store, key, value, ttl); err != nil && onCacheError != nil {
			onCacheError(err)
		}
	}
	return value, nil
}
