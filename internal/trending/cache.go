package trending

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JasonPaff/head-shakers/backend/internal/cache"
	"github.com/JasonPaff/head-shakers/backend/internal/metrics"
	"github.com/JasonPaff/head-shakers/backend/internal/views"
	"go.uber.org/zap"
)

// CrossPlatformKey names the trending list that merges every target type.
const CrossPlatformKey = "all"

const engagementSuffix = "_engagement"

// ErrInvalidKey indicates a cache key that is neither a target type, "all", nor an engagement key.
var ErrInvalidKey = errors.New("trending: invalid cache key")

// EngagementKey returns the cache key of the engagement ranking for targetType.
func EngagementKey(targetType views.TargetType) string {
	return targetType.String() + engagementSuffix
}

// ValidateKey checks that key names a list the job produces.
func ValidateKey(key string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == CrossPlatformKey {
		return normalized, nil
	}
	if _, err := views.ParseTargetType(strings.TrimSuffix(normalized, engagementSuffix)); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return normalized, nil
}

func cacheKey(key string, timeframe Timeframe) string {
	return fmt.Sprintf("trending:%s:%s", key, timeframe)
}

// Target is one ranked entry of a trending list.
type Target struct {
	TargetID   string           `json:"targetId"`
	TargetType views.TargetType `json:"targetType"`
	Score      float64          `json:"score"`
	TotalViews int64            `json:"totalViews"`
}

// CacheEntry is the cached form of a trending list.
type CacheEntry struct {
	Key         string    `json:"key"`
	Timeframe   Timeframe `json:"timeframe"`
	LastUpdated int64     `json:"lastUpdated"`
	Targets     []Target  `json:"targets"`
}

// Cache stores trending lists with timeframe-dependent TTLs. Writes are last-write-wins.
type Cache struct {
	store   cache.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCache wraps a cache.Store.
func NewCache(store cache.Store, logger *zap.Logger, m *metrics.Metrics) (*Cache, error) {
	if store == nil {
		return nil, cache.ErrMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, logger: logger, metrics: m}, nil
}

// SetTrendingContent replaces the list stored under key and timeframe.
func (c *Cache) SetTrendingContent(ctx context.Context, key string, timeframe Timeframe, entry CacheEntry) error {
	ttl := timeframe.CacheTTL()
	if ttl == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTimeframe, timeframe)
	}
	entry.Key = key
	entry.Timeframe = timeframe
	if entry.Targets == nil {
		entry.Targets = []Target{}
	}
	if err := cache.SetJSON(ctx, c.store, cacheKey(key, timeframe), entry, ttl); err != nil {
		c.metrics.CacheFailed("trending_set")
		return err
	}
	return nil
}

// GetTrendingContent returns the list stored under key and timeframe, if any.
func (c *Cache) GetTrendingContent(ctx context.Context, key string, timeframe Timeframe) (CacheEntry, bool, error) {
	var entry CacheEntry
	hit, err := cache.GetJSON(ctx, c.store, cacheKey(key, timeframe), &entry)
	if err != nil {
		c.metrics.CacheFailed("trending_get")
		return CacheEntry{}, false, err
	}
	return entry, hit, nil
}

// Targets returns the cached list for presentation. Misses and read failures yield an empty list.
func (c *Cache) Targets(ctx context.Context, key string, timeframe Timeframe, limit int) []Target {
	entry, hit, err := c.GetTrendingContent(ctx, key, timeframe)
	if err != nil {
		c.logger.Warn("trending cache read failed",
			zap.String("key", key),
			zap.String("timeframe", timeframe.String()),
			zap.Error(err))
		return []Target{}
	}
	if !hit || entry.Targets == nil {
		return []Target{}
	}
	if limit > 0 && len(entry.Targets) > limit {
		return entry.Targets[:limit]
	}
	return entry.Targets
}
