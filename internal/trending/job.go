package trending

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/cache"
	"github.com/JasonPaff/head-shakers/backend/internal/metrics"
	"github.com/JasonPaff/head-shakers/backend/internal/retry"
	"github.com/JasonPaff/head-shakers/backend/internal/views"
	"go.uber.org/zap"
)

const (
	// MaxTrendingItems caps every cached trending list.
	MaxTrendingItems = 100
	// CrossPlatformPerTypeLimit is how many items each target type contributes to the merged list.
	CrossPlatformPerTypeLimit = 50

	kindType          = "type"
	kindCrossPlatform = "all"
	kindEngagement    = "engagement"
)

var (
	errMissingSource = errors.New("trending source is required")
	errMissingCache  = errors.New("trending cache is required")
	// ErrInvalidMinViews indicates a negative minimum view threshold.
	ErrInvalidMinViews = errors.New("trending: min views must not be negative")
	// ErrEngagementTimeframe indicates an engagement request for the hour timeframe.
	ErrEngagementTimeframe = errors.New("trending: engagement is computed for day, week and month only")
)

// Source is the read side of the view store consumed by the job.
type Source interface {
	TopTrending(ctx context.Context, query views.TrendingQuery) ([]views.TrendingRecord, error)
	TopEngagement(ctx context.Context, query views.EngagementQuery) ([]views.EngagementRecord, error)
	CountViews(ctx context.Context, target views.Target, includeAnonymous bool) (int64, error)
}

// UpdateNotifier is told about every trending list the job rewrites.
type UpdateNotifier interface {
	TrendingUpdated(ctx context.Context, key string, timeframe Timeframe, itemCount int)
}

// JobConfig describes the dependencies of the aggregation job.
type JobConfig struct {
	Source        Source
	Cache         *Cache
	ViewCounts    cache.Store
	Notifier      UpdateNotifier
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	RetryAttempts int
}

// Job computes trending rankings and writes them to the trending cache.
type Job struct {
	source        Source
	cache         *Cache
	viewCounts    cache.Store
	notifier      UpdateNotifier
	clock         func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
	retryAttempts int
}

// NewJob validates the configuration and constructs a Job.
func NewJob(cfg JobConfig) (*Job, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = retry.DefaultAttempts
	}
	return &Job{
		source:        cfg.Source,
		cache:         cfg.Cache,
		viewCounts:    cfg.ViewCounts,
		notifier:      cfg.Notifier,
		clock:         clock,
		logger:        logger,
		metrics:       cfg.Metrics,
		retryAttempts: attempts,
	}, nil
}

// CalculationResult reports the outcome of one cached list.
type CalculationResult struct {
	IsSuccessful bool   `json:"isSuccessful"`
	ItemCount    int    `json:"itemCount"`
	Error        string `json:"error,omitempty"`
}

func failed(err error) CalculationResult {
	return CalculationResult{Error: err.Error()}
}

// CalculateTrendingForType caches the top trending targets of one type.
func (j *Job) CalculateTrendingForType(ctx context.Context, targetType views.TargetType, timeframe Timeframe, minViews int) CalculationResult {
	records, err := j.topTrending(ctx, targetType, timeframe, minViews, MaxTrendingItems)
	if err != nil {
		j.metrics.TrendingCalculated(kindType, false)
		j.logger.Warn("trending calculation failed",
			zap.String("target_type", targetType.String()),
			zap.String("timeframe", timeframe.String()),
			zap.Error(err))
		return failed(err)
	}
	return j.publish(ctx, kindType, targetType.String(), timeframe, trendingTargets(records))
}

// CalculateCrossPlatformTrending merges the leaders of every target type into the "all" list.
func (j *Job) CalculateCrossPlatformTrending(ctx context.Context, timeframe Timeframe) CalculationResult {
	merged := make([]Target, 0, CrossPlatformPerTypeLimit*len(views.AllTargetTypes()))
	for _, targetType := range views.AllTargetTypes() {
		records, err := j.topTrending(ctx, targetType, timeframe, 1, CrossPlatformPerTypeLimit)
		if err != nil {
			j.metrics.TrendingCalculated(kindCrossPlatform, false)
			j.logger.Warn("cross-platform trending calculation failed",
				zap.String("target_type", targetType.String()),
				zap.String("timeframe", timeframe.String()),
				zap.Error(err))
			return failed(err)
		}
		merged = append(merged, trendingTargets(records)...)
	}
	return j.publish(ctx, kindCrossPlatform, CrossPlatformKey, timeframe, merged)
}

// CalculateEngagementTrending caches the engagement ranking of one type. Engagement is not
// computed for the hour timeframe.
func (j *Job) CalculateEngagementTrending(ctx context.Context, targetType views.TargetType, timeframe Timeframe, minViews int) CalculationResult {
	if timeframe == TimeframeHour {
		return failed(ErrEngagementTimeframe)
	}
	since := j.clock().Add(-timeframe.Window())
	operation := fmt.Sprintf("get-engagement-%s-%s", targetType, timeframe)
	result, err := retry.Do(ctx, j.retryPolicy(operation), func(ctx context.Context) ([]views.EngagementRecord, error) {
		return j.source.TopEngagement(ctx, views.EngagementQuery{
			TargetType: targetType,
			Since:      since,
			MinViews:   minViews,
			Limit:      views.DefaultEngagementLimit,
		})
	})
	if err != nil {
		j.metrics.TrendingCalculated(kindEngagement, false)
		j.logger.Warn("engagement calculation failed",
			zap.String("target_type", targetType.String()),
			zap.String("timeframe", timeframe.String()),
			zap.Error(err))
		return failed(err)
	}

	targets := make([]Target, 0, len(result.Value))
	for _, record := range result.Value {
		targets = append(targets, Target{
			TargetID:   record.TargetID,
			TargetType: record.TargetType,
			Score:      record.EngagementScore,
			TotalViews: record.ViewCount,
		})
	}
	return j.publish(ctx, kindEngagement, EngagementKey(targetType), timeframe, targets)
}

func (j *Job) topTrending(ctx context.Context, targetType views.TargetType, timeframe Timeframe, minViews, limit int) ([]views.TrendingRecord, error) {
	if timeframe.Window() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeframe, timeframe)
	}
	now := j.clock()
	operation := fmt.Sprintf("get-trending-%s-%s", targetType, timeframe)
	result, err := retry.Do(ctx, j.retryPolicy(operation), func(ctx context.Context) ([]views.TrendingRecord, error) {
		return j.source.TopTrending(ctx, views.TrendingQuery{
			TargetType:  targetType,
			Since:       now.Add(-timeframe.Window()),
			RecentSince: now.Add(-time.Hour),
			MinViews:    minViews,
			Limit:       limit,
		})
	})
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

func (j *Job) retryPolicy(operation string) retry.Policy {
	return retry.Policy{MaxAttempts: j.retryAttempts, OperationName: operation, Logger: j.logger}
}

// publish sorts, truncates and caches targets, then notifies listeners.
func (j *Job) publish(ctx context.Context, kind, key string, timeframe Timeframe, targets []Target) CalculationResult {
	ranked := rank(targets)
	entry := CacheEntry{LastUpdated: j.clock().UnixMilli(), Targets: ranked}
	if err := j.cache.SetTrendingContent(ctx, key, timeframe, entry); err != nil {
		j.metrics.TrendingCalculated(kind, false)
		j.logger.Warn("trending cache write failed",
			zap.String("key", key),
			zap.String("timeframe", timeframe.String()),
			zap.Error(err))
		return failed(err)
	}
	j.metrics.TrendingCalculated(kind, true)
	j.metrics.TrendingListSize(key, timeframe.String(), len(ranked))
	if j.notifier != nil {
		j.notifier.TrendingUpdated(ctx, key, timeframe, len(ranked))
	}
	return CalculationResult{IsSuccessful: true, ItemCount: len(ranked)}
}

// rank orders by score descending with target id as the tie breaker and caps the list.
func rank(targets []Target) []Target {
	ranked := append([]Target(nil), targets...)
	sort.SliceStable(ranked, func(left, right int) bool {
		if ranked[left].Score != ranked[right].Score {
			return ranked[left].Score > ranked[right].Score
		}
		if ranked[left].TargetID != ranked[right].TargetID {
			return ranked[left].TargetID < ranked[right].TargetID
		}
		return ranked[left].TargetType < ranked[right].TargetType
	})
	if len(ranked) > MaxTrendingItems {
		ranked = ranked[:MaxTrendingItems]
	}
	return ranked
}

func trendingTargets(records []views.TrendingRecord) []Target {
	targets := make([]Target, 0, len(records))
	for _, record := range records {
		targets = append(targets, Target{
			TargetID:   record.TargetID,
			TargetType: record.TargetType,
			Score:      record.TrendingScore,
			TotalViews: record.ViewCount,
		})
	}
	return targets
}

// Payload selects what a CalculateTrending run computes. Zero values select the defaults.
type Payload struct {
	MinViews          int
	TargetTypes       []views.TargetType
	Timeframes        []Timeframe
	IncludeEngagement bool
	// EngagementMinViews defaults to views.DefaultEngagementMinViews.
	EngagementMinViews int
}

// ParsePayload builds a Payload from raw input, rejecting unknown target types and timeframes.
func ParsePayload(minViews int, rawTargetTypes, rawTimeframes []string, includeEngagement bool) (Payload, error) {
	payload := Payload{MinViews: minViews, IncludeEngagement: includeEngagement}
	for _, raw := range rawTargetTypes {
		targetType, err := views.ParseTargetType(raw)
		if err != nil {
			return Payload{}, err
		}
		payload.TargetTypes = append(payload.TargetTypes, targetType)
	}
	for _, raw := range rawTimeframes {
		timeframe, err := ParseTimeframe(raw)
		if err != nil {
			return Payload{}, err
		}
		payload.Timeframes = append(payload.Timeframes, timeframe)
	}
	return payload.normalize()
}

func (p Payload) normalize() (Payload, error) {
	if p.MinViews < 0 {
		return Payload{}, fmt.Errorf("%w: %d", ErrInvalidMinViews, p.MinViews)
	}
	if p.MinViews == 0 {
		p.MinViews = 1
	}
	if p.EngagementMinViews <= 0 {
		p.EngagementMinViews = views.DefaultEngagementMinViews
	}

	if len(p.TargetTypes) == 0 {
		p.TargetTypes = views.AllTargetTypes()
	}
	targetTypes := make([]views.TargetType, 0, len(p.TargetTypes))
	seenTypes := make(map[views.TargetType]struct{}, len(p.TargetTypes))
	for _, targetType := range p.TargetTypes {
		parsed, err := views.ParseTargetType(targetType.String())
		if err != nil {
			return Payload{}, err
		}
		if _, seen := seenTypes[parsed]; seen {
			continue
		}
		seenTypes[parsed] = struct{}{}
		targetTypes = append(targetTypes, parsed)
	}
	p.TargetTypes = targetTypes

	if len(p.Timeframes) == 0 {
		p.Timeframes = AllTimeframes()
	}
	timeframes := make([]Timeframe, 0, len(p.Timeframes))
	seenTimeframes := make(map[Timeframe]struct{}, len(p.Timeframes))
	for _, timeframe := range p.Timeframes {
		parsed, err := ParseTimeframe(timeframe.String())
		if err != nil {
			return Payload{}, err
		}
		if _, seen := seenTimeframes[parsed]; seen {
			continue
		}
		seenTimeframes[parsed] = struct{}{}
		timeframes = append(timeframes, parsed)
	}
	p.Timeframes = timeframes
	return p, nil
}

// RunResult accumulates the outcome of CalculateTrending.
type RunResult struct {
	CacheUpdates         int         `json:"cacheUpdates"`
	TotalTrendingItems   int         `json:"totalTrendingItems"`
	Errors               []string    `json:"errors"`
	TargetTypesProcessed []string    `json:"targetTypesProcessed"`
	TimeframesProcessed  []Timeframe `json:"timeframesProcessed"`
}

func (r *RunResult) succeeded(key string, timeframe Timeframe, outcome CalculationResult) {
	r.CacheUpdates++
	r.TotalTrendingItems += outcome.ItemCount
	if !slices.Contains(r.TargetTypesProcessed, key) {
		r.TargetTypesProcessed = append(r.TargetTypesProcessed, key)
	}
	if !slices.Contains(r.TimeframesProcessed, timeframe) {
		r.TimeframesProcessed = append(r.TimeframesProcessed, timeframe)
	}
}

// CalculateTrending runs every requested type and timeframe combination, then the cross-platform
// list and optionally the engagement rankings. A failing combination is recorded in the result
// and does not stop the run; only an invalid payload returns an error.
func (j *Job) CalculateTrending(ctx context.Context, payload Payload) (RunResult, error) {
	normalized, err := payload.normalize()
	if err != nil {
		return RunResult{}, err
	}
	started := j.clock()
	result := RunResult{Errors: []string{}, TargetTypesProcessed: []string{}, TimeframesProcessed: []Timeframe{}}

	for _, targetType := range normalized.TargetTypes {
		for _, timeframe := range normalized.Timeframes {
			if err := ctx.Err(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("trending run cancelled: %v", err))
				return result, nil
			}
			outcome := j.CalculateTrendingForType(ctx, targetType, timeframe, normalized.MinViews)
			if !outcome.IsSuccessful {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to calculate trending for %s:%s: %s", targetType, timeframe, outcome.Error))
				continue
			}
			result.succeeded(targetType.String(), timeframe, outcome)
		}
	}

	for _, timeframe := range normalized.Timeframes {
		outcome := j.CalculateCrossPlatformTrending(ctx, timeframe)
		if !outcome.IsSuccessful {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to calculate cross-platform trending for %s: %s", timeframe, outcome.Error))
			continue
		}
		result.succeeded(CrossPlatformKey, timeframe, outcome)
	}

	if normalized.IncludeEngagement {
		for _, targetType := range normalized.TargetTypes {
			for _, timeframe := range normalized.Timeframes {
				if timeframe == TimeframeHour {
					continue
				}
				outcome := j.CalculateEngagementTrending(ctx, targetType, timeframe, normalized.EngagementMinViews)
				if !outcome.IsSuccessful {
					result.Errors = append(result.Errors, fmt.Sprintf("failed to calculate engagement for %s:%s: %s", targetType, timeframe, outcome.Error))
					continue
				}
				result.CacheUpdates++
				result.TotalTrendingItems += outcome.ItemCount
			}
		}
	}

	elapsed := j.clock().Sub(started)
	j.metrics.TrendingRunObserved(elapsed.Seconds())
	j.logger.Info("trending calculation completed",
		zap.Int("cache_updates", result.CacheUpdates),
		zap.Int("total_items", result.TotalTrendingItems),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// RefreshResult reports the outcome of RefreshViewCounts.
type RefreshResult struct {
	Refreshed int      `json:"refreshed"`
	Errors    []string `json:"errors"`
}

// RefreshViewCounts recomputes the cached view count of each target id.
func (j *Job) RefreshViewCounts(ctx context.Context, targetType views.TargetType, targetIDs []string) (RefreshResult, error) {
	if j.viewCounts == nil {
		return RefreshResult{}, cache.ErrMissingStore
	}
	result := RefreshResult{Errors: []string{}}
	for _, targetID := range targetIDs {
		target, err := views.NewTarget(targetType.String(), targetID)
		if err != nil {
			return RefreshResult{}, err
		}
		count, err := j.source.CountViews(ctx, target, true)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("count %s:%s: %v", target.Type, target.ID, err))
			continue
		}
		if err := cache.SetJSON(ctx, j.viewCounts, views.ViewCountKey(target.Type, target.ID), count, views.ViewCountTTL); err != nil {
			j.metrics.CacheFailed("view_count_refresh")
			result.Errors = append(result.Errors, fmt.Sprintf("cache %s:%s: %v", target.Type, target.ID, err))
			continue
		}
		result.Refreshed++
	}
	j.logger.Info("view counts refreshed",
		zap.String("target_type", targetType.String()),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}
