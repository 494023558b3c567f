package trending

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/cache"
	"github.com/JasonPaff/head-shakers/backend/internal/views"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var jobEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu              sync.Mutex
	trending        map[views.TargetType][]views.TrendingRecord
	engagement      map[views.TargetType][]views.EngagementRecord
	counts          map[string]int64
	failTypes       map[views.TargetType]error
	failuresLeft    int
	trendingQueries []views.TrendingQuery
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		trending:   map[views.TargetType][]views.TrendingRecord{},
		engagement: map[views.TargetType][]views.EngagementRecord{},
		counts:     map[string]int64{},
		failTypes:  map[views.TargetType]error{},
	}
}

func (s *fakeSource) TopTrending(_ context.Context, query views.TrendingQuery) ([]views.TrendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trendingQueries = append(s.trendingQueries, query)
	if err := s.failTypes[query.TargetType]; err != nil {
		return nil, err
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, errors.New("transient")
	}
	records := s.trending[query.TargetType]
	if query.Limit > 0 && len(records) > query.Limit {
		records = records[:query.Limit]
	}
	return records, nil
}

func (s *fakeSource) TopEngagement(_ context.Context, query views.EngagementQuery) ([]views.EngagementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failTypes[query.TargetType]; err != nil {
		return nil, err
	}
	return s.engagement[query.TargetType], nil
}

func (s *fakeSource) CountViews(_ context.Context, target views.Target, _ bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.counts[target.ID]
	if !ok {
		return 0, errors.New("count unavailable")
	}
	return count, nil
}

func (s *fakeSource) queriesFor(targetType views.TargetType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, query := range s.trendingQueries {
		if query.TargetType == targetType {
			total++
		}
	}
	return total
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []string
}

func (n *recordingNotifier) TrendingUpdated(_ context.Context, key string, timeframe Timeframe, _ int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, key+":"+timeframe.String())
}

type jobFixture struct {
	job      *Job
	source   *fakeSource
	cache    *Cache
	redis    *miniredis.Miniredis
	store    *cache.RedisStore
	notifier *recordingNotifier
}

func newJobFixture(t *testing.T) jobFixture {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := cache.NewRedisStore(context.Background(), "redis://"+server.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	trendingCache, err := NewCache(store, nil, nil)
	require.NoError(t, err)

	source := newFakeSource()
	notifier := &recordingNotifier{}
	job, err := NewJob(JobConfig{
		Source:     source,
		Cache:      trendingCache,
		ViewCounts: store,
		Notifier:   notifier,
		Clock:      func() time.Time { return jobEpoch },
	})
	require.NoError(t, err)
	return jobFixture{job: job, source: source, cache: trendingCache, redis: server, store: store, notifier: notifier}
}

func trendingRecords(targetType views.TargetType, count int, baseScore float64) []views.TrendingRecord {
	records := make([]views.TrendingRecord, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, views.TrendingRecord{
			TargetID:      fmt.Sprintf("%s-%03d", targetType, i),
			TargetType:    targetType,
			ViewCount:     int64(count - i),
			TrendingScore: baseScore - float64(i),
		})
	}
	return records
}

func TestCalculateTrendingForTypeCachesRankedList(t *testing.T) {
	fixture := newJobFixture(t)
	fixture.source.trending[views.TargetTypeBobblehead] = []views.TrendingRecord{
		{TargetID: "b-low", TargetType: views.TargetTypeBobblehead, TrendingScore: 1, ViewCount: 2},
		{TargetID: "b-tie-z", TargetType: views.TargetTypeBobblehead, TrendingScore: 5, ViewCount: 6},
		{TargetID: "b-tie-a", TargetType: views.TargetTypeBobblehead, TrendingScore: 5, ViewCount: 7},
	}

	result := fixture.job.CalculateTrendingForType(context.Background(), views.TargetTypeBobblehead, TimeframeDay, 1)
	require.True(t, result.IsSuccessful, result.Error)
	assert.Equal(t, 3, result.ItemCount)

	entry, hit, err := fixture.cache.GetTrendingContent(context.Background(), "bobblehead", TimeframeDay)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, jobEpoch.UnixMilli(), entry.LastUpdated)
	require.Len(t, entry.Targets, 3)
	assert.Equal(t, []string{"b-tie-a", "b-tie-z", "b-low"}, []string{entry.Targets[0].TargetID, entry.Targets[1].TargetID, entry.Targets[2].TargetID})
	assert.Equal(t, int64(7), entry.Targets[0].TotalViews)

	assert.Equal(t, 2*time.Hour, fixture.redis.TTL("trending:bobblehead:day"))

	queries := fixture.source.trendingQueries
	require.Len(t, queries, 1)
	assert.Equal(t, jobEpoch.Add(-24*time.Hour), queries[0].Since)
	assert.Equal(t, jobEpoch.Add(-time.Hour), queries[0].RecentSince)
	assert.Equal(t, MaxTrendingItems, queries[0].Limit)
	assert.Equal(t, []string{"bobblehead:day"}, fixture.notifier.updates)
}

func TestCalculateTrendingForTypeIsDeterministic(t *testing.T) {
	fixture := newJobFixture(t)
	ctx := context.Background()
	fixture.source.trending[views.TargetTypeCollection] = []views.TrendingRecord{
		{TargetID: "c-2", TargetType: views.TargetTypeCollection, TrendingScore: 3, ViewCount: 4},
		{TargetID: "c-1", TargetType: views.TargetTypeCollection, TrendingScore: 3, ViewCount: 4},
		{TargetID: "c-3", TargetType: views.TargetTypeCollection, TrendingScore: 8, ViewCount: 9},
	}

	first := fixture.job.CalculateTrendingForType(ctx, views.TargetTypeCollection, TimeframeWeek, 1)
	require.True(t, first.IsSuccessful, first.Error)
	initial, hit, err := fixture.cache.GetTrendingContent(ctx, "collection", TimeframeWeek)
	require.NoError(t, err)
	require.True(t, hit)

	second := fixture.job.CalculateTrendingForType(ctx, views.TargetTypeCollection, TimeframeWeek, 1)
	require.True(t, second.IsSuccessful, second.Error)
	repeated, hit, err := fixture.cache.GetTrendingContent(ctx, "collection", TimeframeWeek)
	require.NoError(t, err)
	require.True(t, hit)

	assert.Equal(t, initial.Targets, repeated.Targets)
	assert.Equal(t, []string{"c-3", "c-1", "c-2"}, []string{repeated.Targets[0].TargetID, repeated.Targets[1].TargetID, repeated.Targets[2].TargetID})
}

func TestCalculateTrendingForTypeRetriesTransientFailures(t *testing.T) {
	fixture := newJobFixture(t)
	fixture.source.trending[views.TargetTypeProfile] = trendingRecords(views.TargetTypeProfile, 2, 10)
	fixture.source.failuresLeft = 2

	result := fixture.job.CalculateTrendingForType(context.Background(), views.TargetTypeProfile, TimeframeHour, 1)
	require.True(t, result.IsSuccessful, result.Error)
	assert.Equal(t, 3, fixture.source.queriesFor(views.TargetTypeProfile))
	assert.Equal(t, 30*time.Minute, fixture.redis.TTL("trending:profile:hour"))
}

func TestCrossPlatformTrendingMergesAndCaps(t *testing.T) {
	fixture := newJobFixture(t)
	for index, targetType := range views.AllTargetTypes() {
		fixture.source.trending[targetType] = trendingRecords(targetType, 60, float64(1000-index*10))
	}

	result := fixture.job.CalculateCrossPlatformTrending(context.Background(), TimeframeWeek)
	require.True(t, result.IsSuccessful, result.Error)
	assert.Equal(t, MaxTrendingItems, result.ItemCount)

	entry, hit, err := fixture.cache.GetTrendingContent(context.Background(), CrossPlatformKey, TimeframeWeek)
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, entry.Targets, MaxTrendingItems)
	for i := 1; i < len(entry.Targets); i++ {
		assert.GreaterOrEqual(t, entry.Targets[i-1].Score, entry.Targets[i].Score)
	}
	assert.Equal(t, "bobblehead-000", entry.Targets[0].TargetID)

	for _, query := range fixture.source.trendingQueries {
		assert.Equal(t, CrossPlatformPerTypeLimit, query.Limit)
		assert.Equal(t, 1, query.MinViews)
	}
}

func TestCalculateTrendingIsolatesFailures(t *testing.T) {
	fixture := newJobFixture(t)
	fixture.source.trending[views.TargetTypeBobblehead] = trendingRecords(views.TargetTypeBobblehead, 3, 10)
	fixture.source.failTypes[views.TargetTypeCollection] = errors.New("collection query failed")

	result, err := fixture.job.CalculateTrending(context.Background(), Payload{
		TargetTypes: []views.TargetType{views.TargetTypeBobblehead, views.TargetTypeCollection},
		Timeframes:  []Timeframe{TimeframeHour, TimeframeDay},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.CacheUpdates)
	assert.Equal(t, 6, result.TotalTrendingItems)
	assert.Equal(t, []string{"bobblehead"}, result.TargetTypesProcessed)
	assert.Equal(t, []Timeframe{TimeframeHour, TimeframeDay}, result.TimeframesProcessed)
	// two failed combinations plus two failed cross-platform merges
	assert.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "collection:hour")
	assert.Equal(t, 3*2+3*2, fixture.source.queriesFor(views.TargetTypeCollection))

	_, hit, err := fixture.cache.GetTrendingContent(context.Background(), "bobblehead", TimeframeDay)
	require.NoError(t, err)
	assert.True(t, hit)
	_, hit, err = fixture.cache.GetTrendingContent(context.Background(), "collection", TimeframeDay)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCalculateTrendingDefaultsAndEngagement(t *testing.T) {
	fixture := newJobFixture(t)
	fixture.source.engagement[views.TargetTypeCollection] = []views.EngagementRecord{
		{TargetID: "c1", TargetType: views.TargetTypeCollection, EngagementScore: 12.5, ViewCount: 9},
	}

	result, err := fixture.job.CalculateTrending(context.Background(), Payload{IncludeEngagement: true})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	// 4 types x 4 timeframes, 4 cross-platform lists, 4 types x 3 engagement timeframes
	assert.Equal(t, 16+4+12, result.CacheUpdates)
	assert.Equal(t, 3, result.TotalTrendingItems)
	assert.Contains(t, result.TargetTypesProcessed, CrossPlatformKey)

	entry, hit, err := fixture.cache.GetTrendingContent(context.Background(), "collection_engagement", TimeframeMonth)
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, entry.Targets, 1)
	assert.Equal(t, 12.5, entry.Targets[0].Score)
	assert.False(t, fixture.redis.Exists("trending:collection_engagement:hour"))

	for _, query := range fixture.source.trendingQueries {
		if query.Limit == MaxTrendingItems {
			assert.Equal(t, 1, query.MinViews)
		}
	}
}

func TestCalculateTrendingRejectsInvalidPayload(t *testing.T) {
	fixture := newJobFixture(t)
	_, err := fixture.job.CalculateTrending(context.Background(), Payload{MinViews: -1})
	assert.ErrorIs(t, err, ErrInvalidMinViews)

	_, err = fixture.job.CalculateTrending(context.Background(), Payload{Timeframes: []Timeframe{"year"}})
	assert.ErrorIs(t, err, ErrInvalidTimeframe)

	_, err = ParsePayload(1, []string{"sticker"}, nil, false)
	assert.ErrorIs(t, err, views.ErrInvalidTargetType)
	assert.Empty(t, fixture.redis.Keys())
}

func TestEngagementSkipsHourTimeframe(t *testing.T) {
	fixture := newJobFixture(t)
	result := fixture.job.CalculateEngagementTrending(context.Background(), views.TargetTypeBobblehead, TimeframeHour, 5)
	assert.False(t, result.IsSuccessful)
	assert.Equal(t, ErrEngagementTimeframe.Error(), result.Error)
}

func TestRefreshViewCountsCollectsFailures(t *testing.T) {
	fixture := newJobFixture(t)
	fixture.source.counts["b1"] = 11

	result, err := fixture.job.RefreshViewCounts(context.Background(), views.TargetTypeBobblehead, []string{"b1", "b2"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Refreshed)
	assert.Len(t, result.Errors, 1)

	var cached int64
	hit, err := cache.GetJSON(context.Background(), fixture.store, views.ViewCountKey(views.TargetTypeBobblehead, "b1"), &cached)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, int64(11), cached)
}

func TestTargetsReturnsEmptyOnMissAndReadFailure(t *testing.T) {
	fixture := newJobFixture(t)
	ctx := context.Background()
	assert.Equal(t, []Target{}, fixture.cache.Targets(ctx, "profile", TimeframeDay, 10))

	require.NoError(t, fixture.cache.SetTrendingContent(ctx, "profile", TimeframeDay, CacheEntry{Targets: []Target{{TargetID: "p1"}, {TargetID: "p2"}}}))
	assert.Len(t, fixture.cache.Targets(ctx, "profile", TimeframeDay, 1), 1)

	fixture.redis.SetError("ERR simulated outage")
	assert.Equal(t, []Target{}, fixture.cache.Targets(ctx, "profile", TimeframeDay, 10))
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"all", "bobblehead", "Collection_engagement"} {
		_, err := ValidateKey(key)
		assert.NoError(t, err, key)
	}
	_, err := ValidateKey("all_engagement")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ValidateKey("users")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestJobRanksStoredViewsEndToEnd(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "trending.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&views.ViewEvent{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	viewStore, err := views.NewStore(db)
	require.NoError(t, err)
	clock := jobEpoch
	recorder, err := views.NewService(views.ServiceConfig{
		Store:      viewStore,
		Clock:      func() time.Time { return clock },
		IDProvider: views.NewUUIDProvider(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, viewer := range []string{"u1", "u2", "u3"} {
		_, err := recorder.RecordView(ctx, views.ViewRequest{TargetType: "bobblehead", TargetID: "popular", ViewerID: viewer}, views.RecordOptions{})
		require.NoError(t, err)
	}
	_, err = recorder.RecordView(ctx, views.ViewRequest{TargetType: "bobblehead", TargetID: "quiet", ViewerID: "u1"}, views.RecordOptions{})
	require.NoError(t, err)

	trendingCache, err := NewCache(cache.NewMemoryStore(func() time.Time { return clock }), nil, nil)
	require.NoError(t, err)
	job, err := NewJob(JobConfig{Source: viewStore, Cache: trendingCache, Clock: func() time.Time { return clock.Add(time.Minute) }})
	require.NoError(t, err)

	result := job.CalculateTrendingForType(ctx, views.TargetTypeBobblehead, TimeframeHour, 1)
	require.True(t, result.IsSuccessful, result.Error)

	targets := trendingCache.Targets(ctx, "bobblehead", TimeframeHour, 0)
	require.Len(t, targets, 2)
	assert.Equal(t, "popular", targets[0].TargetID)
	assert.Equal(t, int64(3), targets[0].TotalViews)
	assert.InDelta(t, 3.0, targets[0].Score, 1e-9)
	assert.Equal(t, "quiet", targets[1].TargetID)
}
