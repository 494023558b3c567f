package views

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/cache"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAggregatePeriod(t *testing.T) {
	period, err := ParseAggregatePeriod(" Hour ")
	require.NoError(t, err)
	assert.Equal(t, AggregateHour, period)

	_, err = ParseAggregatePeriod("week")
	assert.ErrorIs(t, err, ErrInvalidAggregatePeriod)

	at := time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01-09", AggregateHour.Bucket(at))
	assert.Equal(t, "2026-03-01", AggregateDay.Bucket(at))
}

func TestRecordViewUpdatesAggregates(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	requests := []ViewRequest{
		{TargetType: "bobblehead", TargetID: "b1", ViewerID: "u1"},
		{TargetType: "bobblehead", TargetID: "b1", IPAddress: "203.0.113.9"},
		{TargetType: "bobblehead", TargetID: "b1", ViewerID: "u1"},
	}
	for _, request := range requests {
		_, err := harness.service.RecordView(ctx, request, RecordOptions{})
		require.NoError(t, err)
	}

	hour, err := harness.service.ViewAggregates(ctx, "bobblehead", "b1", "hour", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, ViewAggregate{
		TargetType:    TargetTypeBobblehead,
		TargetID:      "b1",
		Period:        AggregateHour,
		Bucket:        "2026-03-01-12",
		Total:         2,
		Anonymous:     1,
		Authenticated: 1,
	}, hour)

	harness.clock.Advance(2 * time.Hour)
	_, err = harness.service.RecordView(ctx, requests[0], RecordOptions{})
	require.NoError(t, err)

	later, err := harness.service.ViewAggregates(ctx, "bobblehead", "b1", "hour", time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, later.Total)
	assert.EqualValues(t, 0, later.Anonymous)

	day, err := harness.service.ViewAggregates(ctx, "bobblehead", "b1", "day", testEpoch)
	require.NoError(t, err)
	assert.EqualValues(t, 3, day.Total)
	assert.EqualValues(t, 2, day.Authenticated)

	_, err = harness.service.ViewAggregates(ctx, "bobblehead", "b1", "month", time.Time{})
	assert.ErrorIs(t, err, ErrInvalidAggregatePeriod)
	_, err = harness.service.ViewAggregates(ctx, "poster", "b1", "day", time.Time{})
	assert.ErrorIs(t, err, ErrInvalidTargetType)
}

func TestRecordViewSurvivesOpenCacheBreaker(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	redisStore, err := cache.NewRedisStore(context.Background(), "redis://"+server.Addr(), "hs:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisStore.Close() })
	breaker, err := cache.NewBreakerStore(redisStore, cache.BreakerConfig{Failures: 2, OpenTimeout: time.Minute})
	require.NoError(t, err)

	clock := newFakeClock()
	service, err := NewService(ServiceConfig{
		Store:       newTestStore(t),
		Cache:       breaker,
		Clock:       clock.Now,
		IDProvider:  &sequenceIDProvider{},
		DedupWindow: 10 * time.Minute,
	})
	require.NoError(t, err)
	ctx := context.Background()

	server.SetError("ERR simulated outage")
	first, err := service.RecordView(ctx, ViewRequest{TargetType: "collection", TargetID: "c1", ViewerID: "u1"}, RecordOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.TotalViews)
	assert.Equal(t, "open", breaker.State())

	duplicate, err := service.RecordView(ctx, ViewRequest{TargetType: "collection", TargetID: "c1", ViewerID: "u1"}, RecordOptions{})
	require.NoError(t, err)
	assert.True(t, duplicate.IsDuplicate, "the database check stays authoritative while the cache is out")

	_, err = service.ViewAggregates(ctx, "collection", "c1", "day", time.Time{})
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "views.view_aggregates.cache_failed", serviceErr.Code())
	assert.ErrorIs(t, err, cache.ErrCircuitOpen)
}
