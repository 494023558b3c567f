package views

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AggregatePeriod is the bucket width of a view aggregate.
type AggregatePeriod string

const (
	AggregateHour AggregatePeriod = "hour"
	AggregateDay  AggregatePeriod = "day"

	// AggregateTTL bounds how long an hour or day bucket is kept in the cache.
	AggregateTTL = 7 * 24 * time.Hour

	opViewAggregates = "views.view_aggregates"
)

// ErrInvalidAggregatePeriod indicates a period other than hour or day.
var ErrInvalidAggregatePeriod = errors.New("views: aggregate period must be hour or day")

var aggregatePeriods = []AggregatePeriod{AggregateHour, AggregateDay}

// ParseAggregatePeriod normalizes raw into a supported period.
func ParseAggregatePeriod(raw string) (AggregatePeriod, error) {
	switch period := AggregatePeriod(strings.ToLower(strings.TrimSpace(raw))); period {
	case AggregateHour, AggregateDay:
		return period, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAggregatePeriod, raw)
	}
}

// Bucket names the UTC hour or day containing at.
func (p AggregatePeriod) Bucket(at time.Time) string {
	if p == AggregateHour {
		return at.UTC().Format("2006-01-02-15")
	}
	return at.UTC().Format("2006-01-02")
}

// ViewAggregate counts the recorded views of a target inside one bucket.
type ViewAggregate struct {
	TargetType    TargetType      `json:"targetType"`
	TargetID      string          `json:"targetId"`
	Period        AggregatePeriod `json:"period"`
	Bucket        string          `json:"bucket"`
	Total         int64           `json:"total"`
	Anonymous     int64           `json:"anonymous"`
	Authenticated int64           `json:"authenticated"`
}

// ViewAggregateKey is the cache counter for one audience of a bucket. audience is "total" or
// "anonymous".
func ViewAggregateKey(target Target, period AggregatePeriod, bucket, audience string) string {
	return fmt.Sprintf("views:agg:%s:%s:%s:%s:%s", target.Type, target.ID, period, bucket, audience)
}

// updateViewAggregates bumps the hour and day counters of a recorded view. Cache failures are
// logged and never fail the recording.
func (s *Service) updateViewAggregates(ctx context.Context, target Target, anonymous bool, viewedAt time.Time) {
	if s.cache == nil {
		return
	}
	for _, period := range aggregatePeriods {
		bucket := period.Bucket(viewedAt)
		audiences := []string{"total"}
		if anonymous {
			audiences = append(audiences, "anonymous")
		}
		for _, audience := range audiences {
			key := ViewAggregateKey(target, period, bucket, audience)
			if _, err := s.cache.IncrBy(ctx, key, 1, AggregateTTL); err != nil {
				s.metrics.CacheFailed("view_aggregate")
				s.logger.Warn("view aggregate update failed",
					append(targetFields(target), zap.String("period", string(period)), zap.Error(err))...)
				return
			}
		}
	}
}

// ViewAggregates reads the hour or day bucket containing at. A zero at means now. Counters live
// only in the cache, so a missing cache reports zeros.
func (s *Service) ViewAggregates(ctx context.Context, targetType, targetID, period string, at time.Time) (ViewAggregate, error) {
	target, err := NewTarget(targetType, targetID)
	if err != nil {
		return ViewAggregate{}, err
	}
	parsed, err := ParseAggregatePeriod(period)
	if err != nil {
		return ViewAggregate{}, err
	}
	if at.IsZero() {
		at = s.clock()
	}
	aggregate := ViewAggregate{
		TargetType: target.Type,
		TargetID:   target.ID,
		Period:     parsed,
		Bucket:     parsed.Bucket(at),
	}
	if s.cache == nil {
		return aggregate, nil
	}

	aggregate.Total, err = s.readCounter(ctx, ViewAggregateKey(target, parsed, aggregate.Bucket, "total"))
	if err == nil {
		aggregate.Anonymous, err = s.readCounter(ctx, ViewAggregateKey(target, parsed, aggregate.Bucket, "anonymous"))
	}
	if err != nil {
		s.metrics.CacheFailed("view_aggregate")
		s.logError(opViewAggregates, "cache_failed", err, targetFields(target)...)
		return ViewAggregate{}, newServiceError(opViewAggregates, "cache_failed", err)
	}
	aggregate.Authenticated = aggregate.Total - aggregate.Anonymous
	return aggregate, nil
}

func (s *Service) readCounter(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %q: %w", key, err)
	}
	return value, nil
}
