package views

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

const (
	// DefaultTrendingLimit caps a single trending list.
	DefaultTrendingLimit = 100
	// DefaultEngagementLimit caps a single engagement list.
	DefaultEngagementLimit = 50
	// DefaultEngagementMinViews is the minimum authenticated view count for engagement ranking.
	DefaultEngagementMinViews = 5
	// DefaultRecentViewsLimit is used when RecentViews receives a non-positive limit.
	DefaultRecentViewsLimit = 10
)

const (
	whereTarget          = "target_type = ? AND target_id = ?"
	whereViewedBetween   = "viewed_at_ms BETWEEN ? AND ?"
	whereViewedSince     = "viewed_at_ms >= ?"
	whereViewerMatches   = "viewer_id = ?"
	whereAnonymousIP     = "ip_address = ? AND viewer_id IS NULL"
	whereAuthenticated   = "viewer_id IS NOT NULL"
	groupByTarget        = "target_id, target_type"
	havingMinimumViews   = "COUNT(*) >= ?"
	orderTrendingScore   = "trending_score DESC, target_id ASC"
	orderEngagementScore = "engagement_score DESC, target_id ASC"
	orderNewestFirst     = "viewed_at_ms DESC, id DESC"

	selectTrending = `target_id, target_type,
		COUNT(*) AS view_count,
		COUNT(DISTINCT viewer_id) AS unique_viewers,
		SUM(CASE WHEN viewed_at_ms >= ? THEN 1 ELSE 0 END) AS recent_views_count,
		AVG(view_duration) AS average_view_duration,
		(COUNT(*) * 0.4 + COUNT(DISTINCT viewer_id) * 0.3 + SUM(CASE WHEN viewed_at_ms >= ? THEN 1 ELSE 0 END) * 0.3) AS trending_score`

	selectEngagement = `target_id, target_type,
		COUNT(*) AS view_count,
		AVG(view_duration) AS average_session_duration,
		(COUNT(DISTINCT viewer_id) * 2.0 + COALESCE(AVG(view_duration), 0) / 60.0 * 0.5 + COUNT(*) * 1.0 / COUNT(DISTINCT viewer_id)) AS engagement_score,
		SUM(CASE WHEN view_duration > 30 THEN 1 ELSE 0 END) * 100.0 / COUNT(*) AS retention_rate,
		CASE WHEN MAX(viewed_at_ms) > MIN(viewed_at_ms)
			THEN COUNT(*) * 3600000.0 / (MAX(viewed_at_ms) - MIN(viewed_at_ms))
			ELSE NULL END AS view_velocity`

	selectStats = `COUNT(*) AS total_views,
		COALESCE(SUM(CASE WHEN viewer_id IS NULL THEN 1 ELSE 0 END), 0) AS anonymous_views,
		COALESCE(SUM(CASE WHEN viewer_id IS NOT NULL THEN 1 ELSE 0 END), 0) AS authenticated_views,
		COUNT(DISTINCT viewer_id) AS unique_viewers,
		AVG(view_duration) AS average_view_duration`
)

// TrendingQuery parameterises Store.TopTrending.
type TrendingQuery struct {
	TargetType  TargetType
	Since       time.Time
	RecentSince time.Time
	MinViews    int
	Limit       int
}

// EngagementQuery parameterises Store.TopEngagement.
type EngagementQuery struct {
	TargetType TargetType
	Since      time.Time
	MinViews   int
	Limit      int
}

// Store owns every read and write against the content_views table.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle. The schema is migrated by the database package.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// HasViewed reports whether identity viewed target within window, inclusive.
func (s *Store) HasViewed(ctx context.Context, target Target, identity Identity, window TimeWindow) (bool, error) {
	query := s.db.WithContext(ctx).
		Model(&ViewEvent{}).
		Where(whereTarget, target.Type, target.ID).
		Where(whereViewedBetween, window.Start.UnixMilli(), window.End.UnixMilli())
	if identity.Anonymous() {
		query = query.Where(whereAnonymousIP, identity.IPAddress)
	} else {
		query = query.Where(whereViewerMatches, identity.ViewerID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Insert persists a single view event.
func (s *Store) Insert(ctx context.Context, event *ViewEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// CountViews returns the total number of views of target.
func (s *Store) CountViews(ctx context.Context, target Target, includeAnonymous bool) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&ViewEvent{}).
		Where(whereTarget, target.Type, target.ID)
	if !includeAnonymous {
		query = query.Where(whereAuthenticated)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

type statsRow struct {
	TotalViews          int64    `gorm:"column:total_views"`
	AnonymousViews      int64    `gorm:"column:anonymous_views"`
	AuthenticatedViews  int64    `gorm:"column:authenticated_views"`
	UniqueViewers       int64    `gorm:"column:unique_viewers"`
	AverageViewDuration *float64 `gorm:"column:average_view_duration"`
}

// Stats aggregates the views of target. A zero since includes every view.
func (s *Store) Stats(ctx context.Context, target Target, since time.Time) (ViewStats, error) {
	query := s.db.WithContext(ctx).
		Model(&ViewEvent{}).
		Select(selectStats).
		Where(whereTarget, target.Type, target.ID)
	if !since.IsZero() {
		query = query.Where(whereViewedSince, since.UnixMilli())
	}

	var row statsRow
	if err := query.Scan(&row).Error; err != nil {
		return ViewStats{}, err
	}
	return ViewStats(row), nil
}

// RecentViews lists the newest views of target.
func (s *Store) RecentViews(ctx context.Context, target Target, limit int, includeAnonymous bool) ([]ViewEvent, error) {
	if limit <= 0 {
		limit = DefaultRecentViewsLimit
	}
	query := s.db.WithContext(ctx).
		Where(whereTarget, target.Type, target.ID)
	if !includeAnonymous {
		query = query.Where(whereAuthenticated)
	}

	var events []ViewEvent
	if err := query.Order(orderNewestFirst).Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// UpdateDuration backfills view_duration and reports whether the view exists.
func (s *Store) UpdateDuration(ctx context.Context, viewID string, seconds int) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&ViewEvent{}).
		Where("id = ?", viewID).
		Update("view_duration", seconds)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteViews removes every view matching all populated fields of filter.
func (s *Store) DeleteViews(ctx context.Context, filter DeleteFilter) (int64, error) {
	if filter.empty() {
		return 0, ErrEmptyDeleteFilter
	}
	query := s.db.WithContext(ctx)
	if filter.TargetType != "" {
		query = query.Where("target_type = ?", filter.TargetType)
	}
	if filter.TargetID != "" {
		query = query.Where("target_id = ?", filter.TargetID)
	}
	if filter.ViewerID != "" {
		query = query.Where(whereViewerMatches, filter.ViewerID)
	}
	if len(filter.ViewIDs) > 0 {
		query = query.Where("id IN ?", filter.ViewIDs)
	}

	result := query.Delete(&ViewEvent{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// TopTrending ranks targets of one type by the weighted trending score.
func (s *Store) TopTrending(ctx context.Context, q TrendingQuery) ([]TrendingRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTrendingLimit
	}
	minViews := q.MinViews
	if minViews < 1 {
		minViews = 1
	}
	recentSince := q.RecentSince.UnixMilli()

	var records []TrendingRecord
	err := s.db.WithContext(ctx).
		Model(&ViewEvent{}).
		Select(selectTrending, recentSince, recentSince).
		Where("target_type = ?", q.TargetType).
		Where(whereViewedSince, q.Since.UnixMilli()).
		Group(groupByTarget).
		Having(havingMinimumViews, minViews).
		Order(orderTrendingScore).
		Limit(limit).
		Scan(&records).
		Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// TopEngagement ranks targets of one type by authenticated engagement.
func (s *Store) TopEngagement(ctx context.Context, q EngagementQuery) ([]EngagementRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEngagementLimit
	}
	minViews := q.MinViews
	if minViews < 1 {
		minViews = DefaultEngagementMinViews
	}

	var records []EngagementRecord
	err := s.db.WithContext(ctx).
		Model(&ViewEvent{}).
		Select(selectEngagement).
		Where("target_type = ?", q.TargetType).
		Where(whereViewedSince, q.Since.UnixMilli()).
		Where(whereAuthenticated).
		Group(groupByTarget).
		Having(havingMinimumViews, minViews).
		Order(orderEngagementScore).
		Limit(limit).
		Scan(&records).
		Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
