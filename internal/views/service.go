package views

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/cache"
	"github.com/JasonPaff/head-shakers/backend/internal/metrics"
	"go.uber.org/zap"
)

// ViewCountTTL bounds how long a cached view count may be served.
const ViewCountTTL = 30 * time.Minute

var (
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError reports a storage or infrastructure failure with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "views.service.new"
	opRecordView          = "views.record_view"
	opBatchRecordViews    = "views.batch_record_views"
	opUpdateViewDuration  = "views.update_view_duration"
	opDeleteViews         = "views.delete_views"
	opViewStats           = "views.view_stats"
	opViewCount           = "views.view_count"
	opRecentViews         = "views.recent_views"
	rejectReasonInvalid   = "invalid_request"
	rejectReasonAnonymous = "anonymous_skipped"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ViewCountKey is the cache key holding the total view count of a target.
func ViewCountKey(targetType TargetType, targetID string) string {
	return fmt.Sprintf("views:count:%s:%s", targetType, targetID)
}

func dedupClaimKey(target Target, identity Identity) string {
	return fmt.Sprintf("views:dedup:%s:%s:%s", target.Type, target.ID, identity.key())
}

// RecordOptions tunes a single RecordView or BatchRecordViews call.
type RecordOptions struct {
	// DedupWindow overrides the configured window when positive.
	DedupWindow               time.Duration
	SkipAnonymous             bool
	ExcludeAnonymousFromTotal bool
}

// ServiceConfig describes the dependencies of the view recorder.
type ServiceConfig struct {
	Store       *Store
	Cache       cache.Store
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	DedupWindow time.Duration
}

// Service records views and answers per-target view queries.
type Service struct {
	store      *Store
	filter     *Filter
	cache      cache.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewService validates cfg and builds the view recorder.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	filter, err := NewFilter(cfg.Store, clock, cfg.DedupWindow)
	if err != nil {
		return nil, newServiceError(opServiceNew, "filter_init_failed", err)
	}

	return &Service{
		store:      cfg.Store,
		filter:     filter,
		cache:      cfg.Cache,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Filter exposes the deduplication filter used by the recorder.
func (s *Service) Filter() *Filter {
	return s.filter
}

type recordOutcome int

const (
	outcomeRecorded recordOutcome = iota
	outcomeDuplicate
	outcomeSkipped
)

// RecordView validates, deduplicates and persists a single view.
func (s *Service) RecordView(ctx context.Context, request ViewRequest, options RecordOptions) (RecordResult, error) {
	view, err := validateRequest(request)
	if err != nil {
		s.metrics.ViewRejected(rejectReasonInvalid)
		return RecordResult{}, err
	}

	outcome, event, err := s.record(ctx, opRecordView, view, options)
	if err != nil {
		return RecordResult{}, err
	}
	switch outcome {
	case outcomeDuplicate:
		return RecordResult{IsDuplicate: true}, nil
	case outcomeSkipped:
		return RecordResult{IsSkipped: true}, nil
	}

	total, err := s.store.CountViews(ctx, view.target, !options.ExcludeAnonymousFromTotal)
	if err != nil {
		s.logError(opRecordView, "count_failed", err, targetFields(view.target)...)
		return RecordResult{}, newServiceError(opRecordView, "count_failed", err)
	}
	return RecordResult{ViewID: event.ID, TotalViews: total}, nil
}

// BatchRecordViews records each request in order. Invalid requests are collected in the result
// and do not abort the batch. Storage failures are collected as well, and the partial result is
// returned together with a ServiceError so callers can retry the batch.
func (s *Service) BatchRecordViews(ctx context.Context, requests []ViewRequest, options RecordOptions) (BatchResult, error) {
	batchID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opBatchRecordViews, "batch_id_failed", err)
		return BatchResult{}, newServiceError(opBatchRecordViews, "batch_id_failed", err)
	}

	result := BatchResult{BatchID: batchID, Errors: []string{}}
	var storageErr error
	for index, request := range requests {
		if err := ctx.Err(); err != nil {
			return result, newServiceError(opBatchRecordViews, "cancelled", err)
		}
		view, err := validateRequest(request)
		if err != nil {
			s.metrics.ViewRejected(rejectReasonInvalid)
			result.Errors = append(result.Errors, fmt.Sprintf("view %d: %v", index, err))
			continue
		}
		outcome, _, err := s.record(ctx, opBatchRecordViews, view, options)
		if err != nil {
			if storageErr == nil {
				storageErr = err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("view %d: %v", index, err))
			continue
		}
		switch outcome {
		case outcomeRecorded:
			result.RecordedViews++
		case outcomeDuplicate:
			result.DuplicateViews++
		case outcomeSkipped:
			result.SkippedViews++
		}
	}

	s.logger.Info("view batch recorded",
		zap.String("batch_id", batchID),
		zap.Int("recorded", result.RecordedViews),
		zap.Int("duplicates", result.DuplicateViews),
		zap.Int("skipped", result.SkippedViews),
		zap.Int("errors", len(result.Errors)))
	if storageErr != nil {
		return result, newServiceError(opBatchRecordViews, "storage_failed", storageErr)
	}
	return result, nil
}

func (s *Service) record(ctx context.Context, operation string, view validatedView, options RecordOptions) (recordOutcome, *ViewEvent, error) {
	if options.SkipAnonymous && view.identity.Anonymous() {
		s.metrics.ViewRejected(rejectReasonAnonymous)
		return outcomeSkipped, nil, nil
	}

	windowLength := s.filter.Window()
	if options.DedupWindow > 0 {
		windowLength = options.DedupWindow
	}
	window := s.filter.windowEndingNow(windowLength)

	duplicate, err := s.filter.IsDuplicate(ctx, view.target.Type, view.target.ID, view.identity, &window)
	if err != nil {
		s.logError(operation, "dedup_check_failed", err, targetFields(view.target)...)
		return 0, nil, newServiceError(operation, "dedup_check_failed", err)
	}
	if duplicate || !s.claim(ctx, view, windowLength) {
		s.metrics.ViewDuplicate(view.target.Type.String())
		return outcomeDuplicate, nil, nil
	}

	viewID, err := s.idProvider.NewID()
	if err != nil {
		s.release(ctx, view)
		s.logError(operation, "id_generation_failed", err)
		return 0, nil, newServiceError(operation, "id_generation_failed", err)
	}

	event := view.toEvent(viewID, s.clock())
	if err := s.store.Insert(ctx, event); err != nil {
		s.release(ctx, view)
		s.logError(operation, "insert_failed", err, targetFields(view.target)...)
		return 0, nil, newServiceError(operation, "insert_failed", err)
	}

	s.invalidateViewCount(ctx, view.target)
	s.updateViewAggregates(ctx, view.target, view.identity.Anonymous(), event.ViewedAt())
	s.metrics.ViewRecorded(view.target.Type.String(), view.identity.Anonymous())
	return outcomeRecorded, event, nil
}

// claim takes the short-lived dedup key for view. Cache failures leave the database check
// authoritative and count as a successful claim.
func (s *Service) claim(ctx context.Context, view validatedView, ttl time.Duration) bool {
	if s.cache == nil {
		return true
	}
	claimed, err := s.cache.SetNX(ctx, dedupClaimKey(view.target, view.identity), []byte("1"), ttl)
	if err != nil {
		s.metrics.CacheFailed("dedup_claim")
		s.logger.Warn("dedup claim failed", append(targetFields(view.target), zap.Error(err))...)
		return true
	}
	return claimed
}

func (s *Service) release(ctx context.Context, view validatedView) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, dedupClaimKey(view.target, view.identity)); err != nil {
		s.metrics.CacheFailed("dedup_release")
		s.logger.Warn("dedup claim release failed", append(targetFields(view.target), zap.Error(err))...)
	}
}

func (s *Service) invalidateViewCount(ctx context.Context, target Target) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, ViewCountKey(target.Type, target.ID)); err != nil {
		s.metrics.CacheFailed("view_count_invalidate")
		s.logger.Warn("view count invalidation failed", append(targetFields(target), zap.Error(err))...)
	}
}

// UpdateViewDuration backfills the duration of an existing view.
func (s *Service) UpdateViewDuration(ctx context.Context, viewID string, seconds int) error {
	viewID = strings.TrimSpace(viewID)
	if viewID == "" || len(viewID) > maxIdentifierLength {
		return ErrInvalidViewID
	}
	if seconds < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDuration, seconds)
	}
	found, err := s.store.UpdateDuration(ctx, viewID, seconds)
	if err != nil {
		s.logError(opUpdateViewDuration, "update_failed", err, zap.String("view_id", viewID))
		return newServiceError(opUpdateViewDuration, "update_failed", err)
	}
	if !found {
		return ErrViewNotFound
	}
	return nil
}

// DeleteViews removes views for privacy requests and drops the affected cached counts.
func (s *Service) DeleteViews(ctx context.Context, filter DeleteFilter) (int64, error) {
	if filter.empty() {
		return 0, ErrEmptyDeleteFilter
	}
	if filter.TargetType != "" {
		targetType, err := ParseTargetType(filter.TargetType.String())
		if err != nil {
			return 0, err
		}
		filter.TargetType = targetType
	}
	deleted, err := s.store.DeleteViews(ctx, filter)
	if err != nil {
		s.logError(opDeleteViews, "delete_failed", err)
		return 0, newServiceError(opDeleteViews, "delete_failed", err)
	}
	if filter.TargetType != "" && filter.TargetID != "" {
		s.invalidateViewCount(ctx, Target{Type: filter.TargetType, ID: filter.TargetID})
	}
	s.logger.Info("views deleted",
		zap.Int64("deleted", deleted),
		zap.String("target_type", filter.TargetType.String()),
		zap.String("target_id", filter.TargetID),
		zap.Bool("by_viewer", filter.ViewerID != ""),
		zap.Int("view_ids", len(filter.ViewIDs)))
	return deleted, nil
}

// ViewStats summarises the views of a target. A zero since covers all time.
func (s *Service) ViewStats(ctx context.Context, targetType, targetID string, since time.Time) (ViewStats, error) {
	target, err := NewTarget(targetType, targetID)
	if err != nil {
		return ViewStats{}, err
	}
	stats, err := s.store.Stats(ctx, target, since)
	if err != nil {
		s.logError(opViewStats, "query_failed", err, targetFields(target)...)
		return ViewStats{}, newServiceError(opViewStats, "query_failed", err)
	}
	return stats, nil
}

// ViewCount returns the total views of a target, served from the cache when possible.
func (s *Service) ViewCount(ctx context.Context, targetType, targetID string) (int64, error) {
	target, err := NewTarget(targetType, targetID)
	if err != nil {
		return 0, err
	}
	count, err := cache.GetOrSet(ctx, s.cache, ViewCountKey(target.Type, target.ID), ViewCountTTL,
		func(ctx context.Context) (int64, error) {
			return s.store.CountViews(ctx, target, true)
		},
		func(cacheErr error) {
			s.metrics.CacheFailed("view_count")
			s.logger.Warn("view count cache failed", append(targetFields(target), zap.Error(cacheErr))...)
		})
	if err != nil {
		s.logError(opViewCount, "query_failed", err, targetFields(target)...)
		return 0, newServiceError(opViewCount, "query_failed", err)
	}
	return count, nil
}

// RecentViews lists the newest views of a target.
func (s *Service) RecentViews(ctx context.Context, targetType, targetID string, limit int, includeAnonymous bool) ([]RecentView, error) {
	target, err := NewTarget(targetType, targetID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.RecentViews(ctx, target, limit, includeAnonymous)
	if err != nil {
		s.logError(opRecentViews, "query_failed", err, targetFields(target)...)
		return nil, newServiceError(opRecentViews, "query_failed", err)
	}
	recent := make([]RecentView, 0, len(events))
	for _, event := range events {
		recent = append(recent, RecentView{
			ID:           event.ID,
			ViewerID:     event.ViewerID,
			IsAnonymous:  event.IsAnonymous(),
			ViewDuration: event.ViewDuration,
			ViewedAt:     event.ViewedAt(),
		})
	}
	return recent, nil
}

func targetFields(target Target) []zap.Field {
	return []zap.Field{
		zap.String("target_type", target.Type.String()),
		zap.String("target_id", target.ID),
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("view service operation failed", allFields...)
}
