package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/auth"
	"github.com/JasonPaff/head-shakers/backend/internal/metrics"
	"github.com/JasonPaff/head-shakers/backend/internal/trending"
	"github.com/JasonPaff/head-shakers/backend/internal/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	viewerIDContextKey = "headshakers_viewer_id"
	claimsContextKey   = "headshakers_session_claims"

	defaultHeartbeatInterval = 25 * time.Second
	defaultTrendingLimit     = 20
)

var (
	errMissingViewService   = errors.New("view service dependency required")
	errMissingTrendingCache = errors.New("trending cache dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingViewers       = errors.New("viewer resolver dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates an inbound request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ViewerResolver maps session claims to a viewer id.
type ViewerResolver interface {
	ResolveViewerID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// TrendingRunner triggers an immediate trending calculation.
type TrendingRunner interface {
	RunOnce(ctx context.Context, payload *trending.Payload) (trending.RunResult, error)
}

// ViewCountRefresher rebuilds cached view counts.
type ViewCountRefresher interface {
	RefreshViewCounts(ctx context.Context, targetType views.TargetType, targetIDs []string) (trending.RefreshResult, error)
}

// Dependencies are the collaborators of the HTTP surface. TrustedProxies lists the proxy
// addresses or CIDRs allowed to supply X-Forwarded-For; when empty the peer address is used.
type Dependencies struct {
	Views             *views.Service
	Trending          *trending.Cache
	TrendingRunner    TrendingRunner
	ViewCounts        ViewCountRefresher
	Sessions          SessionValidator
	Viewers           ViewerResolver
	Realtime          *RealtimeDispatcher
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	TrustedProxies    []string
}

// NewHTTPHandler builds the gin router serving view, trending and admin routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Views == nil {
		return nil, errMissingViewService
	}
	if deps.Trending == nil {
		return nil, errMissingTrendingCache
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Viewers == nil {
		return nil, errMissingViewers
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("server: trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		views:     deps.Views,
		trending:  deps.Trending,
		runner:    deps.TrendingRunner,
		counts:    deps.ViewCounts,
		sessions:  deps.Sessions,
		viewers:   deps.Viewers,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	public := router.Group("/")
	public.Use(handler.identifyViewer)
	public.POST("/views", handler.handleRecordView)
	public.POST("/views/batch", handler.handleBatchRecordViews)
	public.PATCH("/views/:id/duration", handler.handleUpdateDuration)
	public.GET("/views/:targetType/:targetId/stats", handler.handleViewStats)
	public.GET("/views/:targetType/:targetId/count", handler.handleViewCount)
	public.GET("/views/:targetType/:targetId/recent", handler.handleRecentViews)
	public.GET("/views/:targetType/:targetId/aggregates", handler.handleViewAggregates)
	public.GET("/trending/stream", handler.handleTrendingStream)
	public.GET("/trending/:key/:timeframe", handler.handleTrending)

	admin := router.Group("/admin")
	admin.Use(handler.identifyViewer, handler.requireAdmin)
	admin.POST("/trending/run", handler.handleTrendingRun)
	admin.POST("/views/refresh-counts", handler.handleRefreshCounts)
	admin.DELETE("/views", handler.handleDeleteViews)

	return router, nil
}

type httpHandler struct {
	views     *views.Service
	trending  *trending.Cache
	runner    TrendingRunner
	counts    ViewCountRefresher
	sessions  SessionValidator
	viewers   ViewerResolver
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

// identifyViewer attaches the viewer id when a session is present. Requests without a session
// continue anonymously; requests with an invalid session are rejected.
func (h *httpHandler) identifyViewer(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		c.Next()
		return
	}
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	viewerID, err := h.viewers.ResolveViewerID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("viewer resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(viewerIDContextKey, viewerID)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok || !claims.HasRole(auth.RoleAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

type viewOptionsPayload struct {
	DedupWindowSeconds        int  `json:"dedupWindowSeconds"`
	SkipAnonymous             bool `json:"skipAnonymous"`
	ExcludeAnonymousFromTotal bool `json:"excludeAnonymousFromTotal"`
}

func (p viewOptionsPayload) toOptions() views.RecordOptions {
	return views.RecordOptions{
		DedupWindow:               time.Duration(p.DedupWindowSeconds) * time.Second,
		SkipAnonymous:             p.SkipAnonymous,
		ExcludeAnonymousFromTotal: p.ExcludeAnonymousFromTotal,
	}
}

type viewPayload struct {
	TargetType   string         `json:"targetType"`
	TargetID     string         `json:"targetId"`
	ViewDuration *int           `json:"viewDuration"`
	Metadata     map[string]any `json:"metadata"`
	SessionID    string         `json:"sessionId"`
	ReferrerURL  string         `json:"referrerUrl"`
}

type recordViewRequestPayload struct {
	viewPayload
	Options viewOptionsPayload `json:"options"`
}

type batchRequestPayload struct {
	Views   []viewPayload      `json:"views"`
	Options viewOptionsPayload `json:"options"`
}

func (h *httpHandler) viewRequest(c *gin.Context, payload viewPayload) views.ViewRequest {
	referrer := payload.ReferrerURL
	if referrer == "" {
		referrer = c.GetHeader("Referer")
	}
	return views.ViewRequest{
		TargetType:   payload.TargetType,
		TargetID:     payload.TargetID,
		ViewerID:     c.GetString(viewerIDContextKey),
		IPAddress:    c.ClientIP(),
		ViewDuration: payload.ViewDuration,
		Metadata:     payload.Metadata,
		SessionID:    payload.SessionID,
		ReferrerURL:  referrer,
		UserAgent:    c.Request.UserAgent(),
	}
}

func (h *httpHandler) handleRecordView(c *gin.Context) {
	var request recordViewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.views.RecordView(c.Request.Context(), h.viewRequest(c, request.viewPayload), request.Options.toOptions())
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.IsDuplicate || result.IsSkipped {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *httpHandler) handleBatchRecordViews(c *gin.Context) {
	var request batchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Views) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	requests := make([]views.ViewRequest, 0, len(request.Views))
	for _, payload := range request.Views {
		requests = append(requests, h.viewRequest(c, payload))
	}
	result, err := h.views.BatchRecordViews(c.Request.Context(), requests, request.Options.toOptions())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type durationRequestPayload struct {
	Seconds *int `json:"seconds"`
}

func (h *httpHandler) handleUpdateDuration(c *gin.Context) {
	var request durationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Seconds == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.views.UpdateViewDuration(c.Request.Context(), c.Param("id"), *request.Seconds); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleViewStats(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}
	stats, err := h.views.ViewStats(c.Request.Context(), c.Param("targetType"), c.Param("targetId"), since)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleViewCount(c *gin.Context) {
	count, err := h.views.ViewCount(c.Request.Context(), c.Param("targetType"), c.Param("targetId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalViews": count})
}

func (h *httpHandler) handleViewAggregates(c *gin.Context) {
	var at time.Time
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_at"})
			return
		}
		at = parsed
	}
	period := c.DefaultQuery("period", string(views.AggregateHour))
	aggregate, err := h.views.ViewAggregates(c.Request.Context(), c.Param("targetType"), c.Param("targetId"), period, at)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, aggregate)
}

func (h *httpHandler) handleRecentViews(c *gin.Context) {
	limit, err := queryInt(c, "limit", views.DefaultRecentViewsLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	includeAnonymous := c.DefaultQuery("includeAnonymous", "false") == "true"
	recent, err := h.views.RecentViews(c.Request.Context(), c.Param("targetType"), c.Param("targetId"), limit, includeAnonymous)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"views": recent})
}

func (h *httpHandler) handleTrending(c *gin.Context) {
	key, err := trending.ValidateKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return
	}
	timeframe, err := trending.ParseTimeframe(c.Param("timeframe"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timeframe"})
		return
	}
	limit, err := queryInt(c, "limit", defaultTrendingLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":       key,
		"timeframe": timeframe,
		"targets":   h.trending.Targets(c.Request.Context(), key, timeframe, limit),
	})
}

func (h *httpHandler) handleTrendingStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, c.Query("key"))
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

type trendingRunRequestPayload struct {
	MinViews          int      `json:"minViews"`
	TargetTypes       []string `json:"targetTypes"`
	Timeframes        []string `json:"timeframes"`
	IncludeEngagement bool     `json:"includeEngagement"`
}

func (h *httpHandler) handleTrendingRun(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trending_unavailable"})
		return
	}
	var request trendingRunRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	payload, err := trending.ParsePayload(request.MinViews, request.TargetTypes, request.Timeframes, request.IncludeEngagement)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}
	result, err := h.runner.RunOnce(c.Request.Context(), &payload)
	if errors.Is(err, trending.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress"})
		return
	}
	if errors.Is(err, trending.ErrSchedulerStopped) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler_stopped"})
		return
	}
	if err != nil {
		h.logger.Error("trending run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trending_run_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type refreshCountsRequestPayload struct {
	TargetType string   `json:"targetType"`
	TargetIDs  []string `json:"targetIds"`
}

func (h *httpHandler) handleRefreshCounts(c *gin.Context) {
	if h.counts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "refresh_unavailable"})
		return
	}
	var request refreshCountsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.TargetIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	targetType, err := views.ParseTargetType(request.TargetType)
	if err != nil {
		h.writeError(c, err)
		return
	}
	result, err := h.counts.RefreshViewCounts(c.Request.Context(), targetType, request.TargetIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type deleteViewsRequestPayload struct {
	TargetType string   `json:"targetType"`
	TargetID   string   `json:"targetId"`
	ViewerID   string   `json:"viewerId"`
	ViewIDs    []string `json:"viewIds"`
}

func (h *httpHandler) handleDeleteViews(c *gin.Context) {
	var request deleteViewsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deleted, err := h.views.DeleteViews(c.Request.Context(), views.DeleteFilter{
		TargetType: views.TargetType(strings.TrimSpace(request.TargetType)),
		TargetID:   strings.TrimSpace(request.TargetID),
		ViewerID:   strings.TrimSpace(request.ViewerID),
		ViewIDs:    request.ViewIDs,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

var validationCodes = []struct {
	err  error
	code string
}{
	{views.ErrInvalidTargetType, "invalid_target_type"},
	{views.ErrInvalidTargetID, "invalid_target_id"},
	{views.ErrMissingIdentity, "missing_identity"},
	{views.ErrAmbiguousIdentity, "ambiguous_identity"},
	{views.ErrInvalidViewerID, "invalid_viewer_id"},
	{views.ErrInvalidDuration, "invalid_duration"},
	{views.ErrInvalidViewID, "invalid_view_id"},
	{views.ErrEmptyDeleteFilter, "empty_delete_filter"},
	{views.ErrInvalidAggregatePeriod, "invalid_period"},
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	for _, candidate := range validationCodes {
		if errors.Is(err, candidate.err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": candidate.code})
			return
		}
	}
	if errors.Is(err, views.ErrViewNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "view_not_found"})
		return
	}
	var serviceErr *views.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
		return
	}
	h.logger.Error("unhandled request failure", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}
