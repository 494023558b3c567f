package views

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// TargetType enumerates the kinds of content a view can point at.
type TargetType string

const (
	TargetTypeBobblehead    TargetType = "bobblehead"
	TargetTypeCollection    TargetType = "collection"
	TargetTypeSubcollection TargetType = "subcollection"
	TargetTypeProfile       TargetType = "profile"
)

const (
	maxIdentifierLength = 190
	maxIPAddressLength  = 64
	maxURLLength        = 2048
	maxUserAgentLength  = 512
)

var (
	// ErrInvalidTargetType indicates an unknown or empty target type.
	ErrInvalidTargetType = errors.New("views: invalid target type")
	// ErrInvalidTargetID indicates an empty or oversized target identifier.
	ErrInvalidTargetID = errors.New("views: invalid target id")
	// ErrMissingIdentity indicates that neither a viewer id nor an ip address was supplied.
	ErrMissingIdentity = errors.New("views: viewer id or ip address is required")
	// ErrAmbiguousIdentity indicates that both a viewer id and an ip address were supplied to the filter.
	ErrAmbiguousIdentity = errors.New("views: identity must be either a viewer id or an ip address")
	// ErrInvalidViewerID indicates an oversized viewer identifier.
	ErrInvalidViewerID = errors.New("views: invalid viewer id")
	// ErrInvalidDuration indicates a negative view duration.
	ErrInvalidDuration = errors.New("views: view duration must not be negative")
	// ErrInvalidViewID indicates an empty or oversized view identifier.
	ErrInvalidViewID = errors.New("views: invalid view id")
	// ErrEmptyDeleteFilter indicates a deletion request without any filter.
	ErrEmptyDeleteFilter = errors.New("views: at least one deletion filter is required")
	// ErrViewNotFound indicates that no view matched the supplied id.
	ErrViewNotFound = errors.New("views: view not found")
)

var allTargetTypes = []TargetType{
	TargetTypeBobblehead,
	TargetTypeCollection,
	TargetTypeSubcollection,
	TargetTypeProfile,
}

// AllTargetTypes returns every known target type in declaration order.
func AllTargetTypes() []TargetType {
	return append([]TargetType(nil), allTargetTypes...)
}

// ParseTargetType validates raw input and returns a TargetType.
func ParseTargetType(rawInput string) (TargetType, error) {
	normalized := TargetType(strings.ToLower(strings.TrimSpace(rawInput)))
	for _, known := range allTargetTypes {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTargetType, rawInput)
}

// String returns the underlying string value.
func (t TargetType) String() string {
	return string(t)
}

// Target identifies the entity being viewed.
type Target struct {
	Type TargetType
	ID   string
}

// NewTarget validates both halves of a target reference.
func NewTarget(rawType, rawID string) (Target, error) {
	targetType, err := ParseTargetType(rawType)
	if err != nil {
		return Target{}, err
	}
	targetID := strings.TrimSpace(rawID)
	if targetID == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidTargetID)
	}
	if len(targetID) > maxIdentifierLength {
		return Target{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidTargetID, maxIdentifierLength)
	}
	return Target{Type: targetType, ID: targetID}, nil
}

// Identity is the viewing party used for deduplication. Exactly one field is set.
type Identity struct {
	ViewerID  string
	IPAddress string
}

// Anonymous reports whether the identity is an ip address rather than a viewer.
func (i Identity) Anonymous() bool {
	return i.ViewerID == ""
}

func (i Identity) validate() error {
	switch {
	case i.ViewerID == "" && i.IPAddress == "":
		return ErrMissingIdentity
	case i.ViewerID != "" && i.IPAddress != "":
		return ErrAmbiguousIdentity
	}
	return nil
}

// key returns a stable string for cache claims.
func (i Identity) key() string {
	if i.Anonymous() {
		return "ip:" + i.IPAddress
	}
	return "user:" + i.ViewerID
}

// TimeWindow bounds a deduplication lookup, inclusive on both ends.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// ViewEvent is one persisted view of a target.
type ViewEvent struct {
	ID           string            `gorm:"column:id;primaryKey;size:64;not null"`
	TargetType   TargetType        `gorm:"column:target_type;size:32;not null;index:idx_content_views_target,priority:1"`
	TargetID     string            `gorm:"column:target_id;size:190;not null;index:idx_content_views_target,priority:2"`
	ViewerID     *string           `gorm:"column:viewer_id;size:190;index:idx_content_views_viewer"`
	IPAddress    *string           `gorm:"column:ip_address;size:64;index:idx_content_views_ip"`
	ViewedAtMs   int64             `gorm:"column:viewed_at_ms;not null;index:idx_content_views_target,priority:3"`
	ViewDuration *int              `gorm:"column:view_duration"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata"`
	ReferrerURL  string            `gorm:"column:referrer_url;size:2048;not null;default:''"`
	UserAgent    string            `gorm:"column:user_agent;size:512;not null;default:''"`
	SessionID    string            `gorm:"column:session_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ViewEvent) TableName() string {
	return "content_views"
}

// ViewedAt returns the server-assigned view time.
func (v ViewEvent) ViewedAt() time.Time {
	return time.UnixMilli(v.ViewedAtMs).UTC()
}

// IsAnonymous reports whether the view was recorded without a viewer.
func (v ViewEvent) IsAnonymous() bool {
	return v.ViewerID == nil
}

// ViewRequest is the inbound shape of a view submission.
type ViewRequest struct {
	TargetType   string
	TargetID     string
	ViewerID     string
	IPAddress    string
	ViewDuration *int
	Metadata     map[string]any
	SessionID    string
	ReferrerURL  string
	UserAgent    string
}

// validatedView is a ViewRequest that passed validation.
type validatedView struct {
	target   Target
	identity Identity
	request  ViewRequest
}

func validateRequest(request ViewRequest) (validatedView, error) {
	target, err := NewTarget(request.TargetType, request.TargetID)
	if err != nil {
		return validatedView{}, err
	}
	viewerID := strings.TrimSpace(request.ViewerID)
	if len(viewerID) > maxIdentifierLength {
		return validatedView{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidViewerID, maxIdentifierLength)
	}
	identity := Identity{ViewerID: viewerID}
	if viewerID == "" {
		identity.IPAddress = truncate(strings.TrimSpace(request.IPAddress), maxIPAddressLength)
	}
	if err := identity.validate(); err != nil {
		return validatedView{}, err
	}
	if request.ViewDuration != nil && *request.ViewDuration < 0 {
		return validatedView{}, fmt.Errorf("%w: %d", ErrInvalidDuration, *request.ViewDuration)
	}
	return validatedView{target: target, identity: identity, request: request}, nil
}

func (v validatedView) toEvent(id string, viewedAt time.Time) *ViewEvent {
	event := &ViewEvent{
		ID:           id,
		TargetType:   v.target.Type,
		TargetID:     v.target.ID,
		ViewedAtMs:   viewedAt.UnixMilli(),
		ViewDuration: v.request.ViewDuration,
		ReferrerURL:  truncate(v.request.ReferrerURL, maxURLLength),
		UserAgent:    truncate(v.request.UserAgent, maxUserAgentLength),
		SessionID:    truncate(strings.TrimSpace(v.request.SessionID), maxIdentifierLength),
	}
	if v.identity.Anonymous() {
		event.IPAddress = pointerTo(v.identity.IPAddress)
	} else {
		event.ViewerID = pointerTo(v.identity.ViewerID)
	}
	if len(v.request.Metadata) > 0 {
		event.Metadata = datatypes.JSONMap(v.request.Metadata)
	}
	return event
}

// RecordResult is returned by RecordView.
type RecordResult struct {
	IsDuplicate bool   `json:"isDuplicate"`
	IsSkipped   bool   `json:"isSkipped,omitempty"`
	ViewID      string `json:"viewId"`
	TotalViews  int64  `json:"totalViews"`
}

// BatchResult aggregates the outcome of BatchRecordViews.
type BatchResult struct {
	BatchID        string   `json:"batchId"`
	RecordedViews  int      `json:"recordedViews"`
	DuplicateViews int      `json:"duplicateViews"`
	SkippedViews   int      `json:"skippedViews"`
	Errors         []string `json:"errors"`
}

// ViewStats summarises the views of one target.
type ViewStats struct {
	TotalViews          int64    `json:"totalViews"`
	AnonymousViews      int64    `json:"anonymousViews"`
	AuthenticatedViews  int64    `json:"authenticatedViews"`
	UniqueViewers       int64    `json:"uniqueViewers"`
	AverageViewDuration *float64 `json:"averageViewDuration"`
}

// RecentView is a single row of the recent views listing.
type RecentView struct {
	ID           string    `json:"id"`
	ViewerID     *string   `json:"viewerId"`
	IsAnonymous  bool      `json:"isAnonymous"`
	ViewDuration *int      `json:"viewDuration"`
	ViewedAt     time.Time `json:"viewedAt"`
}

// DeleteFilter selects views for privacy deletion. Filters are combined with AND.
type DeleteFilter struct {
	TargetType TargetType
	TargetID   string
	ViewerID   string
	ViewIDs    []string
}

func (f DeleteFilter) empty() bool {
	return f.TargetType == "" && f.TargetID == "" && f.ViewerID == "" && len(f.ViewIDs) == 0
}

// TrendingRecord is one ranked row of the trending query.
type TrendingRecord struct {
	TargetID            string     `gorm:"column:target_id"`
	TargetType          TargetType `gorm:"column:target_type"`
	ViewCount           int64      `gorm:"column:view_count"`
	UniqueViewers       int64      `gorm:"column:unique_viewers"`
	RecentViewsCount    int64      `gorm:"column:recent_views_count"`
	AverageViewDuration *float64   `gorm:"column:average_view_duration"`
	TrendingScore       float64    `gorm:"column:trending_score"`
}

// EngagementRecord is one ranked row of the engagement query.
type EngagementRecord struct {
	TargetID               string     `gorm:"column:target_id"`
	TargetType             TargetType `gorm:"column:target_type"`
	ViewCount              int64      `gorm:"column:view_count"`
	AverageSessionDuration *float64   `gorm:"column:average_session_duration"`
	EngagementScore        float64    `gorm:"column:engagement_score"`
	RetentionRate          float64    `gorm:"column:retention_rate"`
	ViewVelocity           *float64   `gorm:"column:view_velocity"`
}

func pointerTo[T any](value T) *T {
	v := value
	return &v
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
