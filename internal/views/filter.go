package views

import (
	"context"
	"errors"
	"time"
)

// DefaultDedupWindow is applied when no window is configured.
const DefaultDedupWindow = 10 * time.Minute

var errMissingStore = errors.New("view store is required")

// viewLookup is the store capability the filter depends on.
type viewLookup interface {
	HasViewed(ctx context.Context, target Target, identity Identity, window TimeWindow) (bool, error)
}

// Filter decides whether a view repeats an earlier one from the same identity.
type Filter struct {
	store  viewLookup
	clock  func() time.Time
	window time.Duration
}

// NewFilter constructs a Filter. Non-positive windows fall back to DefaultDedupWindow.
func NewFilter(store viewLookup, clock func() time.Time, window time.Duration) (*Filter, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if clock == nil {
		clock = time.Now
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Filter{store: store, clock: clock, window: window}, nil
}

// Window returns the configured deduplication window.
func (f *Filter) Window() time.Duration {
	return f.window
}

// IsDuplicate reports whether identity already viewed the target within window. A nil window
// covers the configured duration ending now.
func (f *Filter) IsDuplicate(ctx context.Context, targetType TargetType, targetID string, identity Identity, window *TimeWindow) (bool, error) {
	if err := identity.validate(); err != nil {
		return false, err
	}
	target, err := NewTarget(targetType.String(), targetID)
	if err != nil {
		return false, err
	}
	bounds := f.windowEndingNow(f.window)
	if window != nil {
		bounds = *window
	}
	return f.store.HasViewed(ctx, target, identity, bounds)
}

func (f *Filter) windowEndingNow(length time.Duration) TimeWindow {
	now := f.clock()
	return TimeWindow{Start: now.Add(-length), End: now}
}
