// Package trending ranks recently viewed content and publishes the rankings to the cache.
package trending

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Timeframe is the trailing window a trending list covers.
type Timeframe string

const (
	TimeframeHour  Timeframe = "hour"
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

// ErrInvalidTimeframe indicates an unknown timeframe.
var ErrInvalidTimeframe = errors.New("trending: invalid timeframe")

var allTimeframes = []Timeframe{TimeframeHour, TimeframeDay, TimeframeWeek, TimeframeMonth}

// AllTimeframes returns every timeframe from shortest to longest.
func AllTimeframes() []Timeframe {
	return append([]Timeframe(nil), allTimeframes...)
}

// ParseTimeframe validates raw input and returns a Timeframe.
func ParseTimeframe(rawInput string) (Timeframe, error) {
	normalized := Timeframe(strings.ToLower(strings.TrimSpace(rawInput)))
	for _, known := range allTimeframes {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, rawInput)
}

// Window returns the duration covered by the timeframe.
func (t Timeframe) Window() time.Duration {
	switch t {
	case TimeframeHour:
		return time.Hour
	case TimeframeDay:
		return 24 * time.Hour
	case TimeframeWeek:
		return 7 * 24 * time.Hour
	case TimeframeMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// CacheTTL returns how long a trending list for the timeframe stays cached.
func (t Timeframe) CacheTTL() time.Duration {
	switch t {
	case TimeframeHour:
		return 30 * time.Minute
	case TimeframeDay:
		return 2 * time.Hour
	case TimeframeWeek:
		return 12 * time.Hour
	case TimeframeMonth:
		return 24 * time.Hour
	}
	return 0
}

func (t Timeframe) String() string {
	return string(t)
}
