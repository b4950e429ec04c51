package reporting

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidQuery wraps every client-side report query problem.
var ErrInvalidQuery = errors.New("invalid report query")

// Windows are the accepted day counts when no start/end is given.
var Windows = []int{7, 30, 90}

const (
	DefaultWindow = 30
	CustomWindow  = "custom"
)

// Query selects the events a report aggregates.
type Query struct {
	// Window is "7", "30", "90" or "custom".
	Window          string
	Days            int
	Start           time.Time
	End             time.Time // zero means open-ended
	IncludeUnlinked bool
	// AsOf is when a fixed window was resolved. Fixed windows have no
	// upper bound; AsOf is only echoed back as the end filter.
	AsOf time.Time
}

// ParseQuery reads window, start, end and include_unlinked. start/end
// override the window; either bound may be given alone.
func ParseQuery(v url.Values, now time.Time) (Query, error) {
	q := Query{IncludeUnlinked: true}
	if raw := strings.TrimSpace(v.Get("include_unlinked")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("%w: include_unlinked must be true or false", ErrInvalidQuery)
		}
		q.IncludeUnlinked = b
	}

	start, end := strings.TrimSpace(v.Get("start")), strings.TrimSpace(v.Get("end"))
	if start != "" || end != "" {
		q.Window = CustomWindow
		var err error
		if start != "" {
			if q.Start, err = parseBound(start); err != nil {
				return q, fmt.Errorf("%w: invalid start, use an ISO-8601 timestamp", ErrInvalidQuery)
			}
		}
		if end != "" {
			if q.End, err = parseBound(end); err != nil {
				return q, fmt.Errorf("%w: invalid end, use an ISO-8601 timestamp", ErrInvalidQuery)
			}
		}
		if !q.Start.IsZero() && !q.End.IsZero() && q.Start.After(q.End) {
			return q, fmt.Errorf("%w: start must be <= end", ErrInvalidQuery)
		}
		return q, nil
	}

	days := DefaultWindow
	if raw := strings.TrimSpace(v.Get("window")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !validWindow(n) {
			return q, fmt.Errorf("%w: window must be 7, 30 or 90, or pass start/end", ErrInvalidQuery)
		}
		days = n
	}
	return WindowQuery(days, q.IncludeUnlinked, now), nil
}

// WindowQuery is the fixed window of the last days before now.
func WindowQuery(days int, includeUnlinked bool, now time.Time) Query {
	now = now.UTC()
	return Query{
		Window:          strconv.Itoa(days),
		Days:            days,
		Start:           now.Add(-time.Duration(days) * 24 * time.Hour),
		IncludeUnlinked: includeUnlinked,
		AsOf:            now,
	}
}

func validWindow(n int) bool {
	for _, w := range Windows {
		if n == w {
			return true
		}
	}
	return false
}

var boundLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseBound(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range boundLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
