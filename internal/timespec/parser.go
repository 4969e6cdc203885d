package timespec

import (
	"fmt"
	"time"
)

// Parse parses a time specification. Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m" - interpreted as that long
//     before the current time
//   - RFC 3339 timestamps: "2026-08-29T13:00:00Z"
func Parse(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or RFC 3339 like '2026-08-29T13:00:00Z')", spec)
}

// ParseRange parses --since and --until flag values into a time window.
// Empty values leave that end of the window unbounded (zero time).
func ParseRange(since, until string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error

	if since != "" {
		from, err = Parse(since)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		to, err = Parse(until)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--since (%s) must be earlier than --until (%s)", since, until)
	}

	return from, to, nil
}
