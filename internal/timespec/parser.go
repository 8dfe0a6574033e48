// Package timespec parses the --since/--until flags of linkctl.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// now is replaced in tests.
var now = time.Now

// Parse parses a time specification into a Unix timestamp in milliseconds.
// Accepted forms:
//   - "now"
//   - a Go duration ("90s", "1h30m") or a day count ("7d"), meaning that long ago
//   - an RFC3339 timestamp ("2025-10-29T13:00:00Z")
func Parse(spec string) (int64, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return 0, fmt.Errorf("empty time specification")
	case spec == "now":
		return now().UnixMilli(), nil
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if days, ok := strings.CutSuffix(spec, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n >= 0 {
			return now().Add(-time.Duration(n) * 24 * time.Hour).UnixMilli(), nil
		}
	}

	if d, err := time.ParseDuration(spec); err == nil && d >= 0 {
		return now().Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use 'now', a duration like '1h30m' or '7d', or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses the --since and --until flags. Zero values mean the range
// is open at that end. since must precede until when both are given.
func ParseRange(since, until string) (int64, int64, error) {
	var sinceMS, untilMS int64
	var err error

	if since != "" {
		if sinceMS, err = Parse(since); err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if untilMS, err = Parse(until); err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMS, untilMS, nil
}
