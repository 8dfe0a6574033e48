package filter

import (
	"path/filepath"

	"github.com/dyluth/linker/pkg/blackboard"
)

// Criteria defines filtering criteria for link events.
// All filters are ANDed together - an event must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	RecordSetGlob    string // Glob over the candidate's record set, empty = no filter
	NewOnly          bool   // Only decisions that started a cluster
}

// Matches returns true if the event matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(event *blackboard.LinkEvent) bool {
	if c.SinceTimestampMs > 0 && event.LinkedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && event.LinkedAtMs > c.UntilTimestampMs {
		return false
	}

	if c.RecordSetGlob != "" {
		matched, err := filepath.Match(c.RecordSetGlob, event.Candidate.RecordSetID)
		if err != nil || !matched {
			return false
		}
	}

	if c.NewOnly && !event.NewCluster {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.RecordSetGlob != "" ||
		c.NewOnly
}
