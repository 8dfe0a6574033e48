package filter

import (
	"testing"

	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/stretchr/testify/assert"
)

func TestCriteriaMatches(t *testing.T) {
	event := &blackboard.LinkEvent{
		Candidate:  blackboard.RecordKey{RecordSetID: "clinic-east", RecordID: "r1"},
		LinkingID:  7,
		NewCluster: false,
		LinkedAtMs: 5000,
	}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"empty criteria match everything", Criteria{}, true},
		{"inside time window", Criteria{SinceTimestampMs: 4000, UntilTimestampMs: 6000}, true},
		{"before since", Criteria{SinceTimestampMs: 5001}, false},
		{"after until", Criteria{UntilTimestampMs: 4999}, false},
		{"record set glob", Criteria{RecordSetGlob: "clinic-*"}, true},
		{"record set glob mismatch", Criteria{RecordSetGlob: "lab-*"}, false},
		{"malformed glob never matches", Criteria{RecordSetGlob: "[clinic"}, false},
		{"new only rejects merges", Criteria{NewOnly: true}, false},
		{"all criteria ANDed", Criteria{SinceTimestampMs: 1, RecordSetGlob: "clinic-east"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(event))
		})
	}

	t.Run("new only accepts new clusters", func(t *testing.T) {
		fresh := *event
		fresh.NewCluster = true
		assert.True(t, (&Criteria{NewOnly: true}).Matches(&fresh))
	})
}

func TestCriteriaHasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{NewOnly: true}).HasFilters())
	assert.True(t, (&Criteria{RecordSetGlob: "*"}).HasFilters())
	assert.True(t, (&Criteria{UntilTimestampMs: 1}).HasFilters())
}
