// Package inspect renders clusters and linking state for linkctl.
package inspect

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dyluth/linker/pkg/blackboard"
)

// OutputFormat specifies how listings are written.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated member lists
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs one complete summary per line
	OutputFormatJSONL OutputFormat = "jsonl"
)

// listBatch bounds how many cluster graphs one MGET reads.
const listBatch = 100

// ListFilter narrows the cluster listing. All filters are ANDed together.
type ListFilter struct {
	RecordSetGlob string // Keep clusters with at least one member in a matching set
	MinMembers    int    // Keep clusters with at least this many members
}

func (f *ListFilter) matches(s ClusterSummary) bool {
	if f == nil {
		return true
	}
	if len(s.Members) < f.MinMembers {
		return false
	}
	if f.RecordSetGlob == "" {
		return true
	}
	for _, m := range s.Members {
		if ok, err := filepath.Match(f.RecordSetGlob, m.RecordSetID); err == nil && ok {
			return true
		}
	}
	return false
}

// ListClusters writes every stored cluster, ascending by linking id.
func ListClusters(ctx context.Context, client *blackboard.Client, format OutputFormat, filter *ListFilter, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSONL {
		return fmt.Errorf("unknown output format: %s", format)
	}

	ids, err := client.ListClusterIDs(ctx)
	if err != nil {
		return err
	}

	var summaries []ClusterSummary
	for start := 0; start < len(ids); start += listBatch {
		end := min(start+listBatch, len(ids))
		clusters, err := client.GetClusters(ctx, ids[start:end])
		if err != nil {
			return err
		}
		for _, c := range clusters {
			// Emptied between the scan and the read
			if len(c.Graph) == 0 {
				continue
			}
			if s := Summarize(c); filter.matches(s) {
				summaries = append(summaries, s)
			}
		}
	}

	if format == OutputFormatJSONL {
		return FormatJSONL(w, summaries)
	}
	FormatTable(w, summaries, client.InstanceName())
	return nil
}

// ListPending writes the records of a set that are waiting to be linked,
// flagged within [sinceMs, untilMs].
func ListPending(ctx context.Context, client *blackboard.Client, recordSetID string, sinceMs, untilMs int64, limit int, format OutputFormat, w io.Writer) error {
	pending, err := client.RecordsFlaggedBetween(ctx, recordSetID, sinceMs, untilMs, limit)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatDefault:
		FormatPendingTable(w, recordSetID, pending)
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, pending)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
