package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/linker/pkg/blackboard"
)

// ClusterSummary is one row of the cluster listing.
type ClusterSummary struct {
	LinkingID string                 `json:"linking_id"`
	Members   []blackboard.RecordKey `json:"members"`
	Edges     int                    `json:"edges"`
	MinScore  float64                `json:"min_score"`
}

// Summarize reduces a cluster graph to its listing row.
func Summarize(c blackboard.KeyedCluster) ClusterSummary {
	return ClusterSummary{
		LinkingID: c.ID.String(),
		Members:   c.Graph.Keys(),
		Edges:     c.Graph.EdgeCount(),
		MinScore:  c.Graph.MinScore(),
	}
}

// FormatTable writes cluster summaries as a table and returns the row count.
func FormatTable(w io.Writer, clusters []ClusterSummary, instanceName string) int {
	if len(clusters) == 0 {
		fmt.Fprintf(w, "No clusters found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Clusters for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-16s %-7s %-5s %-6s %s\n", "LINKING ID", "MEMBERS", "EDGES", "SCORE", "RECORDS")
	fmt.Fprintf(w, "%-16s %-7s %-5s %-6s %s\n", strings.Repeat("-", 16), "-------", "-----", "------", strings.Repeat("-", 40))

	for _, c := range clusters {
		fmt.Fprintf(w, "%-16s %-7d %-5d %-6s %s\n",
			c.LinkingID,
			len(c.Members),
			c.Edges,
			formatScore(c.MinScore),
			formatMembers(c.Members),
		)
	}

	noun := "cluster"
	if len(clusters) != 1 {
		noun = "clusters"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(clusters), noun)
	return len(clusters)
}

// FormatPendingTable writes records waiting to be linked as a table.
func FormatPendingTable(w io.Writer, recordSetID string, pending []blackboard.FlaggedRecord) int {
	if len(pending) == 0 {
		fmt.Fprintf(w, "No records of '%s' are waiting to be linked\n", recordSetID)
		return 0
	}

	fmt.Fprintf(w, "%-40s %s\n", "RECORD", "FLAGGED")
	fmt.Fprintf(w, "%-40s %s\n", strings.Repeat("-", 40), "--------")
	for _, p := range pending {
		fmt.Fprintf(w, "%-40s %s\n", truncate(p.Key.String(), 40), formatTimestamp(p.FlaggedAtMs))
	}
	fmt.Fprintf(w, "\n%d waiting\n", len(pending))
	return len(pending)
}

// FormatJSONL writes each item as one compact JSON object per line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as pretty-printed JSON followed by a newline.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// formatMembers lists member keys until the column is full.
func formatMembers(members []blackboard.RecordKey) string {
	if len(members) == 0 {
		return "-"
	}
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = m.String()
	}
	return truncate(strings.Join(parts, ", "), 40)
}

func formatScore(score float64) string {
	return fmt.Sprintf("%.3f", score)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// formatTimestamp shows a millisecond timestamp as a relative age.
func formatTimestamp(timestampMs int64) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := time.Since(time.UnixMilli(timestampMs))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
