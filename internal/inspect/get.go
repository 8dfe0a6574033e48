package inspect

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/linker/pkg/blackboard"
)

// Edge is one scored ordered pair of a cluster graph.
type Edge struct {
	LHS   blackboard.RecordKey `json:"lhs"`
	RHS   blackboard.RecordKey `json:"rhs"`
	Score float64              `json:"score"`
}

// ClusterDetail is the full view of one cluster.
type ClusterDetail struct {
	LinkingID string                 `json:"linking_id"`
	Members   []blackboard.RecordKey `json:"members"`
	MinScore  float64                `json:"min_score"`
	Edges     []Edge                 `json:"edges"`
}

// Detail expands a cluster graph into its edges, sorted by (lhs, rhs).
func Detail(c blackboard.KeyedCluster) ClusterDetail {
	d := ClusterDetail{
		LinkingID: c.ID.String(),
		Members:   c.Graph.Keys(),
		MinScore:  c.Graph.MinScore(),
		Edges:     make([]Edge, 0, c.Graph.EdgeCount()),
	}
	for _, lhs := range d.Members {
		row := c.Graph[lhs]
		if len(row) == 0 {
			continue
		}
		rhsKeys := make([]blackboard.RecordKey, 0, len(row))
		for rhs := range row {
			rhsKeys = append(rhsKeys, rhs)
		}
		for _, rhs := range blackboard.SortRecordKeys(rhsKeys) {
			d.Edges = append(d.Edges, Edge{LHS: lhs, RHS: rhs, Score: row[rhs]})
		}
	}
	return d
}

// GetCluster writes one cluster as pretty-printed JSON.
func GetCluster(ctx context.Context, client *blackboard.Client, id blackboard.LinkingID, w io.Writer) error {
	graph, err := client.GetCluster(ctx, id)
	if err != nil {
		return err
	}
	if len(graph) == 0 {
		return &ClusterNotFoundError{LinkingID: id}
	}

	if err := FormatSingleJSON(w, Detail(blackboard.KeyedCluster{ID: id, Graph: graph})); err != nil {
		return fmt.Errorf("failed to format cluster: %w", err)
	}
	return nil
}

// ClusterNotFoundError reports a linking id with no stored cluster.
type ClusterNotFoundError struct {
	LinkingID blackboard.LinkingID
}

func (e *ClusterNotFoundError) Error() string {
	return fmt.Sprintf("cluster with ID '%s' not found", e.LinkingID)
}

// IsNotFound returns true if the error is a ClusterNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*ClusterNotFoundError)
	return ok
}
