// Package clusterer scores how well a candidate record fits an existing cluster.
package clusterer

import (
	"context"
	"fmt"

	"github.com/dyluth/linker/pkg/blackboard"
)

// Matcher scores every pair of a block.
type Matcher interface {
	Match(ctx context.Context, block *blackboard.Block) (*blackboard.PairwiseMatch, error)
}

// PropertyStore loads record properties in bulk.
type PropertyStore interface {
	GetPropertiesMany(ctx context.Context, keys []blackboard.RecordKey) (map[blackboard.RecordKey]blackboard.Properties, error)
}

// ClusterScore is the result of merging a candidate into one cluster.
type ClusterScore struct {
	ClusterID blackboard.LinkingID
	Score     float64 // Lowest pairwise score of the merged graph
	Graph     blackboard.Graph
}

// Clusterer merges candidates into clusters and scores the result.
type Clusterer struct {
	matcher Matcher
	store   PropertyStore
}

// New creates a clusterer.
func New(matcher Matcher, store PropertyStore) *Clusterer {
	return &Clusterer{matcher: matcher, store: store}
}

// Cluster rescores the cluster with the candidate added: every member of the
// existing graph plus the candidate is matched against every other.
func (c *Clusterer) Cluster(ctx context.Context, candidate blackboard.RecordKey, candidateProps blackboard.Properties, cluster blackboard.KeyedCluster) (*ClusterScore, error) {
	members := cluster.Graph.Keys()

	props, err := c.store.GetPropertiesMany(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("failed to load members of cluster %s: %w", cluster.ID, err)
	}

	block := &blackboard.Block{
		Center:   candidate,
		Entities: make(map[blackboard.RecordKey]blackboard.Properties, len(members)+1),
	}
	for _, k := range members {
		p, ok := props[k]
		if !ok {
			// Deleted records still take part with an empty property bag
			p = blackboard.Properties{}
		}
		block.Entities[k] = p
	}
	block.Entities[candidate] = candidateProps

	merged, err := c.matcher.Match(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("failed to match cluster %s: %w", cluster.ID, err)
	}

	return &ClusterScore{
		ClusterID: cluster.ID,
		Score:     merged.Matches.MinScore(),
		Graph:     merged.Matches,
	}, nil
}

// Select picks the best of the scored clusters. Scores are compared in the
// order given; a cluster wins only with a score strictly above both the minimum
// and every earlier cluster's score. Returns nil when no cluster qualifies.
func Select(scores []*ClusterScore, minimum float64) *ClusterScore {
	var best *ClusterScore
	for _, s := range scores {
		if s.Score <= minimum {
			continue
		}
		if best == nil || s.Score > best.Score {
			best = s
		}
	}
	return best
}
