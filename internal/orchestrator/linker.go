package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/linker/internal/blocker"
	"github.com/dyluth/linker/internal/clusterer"
	"github.com/dyluth/linker/internal/clusterstore"
	"github.com/dyluth/linker/internal/matcher"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/sirupsen/logrus"
)

// IDSource mints linking ids for new clusters.
type IDSource interface {
	NextID(ctx context.Context) (blackboard.LinkingID, error)
	ReturnID(id blackboard.LinkingID)
}

// Linker runs the linking pipeline for one candidate at a time. It holds no
// per-candidate state and is safe for concurrent use.
type Linker struct {
	client       *blackboard.Client
	blocker      blocker.Blocker
	matcher      *matcher.Matcher
	clusterer    *clusterer.Clusterer
	store        *clusterstore.Store
	ids          IDSource
	minimumScore float64
	logger       logrus.FieldLogger
	metrics      *metrics.Metrics
}

// LinkerDeps bundles the pipeline stages a Linker drives.
type LinkerDeps struct {
	Client    *blackboard.Client
	Blocker   blocker.Blocker
	Matcher   *matcher.Matcher
	Clusterer *clusterer.Clusterer
	Store     *clusterstore.Store
	IDs       IDSource
}

// NewLinker creates a linker. minimumScore is the score a cluster must exceed
// to absorb a candidate.
func NewLinker(deps LinkerDeps, minimumScore float64, logger logrus.FieldLogger, m *metrics.Metrics) *Linker {
	return &Linker{
		client:       deps.Client,
		blocker:      deps.Blocker,
		matcher:      deps.Matcher,
		clusterer:    deps.Clusterer,
		store:        deps.Store,
		ids:          deps.IDs,
		minimumScore: minimumScore,
		logger:       logger.WithField("component", "linker"),
		metrics:      m,
	}
}

// Link (re)links one candidate: its old edges are cleared, its neighborhood is
// scored, and it joins the best qualifying cluster or starts a new one.
// Linking the same unchanged candidate twice yields the same cluster.
func (l *Linker) Link(ctx context.Context, candidate blackboard.RecordKey) (*clusterstore.Decision, error) {
	start := time.Now()
	defer func() { l.metrics.ObserveStage(metrics.StageLinking, time.Since(start)) }()

	// Read before any properties: a write landing after this raises the flag
	// past it and survives the commit.
	flag, err := l.client.LinkingFlag(ctx, candidate)
	if err != nil {
		return nil, err
	}

	positive, err := l.client.FeedbackFor(ctx, candidate, true)
	if err != nil {
		return nil, err
	}
	pairs := make([]blackboard.Pair, len(positive))
	for i, k := range positive {
		pairs[i] = blackboard.NewPair(candidate, k)
	}

	var neighborhood *clusterstore.Neighborhood
	err = l.metrics.Time(metrics.StageClearNeighborhood, func() (err error) {
		neighborhood, err = l.store.DeleteNeighborhood(ctx, candidate, pairs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clear neighborhood: %w", err)
	}

	var block *blackboard.Block
	err = l.metrics.Time(metrics.StageBlocking, func() (err error) {
		block, err = l.blocker.Block(ctx, candidate)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to block: %w", err)
	}

	initial, err := l.matcher.Initialize(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	related := initial.Matches.Keys()

	decide := &decider{
		linker:       l,
		candidate:    candidate,
		props:        block.Entities[candidate],
		neighborhood: neighborhood,
	}
	decision, err := l.store.LockClustersDoWorkAndCommit(ctx, candidate, flag, related, decide.decide)
	if err != nil {
		if decide.minted != 0 {
			l.ids.ReturnID(decide.minted)
		}
		return nil, err
	}

	outcome := metrics.OutcomeMerged
	if decision.IsNew {
		outcome = metrics.OutcomeNew
	}
	l.metrics.IncrementOutcome(outcome)

	l.logger.WithFields(logrus.Fields{
		"action":      "link",
		"candidate":   candidate.String(),
		"linking_id":  decision.ID.String(),
		"new_cluster": decision.IsNew,
		"score":       decision.Score,
		"block_size":  len(block.Entities),
		"related":     len(related),
		"latency_ms":  time.Since(start).Milliseconds(),
	}).Info("Linked candidate")
	return decision, nil
}

// decider chooses the cluster for one candidate while its clusters are locked.
type decider struct {
	linker       *Linker
	candidate    blackboard.RecordKey
	props        blackboard.Properties
	neighborhood *clusterstore.Neighborhood

	// minted is set once a fresh id has been taken from the allocator
	minted blackboard.LinkingID
}

func (d *decider) decide(ctx context.Context, clusters []blackboard.KeyedCluster) (*clusterstore.Decision, error) {
	start := time.Now()
	defer func() { d.linker.metrics.ObserveStage(metrics.StageClustering, time.Since(start)) }()

	// Positive feedback kept the candidate in its old cluster: it stays there
	if d.neighborhood.Retained {
		for _, c := range clusters {
			if c.ID == d.neighborhood.Previous {
				scored, err := d.linker.clusterer.Cluster(ctx, d.candidate, d.props, c)
				if err != nil {
					return nil, err
				}
				return &clusterstore.Decision{ID: c.ID, Graph: scored.Graph, Score: scored.Score}, nil
			}
		}
	}

	scores := make([]*clusterer.ClusterScore, 0, len(clusters))
	for _, c := range clusters {
		if len(c.Graph) == 0 {
			continue
		}
		scored, err := d.linker.clusterer.Cluster(ctx, d.candidate, d.props, c)
		if err != nil {
			return nil, err
		}
		scores = append(scores, scored)
	}
	if best := clusterer.Select(scores, d.linker.minimumScore); best != nil {
		return &clusterstore.Decision{ID: best.ClusterID, Graph: best.Graph, Score: best.Score}, nil
	}

	return d.newCluster(ctx)
}

func (d *decider) newCluster(ctx context.Context) (*clusterstore.Decision, error) {
	singleton := &blackboard.Block{
		Center:   d.candidate,
		Entities: map[blackboard.RecordKey]blackboard.Properties{d.candidate: d.props},
	}
	scored, err := d.linker.matcher.Match(ctx, singleton)
	if err != nil {
		return nil, err
	}

	// Reusing the id of the cluster the candidate alone occupied keeps relinking stable
	id := d.neighborhood.Previous
	if !d.neighborhood.Vacated || id == 0 {
		if d.minted == 0 {
			if d.minted, err = d.linker.ids.NextID(ctx); err != nil {
				return nil, fmt.Errorf("failed to mint linking id: %w", err)
			}
		}
		id = d.minted
	}

	return &clusterstore.Decision{
		ID:    id,
		Graph: scored.Matches,
		IsNew: true,
		Score: scored.Matches.MinScore(),
	}, nil
}
