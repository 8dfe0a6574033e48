// Package matcher scores how likely pairs of records describe the same entity.
package matcher

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/sirupsen/logrus"
)

// FallbackScore is used for every row of a scoring call that failed twice.
// It is the worst case: a fallback can never cause a merge.
const FallbackScore = 0.0

type modelBox struct {
	model Model
}

// Matcher scores blocks with the current model. The model can be swapped at any
// time; each call scores with the model that was current when it started.
type Matcher struct {
	model     atomic.Pointer[modelBox]
	extractor *Extractor
	threshold float64
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
}

// New creates a matcher. threshold is the acceptance threshold Initialize trims at.
func New(model Model, extractor *Extractor, threshold float64, logger logrus.FieldLogger, m *metrics.Metrics) *Matcher {
	matcher := &Matcher{
		extractor: extractor,
		threshold: threshold,
		logger:    logger.WithField("component", "matcher"),
		metrics:   m,
	}
	matcher.UpdateMatchingModel(model)
	return matcher
}

// UpdateMatchingModel installs a new model for subsequent calls.
func (m *Matcher) UpdateMatchingModel(model Model) {
	m.model.Store(&modelBox{model: model})
}

// ExtractFeatures returns the feature vector of (lhs, rhs).
func (m *Matcher) ExtractFeatures(lhs, rhs blackboard.Properties) []float64 {
	return m.extractor.Extract(lhs, rhs)
}

// Initialize scores the center of the block against every member, itself
// included, and keeps only the center edges scoring above the acceptance threshold.
func (m *Matcher) Initialize(ctx context.Context, block *blackboard.Block) (*blackboard.PairwiseMatch, error) {
	start := time.Now()
	defer func() { m.metrics.ObserveStage(metrics.StageMatcherInitialize, time.Since(start)) }()

	if err := block.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := m.model.Load().model
	center := block.Entities[block.Center]
	keys := block.Keys()

	features := make([][]float64, len(keys))
	for i, k := range keys {
		features[i] = m.extractor.Extract(center, block.Entities[k])
	}
	scores := m.score(model, features)

	matches := blackboard.Graph{}
	for i, k := range keys {
		matches.Set(block.Center, k, scores[i])
	}
	result := &blackboard.PairwiseMatch{Center: block.Center, Matches: matches}
	m.TrimAndMerge(result)

	m.logger.WithFields(logrus.Fields{
		"action":     "initialize",
		"candidate":  block.Center.String(),
		"block_size": len(keys),
		"kept":       len(result.Matches[block.Center]),
	}).Debug("Initialized block")
	return result, nil
}

// TrimAndMerge drops every center edge scoring at or below the acceptance threshold.
func (m *Matcher) TrimAndMerge(match *blackboard.PairwiseMatch) {
	row := match.Matches[match.Center]
	for k, score := range row {
		if score <= m.threshold {
			delete(row, k)
		}
	}
	if len(row) == 0 {
		delete(match.Matches, match.Center)
	}
}

// Match scores every ordered pair of block members, self pairs included.
func (m *Matcher) Match(ctx context.Context, block *blackboard.Block) (*blackboard.PairwiseMatch, error) {
	start := time.Now()
	defer func() { m.metrics.ObserveStage(metrics.StageMatcherMatch, time.Since(start)) }()

	if err := block.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := m.model.Load().model
	keys := block.Keys()

	type pair struct{ lhs, rhs blackboard.RecordKey }
	pairs := make([]pair, 0, len(keys)*len(keys))
	features := make([][]float64, 0, len(keys)*len(keys))
	for _, lhs := range keys {
		for _, rhs := range keys {
			pairs = append(pairs, pair{lhs, rhs})
			features = append(features, m.extractor.Extract(block.Entities[lhs], block.Entities[rhs]))
		}
	}
	scores := m.score(model, features)

	matches := blackboard.Graph{}
	for i, p := range pairs {
		matches.Set(p.lhs, p.rhs, scores[i])
	}

	m.logger.WithFields(logrus.Fields{
		"action":     "match",
		"candidate":  block.Center.String(),
		"block_size": len(keys),
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("Matched block")
	return &blackboard.PairwiseMatch{Center: block.Center, Matches: matches}, nil
}

// score runs the model with one retry. If both attempts fail every row gets
// FallbackScore. Scores are clamped into [0,1].
func (m *Matcher) score(model Model, features [][]float64) []float64 {
	scores, err := backoff.RetryWithData(func() ([]float64, error) {
		return scoreOnce(model, features)
	}, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1))
	if err != nil {
		m.metrics.IncrementScoringFallback()
		m.logger.WithError(err).WithField("rows", len(features)).Error("Failed to compute model score twice, using fallback score")
		scores = make([]float64, len(features))
		for i := range scores {
			scores[i] = FallbackScore
		}
		return scores
	}

	for i, s := range scores {
		scores[i] = clamp(s)
	}
	return scores
}

func scoreOnce(model Model, features [][]float64) (scores []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()

	scores, err = model.Score(features)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(features) {
		return nil, fmt.Errorf("model returned %d scores for %d rows", len(scores), len(features))
	}
	return scores, nil
}

func clamp(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
