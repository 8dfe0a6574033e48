// Package metrics provides Prometheus observability for the linking pipeline.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages timed by StageLatency.
const (
	StageClearNeighborhood = "clear_neighborhood"
	StageBlocking          = "blocking"
	StageMatcherInitialize = "matcher_initialize"
	StageMatcherMatch      = "matcher_match"
	StageClustering        = "clustering"
	StageLinking           = "linking"
)

// Linking outcomes counted by Outcomes.
const (
	OutcomeMerged  = "merged"
	OutcomeNew     = "new"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics provides observability for the linker. All methods are safe to call
// on a nil *Metrics.
type Metrics struct {
	// Latency of each pipeline stage
	StageLatency *prometheus.HistogramVec

	// Linking outcomes: merged into an existing cluster, new cluster, skipped on lease contention, failed
	Outcomes *prometheus.CounterVec

	// Candidates appended to the work queue by the enqueuer
	Enqueued prometheus.Counter

	// Scoring calls that fell back to the worst-case score
	ScoringFallbacks prometheus.Counter

	// Cluster lock acquisition attempts refused because of contention
	LockContention prometheus.Counter

	// Id reservations and exhausted ranges skipped during refill
	IDsReserved     prometheus.Counter
	RangesExhausted prometheus.Counter

	linked atomic.Int64
}

// New creates a Metrics instance registered on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linker_stage_duration_seconds",
			Help:    "Duration of linking pipeline stages",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),

		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linker_link_outcomes_total",
			Help: "Total linking outcomes by result",
		}, []string{"outcome"}),

		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "linker_candidates_enqueued_total",
			Help: "Total candidates appended to the linking queue",
		}),

		ScoringFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "linker_scoring_fallbacks_total",
			Help: "Total scoring calls that failed twice and used the worst-case score",
		}),

		LockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "linker_cluster_lock_contention_total",
			Help: "Total cluster lock acquisition attempts refused because of contention",
		}),

		IDsReserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "linker_ids_reserved_total",
			Help: "Total linking ids reserved from id ranges",
		}),

		RangesExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "linker_id_ranges_exhausted_total",
			Help: "Total id ranges skipped during refill because they were exhausted",
		}),
	}
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// Time runs fn and records its duration under stage.
func (m *Metrics) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.ObserveStage(stage, time.Since(start))
	return err
}

// IncrementOutcome records a linking outcome. Merged and new outcomes also
// advance the linked count.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
	if outcome == OutcomeMerged || outcome == OutcomeNew {
		m.linked.Add(1)
	}
}

// AddEnqueued records candidates appended to the queue.
func (m *Metrics) AddEnqueued(n int) {
	if m != nil {
		m.Enqueued.Add(float64(n))
	}
}

// IncrementScoringFallback records one worst-case scoring fallback.
func (m *Metrics) IncrementScoringFallback() {
	if m != nil {
		m.ScoringFallbacks.Inc()
	}
}

// IncrementLockContention records one refused cluster lock acquisition.
func (m *Metrics) IncrementLockContention() {
	if m != nil {
		m.LockContention.Inc()
	}
}

// AddIDReservation records one refill.
func (m *Metrics) AddIDReservation(reserved, exhausted int) {
	if m != nil {
		m.IDsReserved.Add(float64(reserved))
		m.RangesExhausted.Add(float64(exhausted))
	}
}

// Linked returns the number of candidates linked since startup.
func (m *Metrics) Linked() int64 {
	if m == nil {
		return 0
	}
	return m.linked.Load()
}
