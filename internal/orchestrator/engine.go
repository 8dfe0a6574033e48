// Package orchestrator drives continuous linking: it drains the candidate
// queue, leases each candidate and runs the linking pipeline on a bounded
// number of concurrent workers.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/linker/internal/config"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/sirupsen/logrus"
)

// pollTimeout bounds each blocking pop so cancellation is noticed promptly.
const pollTimeout = time.Second

// Options controls the dispatcher.
type Options struct {
	Enabled      bool
	Parallelism  int           // Up to 2 × Parallelism candidates are linked at once
	BatchTimeout time.Duration // Lease TTL, and the time budget of one Link
}

// OptionsFromConfig builds engine options from the linking section.
func OptionsFromConfig(linking *config.LinkingConfig) Options {
	return Options{
		Enabled:      *linking.BackgroundLinkingEnabled,
		Parallelism:  linking.Parallelism,
		BatchTimeout: linking.BatchTimeout,
	}
}

// Engine is the linking orchestrator.
type Engine struct {
	client  *blackboard.Client
	linker  *Linker
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	pool    *workerPool
}

// NewEngine creates an engine.
func NewEngine(client *blackboard.Client, linker *Linker, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Engine {
	logger = logger.WithField("component", "orchestrator")
	return &Engine{
		client:  client,
		linker:  linker,
		opts:    opts,
		logger:  logger,
		metrics: m,
		pool:    newWorkerPool(2*opts.Parallelism, logger),
	}
}

// Run pops candidates and links them until ctx is cancelled, then waits for
// in-flight workers to finish. With background linking disabled it only waits
// for ctx.
func (e *Engine) Run(ctx context.Context) error {
	if !e.opts.Enabled {
		e.logger.Info("Background linking is disabled")
		<-ctx.Done()
		return nil
	}

	e.logger.WithField("workers", 2*e.opts.Parallelism).Info("Linking orchestrator started")
	defer e.pool.wait()

	for {
		// Take a permit before popping so a popped candidate always has a worker
		if err := e.pool.acquire(ctx); err != nil {
			e.logger.Info("Linking orchestrator shutting down")
			return nil
		}

		candidate, err := e.client.PopCandidate(ctx, pollTimeout)
		if err != nil {
			e.pool.release()
			if ctx.Err() != nil {
				e.logger.Info("Linking orchestrator shutting down")
				return nil
			}
			if !blackboard.IsNotFound(err) {
				e.logger.WithError(err).Error("Failed to pop candidate")
				select {
				case <-ctx.Done():
				case <-time.After(pollTimeout):
				}
			}
			continue
		}

		e.pool.spawn(candidate, func() error {
			return e.process(ctx, candidate)
		})
	}
}

// process leases and links one candidate. A candidate leased elsewhere is
// skipped; it stays flagged and will be enqueued again by a later scan.
func (e *Engine) process(ctx context.Context, candidate blackboard.RecordKey) error {
	holder := newLeaseHolder()
	leased, err := e.client.TryLease(ctx, candidate, holder, e.opts.BatchTimeout)
	if err != nil {
		e.metrics.IncrementOutcome(metrics.OutcomeFailed)
		return fmt.Errorf("failed to lease %s: %w", candidate, err)
	}
	if !leased {
		e.metrics.IncrementOutcome(metrics.OutcomeSkipped)
		e.logger.WithField("candidate", candidate.String()).Info("Candidate is being linked elsewhere, skipping")
		return nil
	}
	defer func() {
		if _, err := e.client.ReleaseLease(context.Background(), candidate, holder); err != nil {
			e.logger.WithError(err).WithField("candidate", candidate.String()).Warn("Failed to release lease")
		}
	}()

	linkCtx, cancel := context.WithTimeout(ctx, e.opts.BatchTimeout)
	defer cancel()

	if _, err := e.linker.Link(linkCtx, candidate); err != nil {
		e.metrics.IncrementOutcome(metrics.OutcomeFailed)
		return err
	}
	return nil
}

// InFlight returns the number of candidates being linked right now.
func (e *Engine) InFlight() int64 {
	return e.pool.inFlight()
}
