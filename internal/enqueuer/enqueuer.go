// Package enqueuer periodically moves records flagged for linking onto the work queue.
package enqueuer

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Options controls scanning.
type Options struct {
	Interval  time.Duration
	LoadSize  int      // Each set contributes up to 3 × LoadSize records per scan
	Whitelist []string // Record sets scanned before all others
}

// Enqueuer scans record sets for records needing linking.
type Enqueuer struct {
	client  *blackboard.Client
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// New creates an enqueuer.
func New(client *blackboard.Client, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Enqueuer {
	return &Enqueuer{
		client:  client,
		opts:    opts,
		logger:  logger.WithField("component", "enqueuer"),
		metrics: m,
	}
}

// Run scans immediately and then every interval until ctx is cancelled.
func (e *Enqueuer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.WithField("action", "scan").WithError(err).Error("Candidate scan finished with errors")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce enqueues the oldest flagged records of every eligible record set and
// returns how many were enqueued. It does nothing while the queue still holds work.
//
// Whitelisted sets come first, in whitelist order; whitelisted ids that are
// unknown or not linkable are skipped. Then every other linkable set that is not
// itself a linking output follows, in id order. A failing set does not stop the
// scan; all failures are returned together.
func (e *Enqueuer) ScanOnce(ctx context.Context) (int, error) {
	pending, err := e.client.QueueLength(ctx)
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		e.logger.WithFields(logrus.Fields{"action": "scan", "queued": pending}).Debug("Queue not drained, skipping scan")
		return 0, nil
	}

	sets, result := e.eligibleSets(ctx)

	total := 0
	for _, id := range sets {
		n, err := e.enqueueSet(ctx, id)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("record set %s: %w", id, err))
			continue
		}
		total += n
	}

	e.metrics.AddEnqueued(total)
	e.logger.WithFields(logrus.Fields{
		"action":   "scan",
		"enqueued": total,
		"sets":     len(sets),
		"linked":   e.metrics.Linked(),
	}).Info("Enqueued candidates")
	return total, result.ErrorOrNil()
}

func (e *Enqueuer) eligibleSets(ctx context.Context) ([]string, *multierror.Error) {
	var result *multierror.Error
	seen := make(map[string]bool)
	var sets []string

	for _, id := range e.opts.Whitelist {
		if seen[id] {
			continue
		}
		seen[id] = true

		rs, err := e.client.GetRecordSet(ctx, id)
		if blackboard.IsNotFound(err) {
			e.logger.WithField("record_set", id).Warn("Whitelisted record set does not exist")
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !rs.Linkable {
			e.logger.WithField("record_set", id).Warn("Whitelisted record set is not linkable")
			continue
		}
		sets = append(sets, id)
	}

	ids, err := e.client.ListRecordSetIDs(ctx)
	if err != nil {
		return sets, multierror.Append(result, err)
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		rs, err := e.client.GetRecordSet(ctx, id)
		if err != nil {
			if !blackboard.IsNotFound(err) {
				result = multierror.Append(result, err)
			}
			continue
		}
		if rs.Linkable && !rs.IsLinkingSet {
			sets = append(sets, id)
		}
	}
	return sets, result
}

func (e *Enqueuer) enqueueSet(ctx context.Context, id string) (int, error) {
	keys, err := e.client.RecordsNeedingLinking(ctx, id, 3*e.opts.LoadSize)
	if err != nil {
		return 0, err
	}
	if err := e.client.EnqueueCandidates(ctx, keys); err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		e.logger.WithFields(logrus.Fields{"record_set": id, "enqueued": len(keys)}).Debug("Enqueued record set")
	}
	return len(keys), nil
}
