package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// workerPool runs linking workers, at most size at a time.
type workerPool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	active atomic.Int64
	logger logrus.FieldLogger
}

func newWorkerPool(size int, logger logrus.FieldLogger) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

// acquire blocks until a worker slot is free or ctx ends.
func (p *workerPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *workerPool) release() {
	p.sem.Release(1)
}

// spawn runs fn on a new worker holding a slot taken by acquire. The slot is
// given back however fn ends; errors and panics are logged, never propagated.
func (p *workerPool) spawn(candidate blackboard.RecordKey, fn func() error) {
	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release()
		defer p.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithFields(logrus.Fields{
					"candidate": candidate.String(),
					"panic":     fmt.Sprint(r),
					"stack":     string(debug.Stack()),
				}).Error("Linking worker panicked")
			}
		}()

		if err := fn(); err != nil {
			p.logger.WithError(err).WithField("candidate", candidate.String()).Error("Failed to link candidate")
		}
	}()
}

// inFlight returns the number of running workers.
func (p *workerPool) inFlight() int64 {
	return p.active.Load()
}

// wait blocks until every spawned worker has returned.
func (p *workerPool) wait() {
	p.wg.Wait()
}

func newLeaseHolder() string {
	return uuid.NewString()
}
