// Package ids hands out linking ids reserved from the shared id ranges.
//
// Ids are reserved in batches from a rotating window of ranges and parked on a
// pending list in Redis. Consumers pop from that list; a background loop tops it
// up whenever it falls below the low-water mark, so allocation never waits on a
// reservation unless the list is empty.
package ids

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/linker/internal/config"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrRangeExhausted is returned by Refill when every range in the window was
// exhausted and nothing could be reserved.
var ErrRangeExhausted = errors.New("id ranges exhausted")

// popTimeout bounds each blocking pop so cancellation is noticed promptly.
const popTimeout = time.Second

// Options controls reservation and refill behavior.
type Options struct {
	RangesPerRefill int
	BatchSize       int
	LowWaterMark    int
	RefillInterval  time.Duration
	FenceTTL        time.Duration
}

// OptionsFromConfig builds allocator options from the ids and locks sections.
func OptionsFromConfig(ids *config.IDsConfig, locks *config.LocksConfig) Options {
	return Options{
		RangesPerRefill: ids.RangesPerRefill,
		BatchSize:       ids.BatchSize,
		LowWaterMark:    ids.LowWaterMark,
		RefillInterval:  ids.RefillInterval,
		FenceTTL:        locks.FenceTTL,
	}
}

// Allocator mints linking ids. Safe for concurrent use; any number of
// allocators, in any number of processes, may share one Redis instance.
type Allocator struct {
	client  *blackboard.Client
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	nudge   chan struct{}
	returns sync.WaitGroup
}

// NewAllocator creates an allocator. Call Run to start the refill loop.
func NewAllocator(client *blackboard.Client, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Allocator {
	return &Allocator{
		client:  client,
		opts:    opts,
		logger:  logger.WithField("component", "ids"),
		metrics: m,
		nudge:   make(chan struct{}, 1),
	}
}

// Run keeps the pending list above the low-water mark until ctx is cancelled.
// It refills immediately, then on every tick and whenever a consumer finds the
// list drained.
func (a *Allocator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.RefillInterval)
	defer ticker.Stop()

	a.refillAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			a.returns.Wait()
			return ctx.Err()
		case <-ticker.C:
			a.refillAndLog(ctx)
		case <-a.nudge:
			a.refillAndLog(ctx)
		}
	}
}

func (a *Allocator) refillAndLog(ctx context.Context) {
	added, err := a.Refill(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.WithField("action", "refill").WithError(err).Error("Failed to refill linking ids")
		}
		return
	}
	if added > 0 {
		a.logger.WithFields(logrus.Fields{"action": "refill", "added": added}).Debug("Refilled linking ids")
	}
}

// Refill reserves a new batch of ids if the pending list is below the low-water
// mark. Returns the number of ids added. Refills are serialized across processes
// by the id fence; if another process holds it this call adds nothing.
func (a *Allocator) Refill(ctx context.Context) (int, error) {
	low, err := a.belowLowWater(ctx)
	if err != nil || !low {
		return 0, err
	}

	token := uuid.NewString()
	acquired, err := a.client.AcquireIDFence(ctx, token, a.opts.FenceTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := a.client.ReleaseIDFence(context.Background(), token); err != nil {
			a.logger.WithError(err).Warn("Failed to release id fence")
		}
	}()

	// Another process may have refilled between the check and the fence
	if low, err = a.belowLowWater(ctx); err != nil || !low {
		return 0, err
	}

	reserved, exhausted, err := a.client.ReserveIDs(ctx, a.opts.RangesPerRefill, a.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	a.metrics.AddIDReservation(len(reserved), exhausted)
	if exhausted > 0 {
		a.logger.WithFields(logrus.Fields{"action": "refill", "exhausted_ranges": exhausted}).Warn("Skipped exhausted id ranges")
	}
	if len(reserved) == 0 {
		return 0, ErrRangeExhausted
	}

	if err := a.client.PushPendingIDs(ctx, reserved, false); err != nil {
		return 0, err
	}
	return len(reserved), nil
}

func (a *Allocator) belowLowWater(ctx context.Context) (bool, error) {
	pending, err := a.client.PendingIDCount(ctx)
	if err != nil {
		return false, err
	}
	return pending < int64(a.opts.LowWaterMark), nil
}

// NextID blocks until an id is available or ctx ends.
func (a *Allocator) NextID(ctx context.Context) (blackboard.LinkingID, error) {
	for {
		a.requestRefill()

		id, err := a.client.PopPendingID(ctx, popTimeout)
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !blackboard.IsNotFound(err) {
			return 0, fmt.Errorf("failed to allocate linking id: %w", err)
		}
	}
}

// NextIDs returns n distinct ids.
func (a *Allocator) NextIDs(ctx context.Context, n int) ([]blackboard.LinkingID, error) {
	out := make([]blackboard.LinkingID, 0, n)
	for len(out) < n {
		id, err := a.NextID(ctx)
		if err != nil {
			a.ReturnIDs(out)
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// ReturnID puts an unused id back so it is handed out next. The push happens
// asynchronously; Run waits for outstanding returns before exiting.
func (a *Allocator) ReturnID(id blackboard.LinkingID) {
	a.ReturnIDs([]blackboard.LinkingID{id})
}

// ReturnIDs puts several unused ids back.
func (a *Allocator) ReturnIDs(ids []blackboard.LinkingID) {
	if len(ids) == 0 {
		return
	}
	a.returns.Add(1)
	go func() {
		defer a.returns.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.client.PushPendingIDs(ctx, ids, true); err != nil {
			a.logger.WithError(err).WithField("count", len(ids)).Warn("Failed to return unused linking ids")
		}
	}()
}

// WaitReturns blocks until every ReturnID push has completed.
func (a *Allocator) WaitReturns() {
	a.returns.Wait()
}

func (a *Allocator) requestRefill() {
	select {
	case a.nudge <- struct{}{}:
	default:
	}
}
