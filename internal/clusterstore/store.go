// Package clusterstore serializes every change to cluster membership.
//
// A linking decision locks all clusters containing any record it looked at,
// decides, then commits the winning graph and releases the locks in one atomic
// step. Lock acquisition is all-or-nothing behind a short global fence, so two
// workers never hold overlapping cluster sets and never deadlock.
package clusterstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/linker/internal/config"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLockTimeout is returned when the cluster locks could not be taken within lock_wait.
	ErrLockTimeout = errors.New("timed out acquiring cluster locks")
	// ErrLockLost is returned when a lock expired before the commit; nothing was written.
	ErrLockLost = errors.New("cluster lock lost before commit")

	errContended = errors.New("cluster locks contended")
	errMoved     = errors.New("cluster membership changed while locking")
)

// Options controls lock timing.
type Options struct {
	LockTTL  time.Duration
	FenceTTL time.Duration
	LockWait time.Duration
}

// OptionsFromConfig builds store options from the locks section.
func OptionsFromConfig(locks *config.LocksConfig) Options {
	return Options{
		LockTTL:  locks.ClusterLockTTL,
		FenceTTL: locks.FenceTTL,
		LockWait: locks.LockWait,
	}
}

// Decision is the outcome of a locked linking step.
type Decision struct {
	ID    blackboard.LinkingID
	Graph blackboard.Graph
	IsNew bool
	Score float64
}

// DecisionFunc chooses the cluster a candidate joins. It receives the locked
// clusters in ascending id order and must return one of their ids, or a fresh
// id with IsNew set.
type DecisionFunc func(ctx context.Context, clusters []blackboard.KeyedCluster) (*Decision, error)

// Neighborhood reports what DeleteNeighborhood changed.
type Neighborhood struct {
	Previous blackboard.LinkingID // Cluster the candidate belonged to, zero if none
	Removed  int                  // Edges removed
	Retained bool                 // Candidate is still linked through positive feedback
	Vacated  bool                 // Previous cluster has no members left
}

// Store is the lock coordinator in front of the cluster keys.
type Store struct {
	client  *blackboard.Client
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// New creates a store.
func New(client *blackboard.Client, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Store {
	return &Store{
		client:  client,
		opts:    opts,
		logger:  logger.WithField("component", "clusterstore"),
		metrics: m,
	}
}

// ClusterIDsContaining returns the ids of the clusters containing any of keys, ascending.
func (s *Store) ClusterIDsContaining(ctx context.Context, keys []blackboard.RecordKey) ([]blackboard.LinkingID, error) {
	return s.client.ClusterIDsFor(ctx, keys)
}

// LoadCluster returns the graph of one cluster. Missing clusters are empty.
func (s *Store) LoadCluster(ctx context.Context, id blackboard.LinkingID) (blackboard.Graph, error) {
	return s.client.GetCluster(ctx, id)
}

// LinkingIDOf returns the cluster a record belongs to. Returns redis.Nil if unlinked.
func (s *Store) LinkingIDOf(ctx context.Context, key blackboard.RecordKey) (blackboard.LinkingID, error) {
	return s.client.LinkingIDOf(ctx, key)
}

// LockClustersDoWorkAndCommit locks every cluster containing candidate or any of
// related, lets decide choose the outcome, and commits it. The commit clears the
// candidate's needs-linking flag if it is no later than flag, the score read
// before the candidate's properties were, and a LinkEvent is published.
func (s *Store) LockClustersDoWorkAndCommit(ctx context.Context, candidate blackboard.RecordKey, flag int64, related []blackboard.RecordKey, decide DecisionFunc) (*Decision, error) {
	keys := withCandidate(candidate, related)

	ids, token, err := s.lock(ctx, keys)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			s.release(ids, token)
		}
	}()

	clusters, err := s.client.GetClusters(ctx, ids)
	if err != nil {
		return nil, err
	}

	decision, err := decide(ctx, clusters)
	if err != nil {
		return nil, fmt.Errorf("linking decision for %s failed: %w", candidate, err)
	}
	if err := validate(decision, ids); err != nil {
		return nil, err
	}

	err = s.client.CommitCluster(ctx, blackboard.CommitRequest{
		ID:            decision.ID,
		Graph:         decision.Graph,
		Locked:        ids,
		Token:         token,
		Candidate:     &candidate,
		CandidateFlag: flag,
	})
	if errors.Is(err, blackboard.ErrLocksNotHeld) {
		return nil, fmt.Errorf("%w: linking %s into %s", ErrLockLost, candidate, decision.ID)
	}
	if err != nil {
		return nil, err
	}
	committed = true

	s.publish(ctx, candidate, decision)
	return decision, nil
}

// DeleteNeighborhood removes every edge touching candidate from its current
// cluster, except edges between pairs with positive feedback. A candidate left
// with no edges loses its membership. Calling it again changes nothing.
func (s *Store) DeleteNeighborhood(ctx context.Context, candidate blackboard.RecordKey, positive []blackboard.Pair) (*Neighborhood, error) {
	ids, token, err := s.lock(ctx, []blackboard.RecordKey{candidate})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &Neighborhood{}, nil
	}
	committed := false
	defer func() {
		if !committed {
			s.release(ids, token)
		}
	}()

	id := ids[0]
	graph, err := s.client.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &Neighborhood{Previous: id}
	result.Removed = graph.RemoveRecord(candidate, func(lhs, rhs blackboard.RecordKey) bool {
		for _, p := range positive {
			if p.Has(lhs, rhs) {
				return true
			}
		}
		return false
	})
	result.Retained = graph.Contains(candidate)
	result.Vacated = len(graph) == 0
	if result.Removed == 0 {
		return result, nil
	}

	err = s.client.CommitCluster(ctx, blackboard.CommitRequest{
		ID:     id,
		Graph:  graph,
		Locked: ids,
		Token:  token,
	})
	if errors.Is(err, blackboard.ErrLocksNotHeld) {
		return nil, fmt.Errorf("%w: clearing neighborhood of %s", ErrLockLost, candidate)
	}
	if err != nil {
		return nil, err
	}
	committed = true

	s.logger.WithFields(logrus.Fields{
		"action":     "clear_neighborhood",
		"candidate":  candidate.String(),
		"linking_id": id.String(),
		"removed":    result.Removed,
		"retained":   result.Retained,
	}).Debug("Cleared candidate neighborhood")
	return result, nil
}

// lock takes the locks of every cluster containing any of keys. It retries with
// backoff until lock_wait expires, and re-reads the membership after locking so
// the locked set is exactly the set containing keys.
func (s *Store) lock(ctx context.Context, keys []blackboard.RecordKey) ([]blackboard.LinkingID, string, error) {
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = s.opts.LockWait

	ids, err := backoff.RetryWithData(func() ([]blackboard.LinkingID, error) {
		ids, err := s.client.ClusterIDsFor(ctx, keys)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		acquired, err := s.tryLock(ctx, ids, token)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !acquired {
			s.metrics.IncrementLockContention()
			return nil, errContended
		}

		current, err := s.client.ClusterIDsFor(ctx, keys)
		if err != nil {
			s.release(ids, token)
			return nil, backoff.Permanent(err)
		}
		if !sameIDs(ids, current) {
			s.release(ids, token)
			return nil, errMoved
		}
		return ids, nil
	}, backoff.WithContext(b, ctx))

	if errors.Is(err, errContended) || errors.Is(err, errMoved) {
		return nil, "", fmt.Errorf("%w after %s: %v", ErrLockTimeout, s.opts.LockWait, err)
	}
	if err != nil {
		return nil, "", err
	}
	return ids, token, nil
}

// tryLock makes one all-or-nothing attempt under the global fence.
func (s *Store) tryLock(ctx context.Context, ids []blackboard.LinkingID, token string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}

	fenced, err := s.client.AcquireClusterFence(ctx, token, s.opts.FenceTTL)
	if err != nil || !fenced {
		return false, err
	}
	defer func() {
		if err := s.client.ReleaseClusterFence(context.Background(), token); err != nil {
			s.logger.WithError(err).Warn("Failed to release cluster fence")
		}
	}()

	return s.client.AcquireClusterLocks(ctx, ids, token, s.opts.LockTTL)
}

func (s *Store) release(ids []blackboard.LinkingID, token string) {
	if len(ids) == 0 {
		return
	}
	// The caller's ctx may already be done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.client.ReleaseClusterLocks(ctx, ids, token); err != nil {
		s.logger.WithError(err).WithField("clusters", len(ids)).Warn("Failed to release cluster locks")
	}
}

func (s *Store) publish(ctx context.Context, candidate blackboard.RecordKey, d *Decision) {
	event := &blackboard.LinkEvent{
		Candidate:  candidate,
		LinkingID:  d.ID,
		NewCluster: d.IsNew,
		Members:    d.Graph.Keys(),
		Score:      d.Score,
		LinkedAtMs: time.Now().UnixMilli(),
	}
	if err := s.client.PublishLinkEvent(ctx, event); err != nil {
		s.logger.WithError(err).WithField("candidate", candidate.String()).Warn("Failed to publish link event")
	}
}

func validate(d *Decision, locked []blackboard.LinkingID) error {
	if d == nil {
		return fmt.Errorf("linking decision is empty")
	}
	if d.ID == 0 {
		return fmt.Errorf("linking decision has no linking id")
	}
	if d.IsNew {
		return nil
	}
	for _, id := range locked {
		if id == d.ID {
			return nil
		}
	}
	return fmt.Errorf("linking decision chose cluster %s which is not locked", d.ID)
}

func withCandidate(candidate blackboard.RecordKey, related []blackboard.RecordKey) []blackboard.RecordKey {
	keys := make([]blackboard.RecordKey, 0, len(related)+1)
	keys = append(keys, candidate)
	for _, k := range related {
		if k != candidate {
			keys = append(keys, k)
		}
	}
	return keys
}

func sameIDs(a, b []blackboard.LinkingID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
