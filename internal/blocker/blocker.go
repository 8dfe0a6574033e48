// Package blocker finds the neighborhood of records worth scoring against a candidate.
package blocker

import (
	"context"
	"fmt"
	"sort"

	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/sirupsen/logrus"
)

// Blocker returns a block centered on a candidate: the candidate's own
// properties plus those of a bounded set of plausible matches.
type Blocker interface {
	Block(ctx context.Context, candidate blackboard.RecordKey) (*blackboard.Block, error)
}

// IndexBlocker blocks on the inverted index maintained by PutRecord. Neighbors
// are ranked by how many normalized attribute values they share with the
// candidate, ties broken by record key. Records the candidate was judged not to
// match are never returned.
type IndexBlocker struct {
	client     *blackboard.Client
	attributes []string
	blockSize  int
	logger     logrus.FieldLogger
}

// NewIndexBlocker creates a blocker over the given blocking attributes, returning at
// most blockSize neighbors.
func NewIndexBlocker(client *blackboard.Client, attributes []string, blockSize int, logger logrus.FieldLogger) *IndexBlocker {
	return &IndexBlocker{
		client:     client,
		attributes: attributes,
		blockSize:  blockSize,
		logger:     logger.WithField("component", "blocker"),
	}
}

// Block implements Blocker. An unknown candidate is an error; a candidate with no
// neighbors yields a singleton block.
func (b *IndexBlocker) Block(ctx context.Context, candidate blackboard.RecordKey) (*blackboard.Block, error) {
	props, err := b.client.GetProperties(ctx, candidate)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return nil, fmt.Errorf("candidate %s does not exist", candidate)
		}
		return nil, err
	}

	excluded, err := b.client.FeedbackFor(ctx, candidate, false)
	if err != nil {
		return nil, err
	}
	skip := make(map[blackboard.RecordKey]bool, len(excluded)+1)
	skip[candidate] = true
	for _, k := range excluded {
		skip[k] = true
	}

	shared := make(map[blackboard.RecordKey]int)
	for _, attr := range b.attributes {
		for _, token := range tokens(props[attr]) {
			members, err := b.client.IndexMembers(ctx, attr, token)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if !skip[m] {
					shared[m]++
				}
			}
		}
	}

	neighbors := rank(shared, b.blockSize)
	entities, err := b.client.GetPropertiesMany(ctx, neighbors)
	if err != nil {
		return nil, err
	}
	entities[candidate] = props

	b.logger.WithFields(logrus.Fields{
		"action":    "block",
		"candidate": candidate.String(),
		"matched":   len(shared),
		"returned":  len(entities) - 1,
	}).Debug("Blocked candidate")

	return &blackboard.Block{Center: candidate, Entities: entities}, nil
}

// tokens returns the distinct non-empty index tokens of values.
func tokens(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		t := blackboard.IndexToken(v)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// rank orders records by shared token count (desc), then key (asc), keeping at most limit.
func rank(shared map[blackboard.RecordKey]int, limit int) []blackboard.RecordKey {
	keys := make([]blackboard.RecordKey, 0, len(shared))
	for k := range shared {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if shared[keys[i]] != shared[keys[j]] {
			return shared[keys[i]] > shared[keys[j]]
		}
		return keys[i].Less(keys[j])
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
