package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/linker/internal/blocker"
	"github.com/dyluth/linker/internal/clusterer"
	"github.com/dyluth/linker/internal/clusterstore"
	"github.com/dyluth/linker/internal/logging"
	"github.com/dyluth/linker/internal/matcher"
	"github.com/dyluth/linker/internal/metrics"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instance = "test-instance"

var blockingAttributes = []string{"first_name", "last_name", "dob"}

func setupTestClient(t *testing.T) (*blackboard.Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, instance)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func rk(id string) blackboard.RecordKey {
	return blackboard.RecordKey{RecordSetID: "people", RecordID: id}
}

// seqIDs hands out 1, 2, 3, ... and remembers returned ids
type seqIDs struct {
	next     atomic.Uint64
	mu       sync.Mutex
	returned []blackboard.LinkingID
}

func (s *seqIDs) NextID(ctx context.Context) (blackboard.LinkingID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return blackboard.LinkingID(s.next.Add(1)), nil
}

func (s *seqIDs) ReturnID(id blackboard.LinkingID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returned = append(s.returned, id)
}

type fixture struct {
	client  *blackboard.Client
	mr      *miniredis.Miniredis
	ids     *seqIDs
	metrics *metrics.Metrics
	linker  *Linker
}

func newFixture(t *testing.T) *fixture {
	client, mr := setupTestClient(t)
	logger := logging.Discard()
	m := metrics.New(prometheus.NewRegistry())
	ids := &seqIDs{}

	match := matcher.New(matcher.DefaultModel(), matcher.NewExtractor(nil), 0.9, logger, m)
	store := clusterstore.New(client, clusterstore.Options{
		LockTTL:  10 * time.Second,
		FenceTTL: time.Second,
		LockWait: 10 * time.Second,
	}, logger, m)

	linker := NewLinker(LinkerDeps{
		Client:    client,
		Blocker:   blocker.NewIndexBlocker(client, blockingAttributes, 50, logger),
		Matcher:   match,
		Clusterer: clusterer.New(match, client),
		Store:     store,
		IDs:       ids,
	}, 0.75, logger, m)

	return &fixture{client: client, mr: mr, ids: ids, metrics: m, linker: linker}
}

func (f *fixture) put(t *testing.T, id, first, last, dob string) blackboard.RecordKey {
	t.Helper()
	key := rk(id)
	require.NoError(t, f.client.PutRecord(context.Background(), key, blackboard.Properties{
		"first_name": {first},
		"last_name":  {last},
		"dob":        {dob},
	}, blockingAttributes))
	return key
}

func (f *fixture) link(t *testing.T, key blackboard.RecordKey) *clusterstore.Decision {
	t.Helper()
	decision, err := f.linker.Link(context.Background(), key)
	require.NoError(t, err)
	return decision
}

func (f *fixture) linkingID(t *testing.T, key blackboard.RecordKey) blackboard.LinkingID {
	t.Helper()
	id, err := f.client.LinkingIDOf(context.Background(), key)
	require.NoError(t, err, "%s is not linked", key)
	return id
}

func (f *fixture) members(t *testing.T, id blackboard.LinkingID) []blackboard.RecordKey {
	t.Helper()
	members, err := f.client.ClusterMembers(context.Background(), id)
	require.NoError(t, err)
	return members
}

func TestLink_FirstRecordStartsCluster(t *testing.T) {
	f := newFixture(t)
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")

	decision := f.link(t, ada)
	assert.True(t, decision.IsNew)
	assert.Equal(t, blackboard.LinkingID(1), decision.ID)
	assert.Equal(t, []blackboard.RecordKey{ada}, f.members(t, decision.ID))

	flagged, err := f.client.NeedsLinking(context.Background(), ada)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestLink_MatchingRecordJoinsCluster(t *testing.T) {
	f := newFixture(t)
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	first := f.link(t, ada)

	typo := f.put(t, "2", "Ada", "Lovelase", "1815-12-10")
	second := f.link(t, typo)

	assert.False(t, second.IsNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Greater(t, second.Score, 0.75)
	assert.Equal(t, []blackboard.RecordKey{ada, typo}, f.members(t, first.ID))
	assert.Equal(t, int64(2), f.metrics.Linked())
}

func TestLink_DissimilarRecordsStayApart(t *testing.T) {
	f := newFixture(t)
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	byron := f.put(t, "2", "Byron", "Lovelace", "1788-01-22")

	f.link(t, ada)
	decision := f.link(t, byron)

	assert.True(t, decision.IsNew)
	assert.NotEqual(t, f.linkingID(t, ada), f.linkingID(t, byron))
}

func TestLink_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	typo := f.put(t, "2", "Ada", "Lovelase", "1815-12-10")
	grace := f.put(t, "3", "Grace", "Hopper", "1906-12-09")

	for _, k := range []blackboard.RecordKey{ada, typo, grace} {
		f.link(t, k)
	}
	before := map[blackboard.RecordKey]blackboard.LinkingID{}
	for _, k := range []blackboard.RecordKey{ada, typo, grace} {
		before[k] = f.linkingID(t, k)
	}

	// Relinking unchanged records, in any order, moves nothing
	for _, k := range []blackboard.RecordKey{grace, ada, typo, ada, grace} {
		f.link(t, k)
	}
	for k, id := range before {
		assert.Equal(t, id, f.linkingID(t, k), "%s moved", k)
	}
	assert.Equal(t, uint64(2), f.ids.next.Load(), "relinking never mints ids")
}

func TestLink_NegativeFeedbackSeparates(t *testing.T) {
	f := newFixture(t)
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	twin := f.put(t, "2", "Ada", "Lovelace", "1815-12-10")
	require.NoError(t, f.client.AddFeedback(context.Background(), blackboard.Feedback{
		Pair: blackboard.NewPair(ada, twin), Linked: false,
	}))

	f.link(t, ada)
	decision := f.link(t, twin)

	assert.True(t, decision.IsNew)
	assert.NotEqual(t, f.linkingID(t, ada), f.linkingID(t, twin))
}

func TestLink_UpdatedRecordLeavesCluster(t *testing.T) {
	f := newFixture(t)
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	typo := f.put(t, "2", "Ada", "Lovelase", "1815-12-10")
	f.link(t, ada)
	f.link(t, typo)
	shared := f.linkingID(t, ada)

	// The second record turns out to describe someone else
	f.put(t, "2", "Grace", "Hopper", "1906-12-09")
	decision := f.link(t, typo)

	assert.True(t, decision.IsNew)
	assert.Equal(t, []blackboard.RecordKey{ada}, f.members(t, shared))
	assert.Equal(t, []blackboard.RecordKey{typo}, f.members(t, decision.ID))
}

func TestLink_PositiveFeedbackKeepsCandidateLinked(t *testing.T) {
	f := newFixture(t)
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	typo := f.put(t, "2", "Ada", "Lovelase", "1815-12-10")
	f.link(t, ada)
	f.link(t, typo)
	shared := f.linkingID(t, ada)

	require.NoError(t, f.client.AddFeedback(context.Background(), blackboard.Feedback{
		Pair: blackboard.NewPair(ada, typo), Linked: true,
	}))

	// Even after a change that would otherwise split them
	f.put(t, "2", "Ada", "Lovelace-Byron", "1815-12-10")
	decision := f.link(t, typo)

	assert.False(t, decision.IsNew)
	assert.Equal(t, shared, decision.ID)
}

func TestLink_UnknownCandidate(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker.Link(context.Background(), rk("missing"))
	require.Error(t, err)
	assert.Empty(t, f.ids.returned)
}

// rewritingBlocker overwrites the candidate once its block has been read, as an
// ingest landing mid-link would.
type rewritingBlocker struct {
	blocker.Blocker
	client *blackboard.Client
	props  blackboard.Properties
	once   sync.Once
}

func (b *rewritingBlocker) Block(ctx context.Context, candidate blackboard.RecordKey) (*blackboard.Block, error) {
	block, err := b.Blocker.Block(ctx, candidate)
	if err != nil {
		return nil, err
	}
	var putErr error
	b.once.Do(func() {
		putErr = b.client.PutRecord(ctx, candidate, b.props, blockingAttributes)
	})
	return block, putErr
}

func TestLink_RecordRewrittenWhileLinkingStaysFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	typo := f.put(t, "2", "Ada", "Lovelase", "1815-12-10")
	shared := f.link(t, ada).ID

	original := f.linker.blocker
	f.linker.blocker = &rewritingBlocker{
		Blocker: original,
		client:  f.client,
		props: blackboard.Properties{
			"first_name": {"Grace"},
			"last_name":  {"Hopper"},
			"dob":        {"1906-12-09"},
		},
	}

	// Linked from the properties read before the rewrite
	decision := f.link(t, typo)
	assert.Equal(t, shared, decision.ID)

	flagged, err := f.client.NeedsLinking(ctx, typo)
	require.NoError(t, err)
	assert.True(t, flagged, "the rewrite still needs linking")

	f.linker.blocker = original
	decision = f.link(t, typo)
	assert.True(t, decision.IsNew)
	assert.Equal(t, []blackboard.RecordKey{ada}, f.members(t, shared))

	flagged, err = f.client.NeedsLinking(ctx, typo)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestLink_ConcurrentCandidatesJoinOneCluster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.put(t, "1", "Ada", "Lovelace", "1815-12-10")
	shared := f.link(t, ada).ID

	const n = 6
	twins := make([]blackboard.RecordKey, n)
	for i := range twins {
		twins[i] = f.put(t, string(rune('a'+i)), "Ada", "Lovelace", "1815-12-10")
	}

	// Sample the shared cluster while the links race into it
	done := make(chan struct{})
	sampled := make(chan []int, 1)
	go func() {
		var counts []int
		for {
			select {
			case <-done:
				sampled <- counts
				return
			default:
			}
			members, err := f.client.ClusterMembers(ctx, shared)
			if err == nil {
				counts = append(counts, len(members))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, twin := range twins {
		wg.Add(1)
		go func(twin blackboard.RecordKey) {
			defer wg.Done()
			_, err := f.linker.Link(ctx, twin)
			errs <- err
		}(twin)
	}
	wg.Wait()
	close(done)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	members := f.members(t, shared)
	assert.Len(t, members, n+1)
	assert.Contains(t, members, ada)
	for _, twin := range twins {
		assert.Equal(t, shared, f.linkingID(t, twin))
	}

	counts := <-sampled
	for i := 1; i < len(counts); i++ {
		assert.GreaterOrEqual(t, counts[i], counts[i-1], "cluster shrank mid-link")
	}
	assert.Equal(t, uint64(1), f.ids.next.Load(), "no twin starts its own cluster")
}
