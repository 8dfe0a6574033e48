package blackboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func key(set, id string) RecordKey {
	return RecordKey{RecordSetID: set, RecordID: id}
}

// Test client construction and basic operations
func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestClose(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	defer mr.Close()

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)

	assert.NoError(t, client.Close())
}

func TestRecordSets(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("round trips metadata", func(t *testing.T) {
		rs := &RecordSet{ID: "people", Name: "People", Linkable: true}
		require.NoError(t, client.PutRecordSet(ctx, rs))

		got, err := client.GetRecordSet(ctx, "people")
		require.NoError(t, err)
		assert.Equal(t, rs, got)
	})

	t.Run("missing set is not found", func(t *testing.T) {
		_, err := client.GetRecordSet(ctx, "nope")
		assert.True(t, IsNotFound(err))
	})

	t.Run("lists ids sorted", func(t *testing.T) {
		require.NoError(t, client.PutRecordSet(ctx, &RecordSet{ID: "arrests"}))
		ids, err := client.ListRecordSetIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"arrests", "people"}, ids)
	})

	t.Run("rejects invalid id", func(t *testing.T) {
		err := client.PutRecordSet(ctx, &RecordSet{ID: "a/b"})
		assert.Error(t, err)
	})
}

func TestPutRecord(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	k := key("people", "1")

	t.Run("stores properties, indexes and flags", func(t *testing.T) {
		props := Properties{"last_name": {"Lovelace"}, "first_name": {"Ada", "Ada"}}
		require.NoError(t, client.PutRecord(ctx, k, props, []string{"last_name"}))

		got, err := client.GetProperties(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ada"}, got["first_name"])
		assert.Equal(t, []string{"Lovelace"}, got["last_name"])

		members, err := client.IndexMembers(ctx, "last_name", "lovelace")
		require.NoError(t, err)
		assert.Equal(t, []RecordKey{k}, members)

		flagged, err := client.NeedsLinking(ctx, k)
		require.NoError(t, err)
		assert.True(t, flagged)
	})

	t.Run("update moves index entries", func(t *testing.T) {
		props := Properties{"last_name": {"Byron"}}
		require.NoError(t, client.PutRecord(ctx, k, props, []string{"last_name"}))

		old, err := client.IndexMembers(ctx, "last_name", "lovelace")
		require.NoError(t, err)
		assert.Empty(t, old)

		current, err := client.IndexMembers(ctx, "last_name", "byron")
		require.NoError(t, err)
		assert.Equal(t, []RecordKey{k}, current)

		got, err := client.GetProperties(ctx, k)
		require.NoError(t, err)
		assert.NotContains(t, got, "first_name")
	})

	t.Run("concurrent writers leave only the surviving value indexed", func(t *testing.T) {
		contended := key("people", "contended")
		names := []string{"Ashby", "Babbage", "Carroll", "Darwin", "Euler", "Fourier", "Gauss", "Hopper"}

		var wg sync.WaitGroup
		errs := make(chan error, len(names))
		for _, name := range names {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				errs <- client.PutRecord(ctx, contended, Properties{"last_name": {name}}, []string{"last_name"})
			}(name)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := client.GetProperties(ctx, contended)
		require.NoError(t, err)
		require.Len(t, got["last_name"], 1)
		winner := IndexToken(got["last_name"][0])

		for _, name := range names {
			members, err := client.IndexMembers(ctx, "last_name", IndexToken(name))
			require.NoError(t, err)
			if IndexToken(name) == winner {
				assert.Equal(t, []RecordKey{contended}, members)
			} else {
				assert.NotContains(t, members, contended, "stale index entry for %s", name)
			}
		}
	})

	t.Run("rejects empty properties", func(t *testing.T) {
		err := client.PutRecord(ctx, key("people", "2"), Properties{}, nil)
		assert.Error(t, err)
	})

	t.Run("missing record is not found", func(t *testing.T) {
		_, err := client.GetProperties(ctx, key("people", "404"))
		assert.True(t, IsNotFound(err))
	})
}

func TestGetPropertiesMany(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.PutRecord(ctx, key("s", "1"), Properties{"a": {"x"}}, nil))
	require.NoError(t, client.PutRecord(ctx, key("s", "2"), Properties{"a": {"y"}}, nil))

	got, err := client.GetPropertiesMany(ctx, []RecordKey{key("s", "1"), key("s", "2"), key("s", "3")})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"y"}, got[key("s", "2")]["a"])
}

func TestRecordsNeedingLinking(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	for i, id := range []string{"c", "a", "b"} {
		_, err := mr.ZAdd(NeedsLinkingKey("test-instance", "s"), float64(100+i), id)
		require.NoError(t, err)
	}

	keys, err := client.RecordsNeedingLinking(ctx, "s", 2)
	require.NoError(t, err)
	assert.Equal(t, []RecordKey{key("s", "c"), key("s", "a")}, keys)

	none, err := client.RecordsNeedingLinking(ctx, "s", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	t.Run("re-flagging moves the record behind the others", func(t *testing.T) {
		before, err := client.LinkingFlag(ctx, key("s", "c"))
		require.NoError(t, err)
		assert.Equal(t, int64(100), before)

		require.NoError(t, client.FlagForLinking(ctx, key("s", "c")))
		after, err := client.LinkingFlag(ctx, key("s", "c"))
		require.NoError(t, err)
		assert.Greater(t, after, before)

		keys, err := client.RecordsNeedingLinking(ctx, "s", 3)
		require.NoError(t, err)
		assert.Equal(t, []RecordKey{key("s", "a"), key("s", "b"), key("s", "c")}, keys)
	})

	t.Run("flag always rises even within one millisecond", func(t *testing.T) {
		future := time.Now().Add(time.Hour).UnixMilli()
		_, err := mr.ZAdd(NeedsLinkingKey("test-instance", "s"), float64(future), "a")
		require.NoError(t, err)

		require.NoError(t, client.FlagForLinking(ctx, key("s", "a")))
		got, err := client.LinkingFlag(ctx, key("s", "a"))
		require.NoError(t, err)
		assert.Equal(t, future+1, got)
	})

	t.Run("unflagged record reads as zero", func(t *testing.T) {
		got, err := client.LinkingFlag(ctx, key("s", "none"))
		require.NoError(t, err)
		assert.Zero(t, got)
	})
}

func TestFeedback(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	a, b := key("s", "a"), key("s", "b")

	require.NoError(t, client.AddFeedback(ctx, Feedback{Pair: NewPair(a, b), Linked: false}))

	neg, err := client.FeedbackFor(ctx, b, false)
	require.NoError(t, err)
	assert.Equal(t, []RecordKey{a}, neg)

	// Flipping the judgement replaces the negative one
	require.NoError(t, client.AddFeedback(ctx, Feedback{Pair: NewPair(a, b), Linked: true}))

	neg, err = client.FeedbackFor(ctx, a, false)
	require.NoError(t, err)
	assert.Empty(t, neg)

	pos, err := client.FeedbackFor(ctx, a, true)
	require.NoError(t, err)
	assert.Equal(t, []RecordKey{b}, pos)
}

func TestSubscribeLinkEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("receives published events", func(t *testing.T) {
		sub, err := client.SubscribeLinkEvents(ctx)
		require.NoError(t, err)
		defer sub.Close()

		event := &LinkEvent{
			Candidate:  key("s", "1"),
			LinkingID:  LinkingID(7),
			NewCluster: true,
			Members:    []RecordKey{key("s", "1")},
			Score:      1,
		}
		require.NoError(t, client.PublishLinkEvent(ctx, event))

		select {
		case received := <-sub.Events():
			assert.Equal(t, event.Candidate, received.Candidate)
			assert.Equal(t, event.LinkingID, received.LinkingID)
			assert.True(t, received.NewCluster)
		case <-time.After(1 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	})

	t.Run("closes channel on cancel", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		sub, err := client.SubscribeLinkEvents(cancelCtx)
		require.NoError(t, err)

		cancel()

		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok, "channel should be closed")
		case <-time.After(1 * time.Second):
			t.Fatal("timeout waiting for channel close")
		}
		assert.NoError(t, sub.Close())
	})
}

func TestInstanceNamespacing(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	client1, err := NewClient(&redis.Options{Addr: mr.Addr()}, "instance-1")
	require.NoError(t, err)
	defer client1.Close()

	client2, err := NewClient(&redis.Options{Addr: mr.Addr()}, "instance-2")
	require.NoError(t, err)
	defer client2.Close()

	ctx := context.Background()
	k := key("s", "1")
	require.NoError(t, client1.PutRecord(ctx, k, Properties{"a": {"x"}}, nil))

	_, err = client2.GetProperties(ctx, k)
	assert.True(t, IsNotFound(err))

	assert.True(t, mr.Exists("linker:instance-1:record:s/1"))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(redis.Nil))
	assert.False(t, IsNotFound(assert.AnError))
	assert.False(t, IsNotFound(nil))
}

func TestRecordsFlaggedBetween(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		_, err := mr.ZAdd(NeedsLinkingKey("test-instance", "s"), float64(1000*(i+1)), id)
		require.NoError(t, err)
	}

	t.Run("open bounds return everything oldest first", func(t *testing.T) {
		got, err := client.RecordsFlaggedBetween(ctx, "s", 0, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, key("s", "a"), got[0].Key)
		assert.Equal(t, int64(1000), got[0].FlaggedAtMs)
		assert.Equal(t, key("s", "d"), got[3].Key)
	})

	t.Run("bounds are inclusive", func(t *testing.T) {
		got, err := client.RecordsFlaggedBetween(ctx, "s", 2000, 3000, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, key("s", "b"), got[0].Key)
		assert.Equal(t, key("s", "c"), got[1].Key)
	})

	t.Run("limit caps the result", func(t *testing.T) {
		got, err := client.RecordsFlaggedBetween(ctx, "s", 1500, 0, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, key("s", "b"), got[0].Key)
	})

	t.Run("unknown set is empty", func(t *testing.T) {
		got, err := client.RecordsFlaggedBetween(ctx, "nope", 0, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
