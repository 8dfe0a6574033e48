package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T) *blackboard.Client {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func seed(t *testing.T, client *blackboard.Client, ids ...blackboard.LinkingID) {
	for _, id := range ids {
		k := blackboard.RecordKey{RecordSetID: "s", RecordID: id.String()}
		g := blackboard.Graph{}
		g.Set(k, k, 1)
		require.NoError(t, client.CommitCluster(context.Background(), blackboard.CommitRequest{ID: id, Graph: g}))
	}
}

func TestResolveLinkingID(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	unique := blackboard.LinkingID(0x0003_0000_0000_0011)
	twinA := blackboard.LinkingID(0x0007_0000_0000_0001)
	twinB := blackboard.LinkingID(0x0007_0000_0000_0002)
	seed(t, client, unique, twinA, twinB)

	t.Run("full id", func(t *testing.T) {
		id, err := ResolveLinkingID(ctx, client, unique.String())
		require.NoError(t, err)
		assert.Equal(t, unique, id)
	})

	t.Run("full id of a missing cluster", func(t *testing.T) {
		_, err := ResolveLinkingID(ctx, client, "00ff000000000001")
		assert.True(t, IsNotFoundError(err), "got %v", err)
	})

	t.Run("unique prefix", func(t *testing.T) {
		id, err := ResolveLinkingID(ctx, client, "0x000300")
		require.NoError(t, err)
		assert.Equal(t, unique, id)
	})

	t.Run("prefix is case insensitive", func(t *testing.T) {
		seed(t, client, 0x00ab_0000_0000_0001)
		id, err := ResolveLinkingID(ctx, client, "00AB00")
		require.NoError(t, err)
		assert.Equal(t, blackboard.LinkingID(0x00ab_0000_0000_0001), id)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := ResolveLinkingID(ctx, client, "000700")
		require.True(t, IsAmbiguousError(err), "got %v", err)
		assert.ElementsMatch(t, []blackboard.LinkingID{twinA, twinB}, err.(*AmbiguousError).Matches)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := ResolveLinkingID(ctx, client, "00090000")
		assert.True(t, IsNotFoundError(err), "got %v", err)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ResolveLinkingID(ctx, client, "0007")
		assert.ErrorContains(t, err, "at least 6 characters")
	})

	t.Run("not hex", func(t *testing.T) {
		_, err := ResolveLinkingID(ctx, client, "00070g")
		assert.ErrorContains(t, err, "hexadecimal")
	})
}

func TestFormatAmbiguousError(t *testing.T) {
	matches := make([]blackboard.LinkingID, 12)
	for i := range matches {
		matches[i] = blackboard.LinkingID(i + 1)
	}

	msg := FormatAmbiguousError(&AmbiguousError{ShortID: "000000", Matches: matches})
	assert.Contains(t, msg, "matches 12 clusters")
	assert.Contains(t, msg, fmt.Sprintf("  %s\n", blackboard.LinkingID(10)))
	assert.NotContains(t, msg, blackboard.LinkingID(11).String())
	assert.Contains(t, msg, "...and 2 more")
}
