package blackboard

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveIDs(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	t.Run("first reservation starts at range zero, sequence one", func(t *testing.T) {
		ids, exhausted, err := client.ReserveIDs(ctx, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, exhausted)
		assert.Equal(t, []LinkingID{
			1, 2, 3,
			1<<48 | 1, 1<<48 | 2, 1<<48 | 3,
		}, ids)

		cursor, err := mr.Get(IDCursorKey("test-instance"))
		require.NoError(t, err)
		assert.Equal(t, "2", cursor)
	})

	t.Run("reservations never overlap", func(t *testing.T) {
		seen := make(map[LinkingID]bool)
		for i := 0; i < 20; i++ {
			ids, _, err := client.ReserveIDs(ctx, 3, 5)
			require.NoError(t, err)
			for _, id := range ids {
				require.False(t, seen[id], "id %s issued twice", id)
				require.NotZero(t, id)
				seen[id] = true
			}
		}
		assert.Len(t, seen, 20*3*5)
	})

	t.Run("cursor wraps around the range space", func(t *testing.T) {
		require.NoError(t, mr.Set(IDCursorKey("test-instance"), strconv.Itoa(NumIDRanges-1)))
		ids, _, err := client.ReserveIDs(ctx, 2, 1)
		require.NoError(t, err)
		require.Len(t, ids, 2)
		assert.Equal(t, uint16(NumIDRanges-1), ids[0].Range())
		assert.Equal(t, uint16(0), ids[1].Range())
	})

	t.Run("exhausted ranges are skipped", func(t *testing.T) {
		require.NoError(t, mr.Set(IDCursorKey("test-instance"), "100"))
		mr.HSet(IDRangesKey("test-instance"), "100", strconv.FormatInt(MaxIDSequence-1, 10))

		ids, exhausted, err := client.ReserveIDs(ctx, 2, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, exhausted)
		require.Len(t, ids, 5)
		for _, id := range ids {
			assert.Equal(t, uint16(101), id.Range())
		}
	})

	t.Run("rejects bad arguments", func(t *testing.T) {
		_, _, err := client.ReserveIDs(ctx, 0, 5)
		assert.Error(t, err)
		_, _, err = client.ReserveIDs(ctx, 1, 0)
		assert.Error(t, err)
	})
}

func TestPendingIDs(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.PushPendingIDs(ctx, []LinkingID{1, 2}, false))
	require.NoError(t, client.PushPendingIDs(ctx, []LinkingID{99}, true))

	n, err := client.PendingIDCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	first, err := client.PopPendingID(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, LinkingID(99), first, "front push is handed out first")

	second, err := client.PopPendingID(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, LinkingID(1), second)

	_, err = client.PopPendingID(ctx, time.Second)
	require.NoError(t, err)

	_, err = client.PopPendingID(ctx, time.Second)
	assert.True(t, IsNotFound(err))
}
