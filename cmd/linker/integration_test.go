//go:build integration

package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/linker/internal/logging"
	"github.com/dyluth/linker/internal/testutil"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLinker_EndToEnd runs the daemon against a real Redis and checks that
// duplicates ingested over time end up in one cluster.
func TestLinker_EndToEnd(t *testing.T) {
	redisURL := testutil.StartRedis(t)
	client := testutil.NewClient(t, redisURL, "e2e")
	ctx := context.Background()

	path := writeConfig(t, `version: "1.0"
linking:
  parallelism: 2
  enqueue_interval: 100ms
  blocking_attributes: [first_name, last_name, dob]
server:
  health_addr: "127.0.0.1:0"
`)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- serve(runCtx, "e2e", redisURL, path, logging.Discard()) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.NoError(t, client.PutRecordSet(ctx, &blackboard.RecordSet{ID: "clinic", Linkable: true}))
	people := [][3]string{
		{"Ada", "Lovelace", "1815-12-10"},
		{"Grace", "Hopper", "1906-12-09"},
		{"Alan", "Turing", "1912-06-23"},
	}

	ingest := func(offset int) []blackboard.RecordKey {
		var keys []blackboard.RecordKey
		for i, p := range people {
			key := blackboard.RecordKey{RecordSetID: "clinic", RecordID: fmt.Sprintf("r%d", offset+i)}
			require.NoError(t, client.PutRecord(ctx, key, blackboard.Properties{
				"first_name": {p[0]},
				"last_name":  {p[1]},
				"dob":        {p[2]},
			}, []string{"first_name", "last_name", "dob"}))
			keys = append(keys, key)
		}
		return keys
	}
	waitLinked := func(keys []blackboard.RecordKey) {
		require.Eventually(t, func() bool {
			for _, k := range keys {
				if _, err := client.LinkingIDOf(ctx, k); err != nil {
					return false
				}
			}
			return true
		}, 30*time.Second, 50*time.Millisecond)
	}

	originals := ingest(0)
	waitLinked(originals)
	duplicates := ingest(10)
	waitLinked(duplicates)

	for i := range originals {
		a, err := client.LinkingIDOf(ctx, originals[i])
		require.NoError(t, err)
		b, err := client.LinkingIDOf(ctx, duplicates[i])
		require.NoError(t, err)
		assert.Equal(t, a, b, "%s and %s", originals[i], duplicates[i])
	}

	ids, err := client.ListClusterIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, len(people))
}
