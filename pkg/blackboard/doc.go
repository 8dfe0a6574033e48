// Package blackboard provides the Go types and Redis schema shared by every
// linker component.
//
// # Overview
//
// The linker keeps all of its shared state in one Redis server: record
// properties, the blocking index, the candidate work queue, leases, cluster
// graphs and memberships, cluster locks and the linking id ranges. Components
// never talk to each other directly; they read and write this state through a
// Client.
//
// # Core Concepts
//
// A RecordKey names one ingested record. Records are flagged "needs linking"
// when written, queued by the enqueuer, leased by one worker and linked into a
// cluster. A cluster is a weighted match Graph over the records believed to be
// the same real-world entity, named by a LinkingID minted from the id ranges.
//
// Writes to clusters go through CommitCluster only. It is a Lua script that checks
// every cluster lock of the decision is still held by the caller before it writes,
// so a worker whose lock TTL lapsed can never overwrite another worker's decision.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so several
// linker deployments can share a Redis server without interference.
//
// # Usage Example
//
//	client, err := blackboard.NewClient(&redis.Options{Addr: "localhost:6379"}, "prod")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	key := blackboard.RecordKey{RecordSetID: "people", RecordID: "42"}
//	props := blackboard.Properties{"first_name": {"Ada"}, "last_name": {"Lovelace"}}
//	if err := client.PutRecord(ctx, key, props, []string{"last_name"}); err != nil {
//		log.Fatal(err)
//	}
//
// # Redis Schema
//
// All Redis keys follow the pattern: linker:{instance_name}:{entity}[:{id}]
//
// Records: linker:{instance_name}:record:{record_set_id}/{record_id}
// Blocking index: linker:{instance_name}:index:{attribute}:{token}
// Needs linking: linker:{instance_name}:needs_linking:{record_set_id}
// Candidate queue: linker:{instance_name}:candidates
// Leases: linker:{instance_name}:lease:{record_key}
// Clusters: linker:{instance_name}:cluster:{linking_id}[:members]
// Memberships: linker:{instance_name}:membership:{record_key}
// Cluster locks: linker:{instance_name}:cluster_lock:{linking_id}
// Id ranges: linker:{instance_name}:id_ranges, linker:{instance_name}:ids:pending
//
// Link events: linker:{instance_name}:link_events
package blackboard
