package blackboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so several
// linker deployments can share one Redis server.
//
// Key pattern: linker:{instance_name}:{entity}[:{id}]
// Channel pattern: linker:{instance_name}:{event_type}_events

// KeyPrefix returns the namespace prefix shared by every key of an instance.
// Lua scripts use it to build keys for records they only learn about at run time.
func KeyPrefix(instanceName string) string {
	return fmt.Sprintf("linker:%s:", instanceName)
}

// RecordKeyName returns the Redis key holding a record's property hash.
// Pattern: linker:{instance_name}:record:{record_set_id}/{record_id}
func RecordKeyName(instanceName string, key RecordKey) string {
	return fmt.Sprintf("linker:%s:record:%s", instanceName, key)
}

// RecordSetKey returns the Redis key for a record set's metadata hash.
// Pattern: linker:{instance_name}:recordset:{record_set_id}
func RecordSetKey(instanceName, recordSetID string) string {
	return fmt.Sprintf("linker:%s:recordset:%s", instanceName, recordSetID)
}

// RecordSetsKey returns the Redis key for the set of all registered record set ids.
// Pattern: linker:{instance_name}:recordsets
func RecordSetsKey(instanceName string) string {
	return fmt.Sprintf("linker:%s:recordsets", instanceName)
}

// NeedsLinkingKey returns the ZSET of record ids flagged for linking in one set,
// scored by the time they were flagged (Unix ms).
// Pattern: linker:{instance_name}:needs_linking:{record_set_id}
func NeedsLinkingKey(instanceName, recordSetID string) string {
	return fmt.Sprintf("linker:%s:needs_linking:%s", instanceName, recordSetID)
}

// IndexKey returns the blocking index set for one attribute value token.
// Pattern: linker:{instance_name}:index:{attribute_id}:{token}
func IndexKey(instanceName, attributeID, token string) string {
	return fmt.Sprintf("linker:%s:index:%s:%s", instanceName, attributeID, token)
}

// CandidateQueueKey returns the list used as the linking work queue.
// Pattern: linker:{instance_name}:candidates
func CandidateQueueKey(instanceName string) string {
	return fmt.Sprintf("linker:%s:candidates", instanceName)
}

// LeaseKey returns the key holding the lease on one candidate.
// Pattern: linker:{instance_name}:lease:{record_key}
func LeaseKey(instanceName string, key RecordKey) string {
	return fmt.Sprintf("linker:%s:lease:%s", instanceName, key)
}

// ClusterKey returns the key holding a cluster's JSON match graph.
// Pattern: linker:{instance_name}:cluster:{linking_id}
func ClusterKey(instanceName string, id LinkingID) string {
	return fmt.Sprintf("linker:%s:cluster:%d", instanceName, uint64(id))
}

// ClusterMembersKey returns the set of record keys linked under a cluster.
// Pattern: linker:{instance_name}:cluster:{linking_id}:members
func ClusterMembersKey(instanceName string, id LinkingID) string {
	return fmt.Sprintf("linker:%s:cluster:%d:members", instanceName, uint64(id))
}

// MembershipKey returns the key mapping a record to its linking id.
// Pattern: linker:{instance_name}:membership:{record_key}
func MembershipKey(instanceName string, key RecordKey) string {
	return fmt.Sprintf("linker:%s:membership:%s", instanceName, key)
}

// ClusterLockKey returns the lock key for one cluster.
// Pattern: linker:{instance_name}:cluster_lock:{linking_id}
func ClusterLockKey(instanceName string, id LinkingID) string {
	return fmt.Sprintf("linker:%s:cluster_lock:%d", instanceName, uint64(id))
}

// ClusterFenceKey returns the global fence serializing cluster lock acquisition.
// Pattern: linker:{instance_name}:cluster_fence
func ClusterFenceKey(instanceName string) string {
	return fmt.Sprintf("linker:%s:cluster_fence", instanceName)
}

// FeedbackKey returns the set of records judged (not) to match key.
// Pattern: linker:{instance_name}:feedback:{positive|negative}:{record_key}
func FeedbackKey(instanceName string, linked bool, key RecordKey) string {
	polarity := "negative"
	if linked {
		polarity = "positive"
	}
	return fmt.Sprintf("linker:%s:feedback:%s:%s", instanceName, polarity, key)
}

// IDRangesKey returns the hash of allocator ranges (range -> last issued sequence).
// Pattern: linker:{instance_name}:id_ranges
func IDRangesKey(instanceName string) string {
	return fmt.Sprintf("linker:%s:id_ranges", instanceName)
}

// IDCursorKey returns the key holding the next range to refill from.
// Pattern: linker:{instance_name}:id_ranges:cursor
func IDCursorKey(instanceName string) string {
	return fmt.Sprintf("linker:%s:id_ranges:cursor", instanceName)
}

// IDFenceKey returns the sentinel lock serializing allocator refills.
// Pattern: linker:{instance_name}:id_ranges:fence
func IDFenceKey(instanceName string) string {
	return fmt.Sprintf("linker:%s:id_ranges:fence", instanceName)
}

// PendingIDsKey returns the list of reserved, not yet handed out ids.
// Pattern: linker:{instance_name}:ids:pending
func PendingIDsKey(instanceName string) string {
	return fmt.Sprintf("linker:%s:ids:pending", instanceName)
}

// LinkEventsChannel returns the Pub/Sub channel carrying committed link decisions.
// Pattern: linker:{instance_name}:link_events
func LinkEventsChannel(instanceName string) string {
	return fmt.Sprintf("linker:%s:link_events", instanceName)
}
