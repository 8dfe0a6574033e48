package blackboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrLocksNotHeld is returned by CommitCluster when at least one of the cluster
// locks it was given no longer carries the caller's token.
var ErrLocksNotHeld = errors.New("cluster locks no longer held")

// commitCluster writes one cluster atomically, but only while every lock in KEYS
// still holds the caller's token.
//
// ARGV: prefix, token, cluster id (decimal), graph JSON, candidate key ("" for none),
// candidate flag score, then the member record keys. No members deletes the cluster.
var commitCluster = redis.NewScript(`
local prefix, token, id, graph, candidate, flag = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], tonumber(ARGV[6])
for _, key in ipairs(KEYS) do
  if redis.call('GET', key) ~= token then
    return 0
  end
end

local clusterKey = prefix .. 'cluster:' .. id
local membersKey = clusterKey .. ':members'
local keep = {}
for i = 7, #ARGV do
  keep[ARGV[i]] = true
end

for _, old in ipairs(redis.call('SMEMBERS', membersKey)) do
  if not keep[old] then
    local membership = prefix .. 'membership:' .. old
    if redis.call('GET', membership) == id then
      redis.call('DEL', membership)
    end
  end
end

redis.call('DEL', membersKey)
if #ARGV < 7 then
  redis.call('DEL', clusterKey)
else
  redis.call('SET', clusterKey, graph)
  for i = 7, #ARGV do
    redis.call('SADD', membersKey, ARGV[i])
    redis.call('SET', prefix .. 'membership:' .. ARGV[i], id)
  end
end

if candidate ~= '' then
  local slash = string.find(candidate, '/', 1, true)
  local flags = prefix .. 'needs_linking:' .. string.sub(candidate, 1, slash - 1)
  local member = string.sub(candidate, slash + 1)
  local current = redis.call('ZSCORE', flags, member)
  if current and tonumber(current) <= flag then
    redis.call('ZREM', flags, member)
  end
end

for _, key in ipairs(KEYS) do
  redis.call('DEL', key)
end
return 1
`)

// CommitRequest describes one atomic cluster write.
type CommitRequest struct {
	ID    LinkingID
	Graph Graph
	// Locked lists every cluster lock taken for this decision. The commit only
	// applies while all of them are still held by Token, and releases them.
	Locked []LinkingID
	Token  string
	// Candidate, when set, has its needs-linking flag cleared by the commit, but
	// only if the flag is no later than CandidateFlag. A record written or
	// re-flagged while it was being linked stays flagged.
	Candidate     *RecordKey
	CandidateFlag int64
}

// CommitCluster replaces the graph, member set and memberships of one cluster and
// releases the locks of the decision in a single atomic step.
//
// Records that were members before but are absent from the new graph lose their
// membership (unless it already points elsewhere). An empty graph deletes the cluster.
// Returns ErrLocksNotHeld if any lock was lost; nothing is written in that case.
func (c *Client) CommitCluster(ctx context.Context, req CommitRequest) error {
	if req.ID == 0 {
		return fmt.Errorf("cannot commit cluster with zero linking id")
	}
	graph, err := GraphToJSON(req.Graph)
	if err != nil {
		return err
	}

	candidate := ""
	if req.Candidate != nil {
		candidate = req.Candidate.String()
	}

	members := req.Graph.Keys()
	args := make([]interface{}, 0, 6+len(members))
	args = append(args,
		KeyPrefix(c.instanceName),
		req.Token,
		strconv.FormatUint(uint64(req.ID), 10),
		graph,
		candidate,
		strconv.FormatInt(req.CandidateFlag, 10),
	)
	for _, m := range members {
		args = append(args, m.String())
	}

	n, err := commitCluster.Run(ctx, c.rdb, c.clusterLockKeys(req.Locked), args...).Int()
	if err != nil {
		return fmt.Errorf("failed to commit cluster %s: %w", req.ID, err)
	}
	if n != 1 {
		return ErrLocksNotHeld
	}
	return nil
}

// ClusterIDsFor returns the distinct linking ids of the clusters containing any of
// the given records, in ascending order. Records without a cluster are ignored.
func (c *Client) ClusterIDsFor(ctx context.Context, keys []RecordKey) ([]LinkingID, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = MembershipKey(c.instanceName, k)
	}
	values, err := c.rdb.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read memberships: %w", err)
	}

	seen := make(map[LinkingID]struct{}, len(values))
	ids := make([]LinkingID, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		id, err := parseStoredID(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt membership for %s: %w", keys[i], err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LinkingIDOf returns the linking id currently assigned to a record.
// Returns (0, redis.Nil) if the record is not linked.
func (c *Client) LinkingIDOf(ctx context.Context, key RecordKey) (LinkingID, error) {
	s, err := c.rdb.Get(ctx, MembershipKey(c.instanceName, key)).Result()
	if err != nil {
		return 0, err
	}
	id, err := parseStoredID(s)
	if err != nil {
		return 0, fmt.Errorf("corrupt membership for %s: %w", key, err)
	}
	return id, nil
}

// GetCluster returns the match graph of a cluster. A cluster that doesn't exist
// yields an empty graph.
func (c *Client) GetCluster(ctx context.Context, id LinkingID) (Graph, error) {
	data, err := c.rdb.Get(ctx, ClusterKey(c.instanceName, id)).Result()
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("failed to read cluster %s: %w", id, err)
	}
	return GraphFromJSON(data)
}

// GetClusters returns the match graphs of several clusters in one round trip,
// in the order of ids.
func (c *Client) GetClusters(ctx context.Context, ids []LinkingID) ([]KeyedCluster, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = ClusterKey(c.instanceName, id)
	}
	values, err := c.rdb.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read clusters: %w", err)
	}

	clusters := make([]KeyedCluster, len(ids))
	for i, v := range values {
		s, _ := v.(string)
		graph, err := GraphFromJSON(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt cluster %s: %w", ids[i], err)
		}
		clusters[i] = KeyedCluster{ID: ids[i], Graph: graph}
	}
	return clusters, nil
}

// ClusterMembers returns the records linked under a cluster, sorted.
func (c *Client) ClusterMembers(ctx context.Context, id LinkingID) ([]RecordKey, error) {
	members, err := c.rdb.SMembers(ctx, ClusterMembersKey(c.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members of cluster %s: %w", id, err)
	}
	keys, err := parseRecordKeys(members)
	if err != nil {
		return nil, err
	}
	return SortRecordKeys(keys), nil
}

func parseStoredID(s string) (LinkingID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("zero linking id")
	}
	return LinkingID(v), nil
}

// ListClusterIDs returns the id of every stored cluster, ascending. It walks the
// keyspace with SCAN so it never blocks the server.
func (c *Client) ListClusterIDs(ctx context.Context) ([]LinkingID, error) {
	prefix := KeyPrefix(c.instanceName) + "cluster:"
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()

	seen := make(map[LinkingID]struct{})
	var ids []LinkingID
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), prefix)
		if strings.Contains(rest, ":") {
			// Member sets and other per-cluster keys
			continue
		}
		id, err := parseStoredID(rest)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan clusters: %w", err)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
