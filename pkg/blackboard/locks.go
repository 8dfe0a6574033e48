package blackboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireAll takes every lock in KEYS or none of them.
// ARGV[1] is the holder token, ARGV[2] the TTL in milliseconds.
var acquireAll = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call('EXISTS', key) == 1 then
    return 0
  end
end
for _, key in ipairs(KEYS) do
  redis.call('SET', key, ARGV[1], 'PX', ARGV[2])
end
return 1
`)

func (c *Client) acquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

func (c *Client) releaseLocks(ctx context.Context, keys []string, token string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := compareAndDelete.Run(ctx, c.rdb, keys, token).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to release locks: %w", err)
	}
	return n, nil
}

// AcquireClusterFence takes the global fence that serializes cluster lock acquisition.
// Returns false, without error, if another holder has it.
func (c *Client) AcquireClusterFence(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	return c.acquireLock(ctx, ClusterFenceKey(c.instanceName), token, ttl)
}

// ReleaseClusterFence drops the fence if token still holds it.
func (c *Client) ReleaseClusterFence(ctx context.Context, token string) error {
	_, err := c.releaseLocks(ctx, []string{ClusterFenceKey(c.instanceName)}, token)
	return err
}

// AcquireIDFence takes the sentinel lock that serializes id range refills.
func (c *Client) AcquireIDFence(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	return c.acquireLock(ctx, IDFenceKey(c.instanceName), token, ttl)
}

// ReleaseIDFence drops the id refill sentinel if token still holds it.
func (c *Client) ReleaseIDFence(ctx context.Context, token string) error {
	_, err := c.releaseLocks(ctx, []string{IDFenceKey(c.instanceName)}, token)
	return err
}

// AcquireClusterLocks locks every listed cluster for token, or none of them.
// Returns false, without error, if any of the clusters is already locked.
// An empty id list trivially succeeds.
func (c *Client) AcquireClusterLocks(ctx context.Context, ids []LinkingID, token string, ttl time.Duration) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		return false, fmt.Errorf("cluster lock ttl must be at least 1ms, got %s", ttl)
	}
	n, err := acquireAll.Run(ctx, c.rdb, c.clusterLockKeys(ids), token, strconv.FormatInt(ttlMs, 10)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire cluster locks: %w", err)
	}
	return n == 1, nil
}

// ReleaseClusterLocks releases the listed cluster locks still held by token and
// returns how many were released.
func (c *Client) ReleaseClusterLocks(ctx context.Context, ids []LinkingID, token string) (int, error) {
	return c.releaseLocks(ctx, c.clusterLockKeys(ids), token)
}

// ClusterLockHolder returns the token currently holding a cluster lock.
// Returns ("", redis.Nil) if the cluster is unlocked.
func (c *Client) ClusterLockHolder(ctx context.Context, id LinkingID) (string, error) {
	return c.rdb.Get(ctx, ClusterLockKey(c.instanceName, id)).Result()
}

func (c *Client) clusterLockKeys(ids []LinkingID) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ClusterLockKey(c.instanceName, id)
	}
	return keys
}
