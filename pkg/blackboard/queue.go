package blackboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete removes KEYS[i] only while it still holds the caller's token,
// so a holder whose TTL lapsed can never release somebody else's lease or lock.
var compareAndDelete = redis.NewScript(`
local released = 0
for _, key in ipairs(KEYS) do
  if redis.call('GET', key) == ARGV[1] then
    redis.call('DEL', key)
    released = released + 1
  end
end
return released
`)

// EnqueueCandidates appends record keys to the linking work queue.
func (c *Client) EnqueueCandidates(ctx context.Context, keys []RecordKey) error {
	if len(keys) == 0 {
		return nil
	}
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = k.String()
	}
	if err := c.rdb.RPush(ctx, CandidateQueueKey(c.instanceName), values...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue candidates: %w", err)
	}
	return nil
}

// PopCandidate blocks up to timeout for the next queued candidate.
// Returns redis.Nil when the timeout elapses with the queue still empty.
func (c *Client) PopCandidate(ctx context.Context, timeout time.Duration) (RecordKey, error) {
	result, err := c.rdb.BLPop(ctx, timeout, CandidateQueueKey(c.instanceName)).Result()
	if err != nil {
		if IsNotFound(err) {
			return RecordKey{}, redis.Nil
		}
		return RecordKey{}, fmt.Errorf("failed to pop candidate: %w", err)
	}
	// BLPOP replies with [key, value]
	key, err := ParseRecordKey(result[1])
	if err != nil {
		return RecordKey{}, fmt.Errorf("malformed queue entry: %w", err)
	}
	return key, nil
}

// QueueLength returns the number of queued candidates.
func (c *Client) QueueLength(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, CandidateQueueKey(c.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read candidate queue length: %w", err)
	}
	return n, nil
}

// TryLease atomically claims a candidate for holder until ttl elapses.
// Returns false, without error, when another holder already has the lease.
func (c *Client) TryLease(ctx context.Context, key RecordKey, holder string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, LeaseKey(c.instanceName, key), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to lease %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLease drops the lease if holder still owns it. Returns whether a lease was released.
func (c *Client) ReleaseLease(ctx context.Context, key RecordKey, holder string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{LeaseKey(c.instanceName, key)}, holder).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lease on %s: %w", key, err)
	}
	return n == 1, nil
}

// GetLease returns the current lease on a candidate.
// Returns (nil, redis.Nil) if the candidate is not leased.
func (c *Client) GetLease(ctx context.Context, key RecordKey) (*Lease, error) {
	leaseKey := LeaseKey(c.instanceName, key)

	pipe := c.rdb.Pipeline()
	holderCmd := pipe.Get(ctx, leaseKey)
	ttlCmd := pipe.PTTL(ctx, leaseKey)
	if _, err := pipe.Exec(ctx); err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("failed to read lease on %s: %w", key, err)
	}

	holder, err := holderCmd.Result()
	if err != nil {
		return nil, err
	}
	return &Lease{
		Candidate: key,
		Holder:    holder,
		ExpiresAt: time.Now().Add(ttlCmd.Val()).UnixMilli(),
	}, nil
}
