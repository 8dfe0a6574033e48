package blackboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Linking ids are 64 bits: the high 16 bits name one of NumIDRanges ranges and
// the low 48 bits are a sequence within that range, starting at 1.
const (
	IDRangeBits   = 48
	NumIDRanges   = 1 << 16
	MaxIDSequence = 1<<IDRangeBits - 1
)

// reserveRanges advances `window` ranges starting at the persisted cursor by
// `batch` sequences each and moves the cursor past them.
//
// KEYS: id_ranges hash, cursor key. ARGV: window, batch, range count, max sequence.
// Replies {exhausted, range1, last1, range2, last2, ...}; ranges that cannot fit a
// whole batch are skipped and counted as exhausted. Ids themselves are composed by
// the caller so no 64-bit arithmetic happens in Lua.
var reserveRanges = redis.NewScript(`
local window = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local count = tonumber(ARGV[3])
local maxSeq = tonumber(ARGV[4])
local cursor = tonumber(redis.call('GET', KEYS[2]) or '0')

local out = {0}
local exhausted = 0
for i = 0, window - 1 do
  local r = tostring((cursor + i) % count)
  local last = tonumber(redis.call('HGET', KEYS[1], r) or '0')
  if last + batch > maxSeq then
    exhausted = exhausted + 1
  else
    table.insert(out, tonumber(r))
    table.insert(out, redis.call('HINCRBY', KEYS[1], r, batch))
  end
end
out[1] = exhausted
redis.call('SET', KEYS[2], tostring((cursor + window) % count))
return out
`)

// ReserveIDs atomically reserves batch ids from each of window consecutive ranges.
// Returns the reserved ids and the number of ranges skipped because they were exhausted.
// Reserved ids are never handed out by another reservation, even across restarts.
func (c *Client) ReserveIDs(ctx context.Context, window, batch int) ([]LinkingID, int, error) {
	if window <= 0 || window > NumIDRanges {
		return nil, 0, fmt.Errorf("range window must be in [1, %d], got %d", NumIDRanges, window)
	}
	if batch <= 0 {
		return nil, 0, fmt.Errorf("batch size must be positive, got %d", batch)
	}

	reply, err := reserveRanges.Run(ctx, c.rdb,
		[]string{IDRangesKey(c.instanceName), IDCursorKey(c.instanceName)},
		window, batch, NumIDRanges, int64(MaxIDSequence),
	).Int64Slice()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to reserve id ranges: %w", err)
	}
	if len(reply) == 0 || len(reply)%2 != 1 {
		return nil, 0, fmt.Errorf("unexpected reservation reply of length %d", len(reply))
	}

	exhausted := int(reply[0])
	ids := make([]LinkingID, 0, (len(reply)/2)*batch)
	for i := 1; i < len(reply); i += 2 {
		rng, last := uint64(reply[i]), uint64(reply[i+1])
		for seq := last - uint64(batch) + 1; seq <= last; seq++ {
			ids = append(ids, LinkingID(rng<<IDRangeBits|seq))
		}
	}
	return ids, exhausted, nil
}

// PushPendingIDs adds reserved ids to the pending list. front puts them ahead of
// everything already pending so they are handed out next.
func (c *Client) PushPendingIDs(ctx context.Context, ids []LinkingID, front bool) error {
	if len(ids) == 0 {
		return nil
	}
	values := make([]interface{}, len(ids))
	for i, id := range ids {
		values[i] = strconv.FormatUint(uint64(id), 10)
	}
	key := PendingIDsKey(c.instanceName)
	var err error
	if front {
		err = c.rdb.LPush(ctx, key, values...).Err()
	} else {
		err = c.rdb.RPush(ctx, key, values...).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to push pending ids: %w", err)
	}
	return nil
}

// PopPendingID blocks up to timeout for a pending id.
// Returns (0, redis.Nil) when the timeout elapses with nothing pending.
func (c *Client) PopPendingID(ctx context.Context, timeout time.Duration) (LinkingID, error) {
	result, err := c.rdb.BLPop(ctx, timeout, PendingIDsKey(c.instanceName)).Result()
	if err != nil {
		if IsNotFound(err) {
			return 0, redis.Nil
		}
		return 0, fmt.Errorf("failed to pop pending id: %w", err)
	}
	id, err := parseStoredID(result[1])
	if err != nil {
		return 0, fmt.Errorf("corrupt pending id %q: %w", result[1], err)
	}
	return id, nil
}

// PendingIDCount returns the number of reserved ids not yet handed out.
func (c *Client) PendingIDCount(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, PendingIDsKey(c.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending id count: %w", err)
	}
	return n, nil
}
