package blackboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PutRecordSet registers or replaces record set metadata.
func (c *Client) PutRecordSet(ctx context.Context, rs *RecordSet) error {
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("invalid record set: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, RecordSetKey(c.instanceName, rs.ID), RecordSetToHash(rs))
	pipe.SAdd(ctx, RecordSetsKey(c.instanceName), rs.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write record set to Redis: %w", err)
	}
	return nil
}

// GetRecordSet retrieves record set metadata.
// Returns (nil, redis.Nil) if the record set doesn't exist.
func (c *Client) GetRecordSet(ctx context.Context, recordSetID string) (*RecordSet, error) {
	hash, err := c.rdb.HGetAll(ctx, RecordSetKey(c.instanceName, recordSetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record set from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	rs, err := HashToRecordSet(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize record set %s: %w", recordSetID, err)
	}
	return rs, nil
}

// ListRecordSetIDs returns every registered record set id, sorted.
func (c *Client) ListRecordSetIDs(ctx context.Context) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, RecordSetsKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list record sets: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// putRecordAttempts bounds the optimistic retries of PutRecord when another
// writer changes the same record between its read and its commit.
const putRecordAttempts = 10

// ErrRecordContended is returned by PutRecord when concurrent writers of the
// same record kept invalidating its transaction.
var ErrRecordContended = errors.New("record is being written concurrently")

// flagRecord raises a record's needs-linking score to at least ARGV[1], and
// always strictly above its current score, so every write produces a flag the
// linker can tell apart from the one it observed.
//
// KEYS[1]: needs-linking zset. ARGV: now (ms), record id.
var flagRecord = redis.NewScript(`
local score = tonumber(ARGV[1])
local current = redis.call('ZSCORE', KEYS[1], ARGV[2])
if current and tonumber(current) >= score then
  score = tonumber(current) + 1
end
redis.call('ZADD', KEYS[1], string.format('%.0f', score), ARGV[2])
return string.format('%.0f', score)
`)

// PutRecord writes a record's properties, refreshes its blocking index entries
// for the given attributes and flags it as needing linking.
//
// Existing index entries for the record are removed first so an updated record
// is only reachable through its current values. The record hash is watched, so
// concurrent writers of the same record are serialized and the index never keeps
// tokens of a value that was overwritten.
func (c *Client) PutRecord(ctx context.Context, key RecordKey, props Properties, indexAttributes []string) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("invalid record key: %w", err)
	}
	if len(props) == 0 {
		return fmt.Errorf("record %s has no properties", key)
	}

	hash, err := PropertiesToHash(props)
	if err != nil {
		return fmt.Errorf("failed to serialize record %s: %w", key, err)
	}

	member := key.String()
	recordKey := RecordKeyName(c.instanceName, key)
	flagsKey := NeedsLinkingKey(c.instanceName, key.RecordSetID)

	write := func(tx *redis.Tx) error {
		previousHash, err := tx.HGetAll(ctx, recordKey).Result()
		if err != nil {
			return err
		}
		previous, err := HashToProperties(previousHash)
		if err != nil {
			return fmt.Errorf("failed to deserialize record %s: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recordKey)
			pipe.HSet(ctx, recordKey, hash)
			for _, attr := range indexAttributes {
				for _, v := range previous[attr] {
					if token := IndexToken(v); token != "" {
						pipe.SRem(ctx, IndexKey(c.instanceName, attr, token), member)
					}
				}
				for _, v := range props[attr] {
					if token := IndexToken(v); token != "" {
						pipe.SAdd(ctx, IndexKey(c.instanceName, attr, token), member)
					}
				}
			}
			flagRecord.Eval(ctx, pipe, []string{flagsKey}, time.Now().UnixMilli(), key.RecordID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < putRecordAttempts; attempt++ {
		err = c.rdb.Watch(ctx, write, recordKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("failed to write record %s: %w", key, ErrRecordContended)
	}
	if err != nil {
		return fmt.Errorf("failed to write record %s to Redis: %w", key, err)
	}
	return nil
}

// GetProperties retrieves the property bag of one record.
// Returns (nil, redis.Nil) if the record doesn't exist.
func (c *Client) GetProperties(ctx context.Context, key RecordKey) (Properties, error) {
	hash, err := c.rdb.HGetAll(ctx, RecordKeyName(c.instanceName, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s from Redis: %w", key, err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	props, err := HashToProperties(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize record %s: %w", key, err)
	}
	return props, nil
}

// GetPropertiesMany retrieves the property bags of several records in one round trip.
// Records that don't exist are absent from the result.
func (c *Client) GetPropertiesMany(ctx context.Context, keys []RecordKey) (map[RecordKey]Properties, error) {
	result := make(map[RecordKey]Properties, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, RecordKeyName(c.instanceName, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read records from Redis: %w", err)
	}

	for i, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		props, err := HashToProperties(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize record %s: %w", keys[i], err)
		}
		result[keys[i]] = props
	}
	return result, nil
}

// IndexMembers returns the records whose attribute holds the given normalized token.
func (c *Client) IndexMembers(ctx context.Context, attributeID, token string) ([]RecordKey, error) {
	members, err := c.rdb.SMembers(ctx, IndexKey(c.instanceName, attributeID, token)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s:%s: %w", attributeID, token, err)
	}
	return parseRecordKeys(members)
}

// FlagForLinking marks an existing record as needing (re-)linking. A record that
// is already flagged gets a later flag, which tells an in-flight link of the
// record that it must not clear the flag on commit.
func (c *Client) FlagForLinking(ctx context.Context, key RecordKey) error {
	err := flagRecord.Run(ctx, c.rdb, []string{NeedsLinkingKey(c.instanceName, key.RecordSetID)},
		time.Now().UnixMilli(), key.RecordID).Err()
	if err != nil {
		return fmt.Errorf("failed to flag %s for linking: %w", key, err)
	}
	return nil
}

// LinkingFlag returns the score of a record's needs-linking flag, or 0 if it is
// not flagged. Passing it to CommitRequest.CandidateFlag clears exactly this flag.
func (c *Client) LinkingFlag(ctx context.Context, key RecordKey) (int64, error) {
	score, err := c.rdb.ZScore(ctx, NeedsLinkingKey(c.instanceName, key.RecordSetID), key.RecordID).Result()
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read linking flag of %s: %w", key, err)
	}
	return int64(score), nil
}

// RecordsNeedingLinking returns up to limit records of a set flagged for linking,
// oldest flag first.
func (c *Client) RecordsNeedingLinking(ctx context.Context, recordSetID string, limit int) ([]RecordKey, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := c.rdb.ZRange(ctx, NeedsLinkingKey(c.instanceName, recordSetID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records needing linking in %s: %w", recordSetID, err)
	}
	keys := make([]RecordKey, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, RecordKey{RecordSetID: recordSetID, RecordID: id})
	}
	return keys, nil
}

// NeedsLinking reports whether a record is still flagged for linking.
func (c *Client) NeedsLinking(ctx context.Context, key RecordKey) (bool, error) {
	_, err := c.rdb.ZScore(ctx, NeedsLinkingKey(c.instanceName, key.RecordSetID), key.RecordID).Result()
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read linking flag of %s: %w", key, err)
	}
	return true, nil
}

// AddFeedback records a human match judgement for a pair of records. Recording
// one polarity removes any earlier opposite judgement for the same pair.
func (c *Client) AddFeedback(ctx context.Context, fb Feedback) error {
	a, b := fb.Pair.A, fb.Pair.B
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid feedback record: %w", err)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid feedback record: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, FeedbackKey(c.instanceName, fb.Linked, a), b.String())
	pipe.SAdd(ctx, FeedbackKey(c.instanceName, fb.Linked, b), a.String())
	pipe.SRem(ctx, FeedbackKey(c.instanceName, !fb.Linked, a), b.String())
	pipe.SRem(ctx, FeedbackKey(c.instanceName, !fb.Linked, b), a.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write feedback: %w", err)
	}
	return nil
}

// FeedbackFor returns the records judged to match (linked=true) or not to match
// (linked=false) the given record.
func (c *Client) FeedbackFor(ctx context.Context, key RecordKey, linked bool) ([]RecordKey, error) {
	members, err := c.rdb.SMembers(ctx, FeedbackKey(c.instanceName, linked, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback for %s: %w", key, err)
	}
	keys, err := parseRecordKeys(members)
	if err != nil {
		return nil, err
	}
	return SortRecordKeys(keys), nil
}

func parseRecordKeys(members []string) ([]RecordKey, error) {
	keys := make([]RecordKey, 0, len(members))
	for _, m := range members {
		key, err := ParseRecordKey(m)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// FlaggedRecord is a record waiting to be linked and the time it was flagged.
type FlaggedRecord struct {
	Key         RecordKey `json:"key"`
	FlaggedAtMs int64     `json:"flagged_at_ms"`
}

// RecordsFlaggedBetween returns up to limit records of a set flagged within
// [sinceMs, untilMs], oldest first. Zero bounds are open and a zero limit
// returns every match.
func (c *Client) RecordsFlaggedBetween(ctx context.Context, recordSetID string, sinceMs, untilMs int64, limit int) ([]FlaggedRecord, error) {
	lo, hi := "-inf", "+inf"
	if sinceMs > 0 {
		lo = strconv.FormatInt(sinceMs, 10)
	}
	if untilMs > 0 {
		hi = strconv.FormatInt(untilMs, 10)
	}

	entries, err := c.rdb.ZRangeByScoreWithScores(ctx, NeedsLinkingKey(c.instanceName, recordSetID), &redis.ZRangeBy{
		Min:   lo,
		Max:   hi,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records needing linking in %s: %w", recordSetID, err)
	}

	out := make([]FlaggedRecord, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		out = append(out, FlaggedRecord{
			Key:         RecordKey{RecordSetID: recordSetID, RecordID: id},
			FlaggedAtMs: int64(z.Score),
		})
	}
	return out, nil
}
