// Package album aggregates per-post vision results that share a Telegram
// grouped_id into one enrichment on the media group, emitting a single
// album.assembled event per album.
package album

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// State record per album, a Redis hash under album:state:{group_id}:
//
//	expected       items the album must collect
//	created_at     unix seconds of first sighting
//	assembled_at   set atomically by the completing transition
//	recv:{post_id} per-post vision summary JSON
//
// All transitions run through Lua so that two consumers delivering the
// last two vision events cannot both observe completion.
const stateKeyPrefix = "album:state:"

func stateKey(groupID string) string {
	return stateKeyPrefix + groupID
}

// ensureScript creates the record or grows expected. Expected never
// shrinks; albums can grow across batches but not forget items.
var ensureScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 0 then
  redis.call('HSET', key, 'expected', expected, 'created_at', ARGV[2])
  redis.call('PEXPIRE', key, ARGV[3])
  return 'created'
end
local cur = tonumber(redis.call('HGET', key, 'expected')) or 0
if expected > cur then
  redis.call('HSET', key, 'expected', expected)
end
return 'updated'
`)

// recordScript stores one vision summary and flips assembled_at when the
// set is complete. Exactly one caller gets 'assemble'; everyone after
// the flip gets 'done'. An empty post id is a pure completeness probe.
var recordScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return 'missing'
end
if redis.call('HGET', key, 'assembled_at') then
  return 'done'
end
if ARGV[1] ~= '' then
  redis.call('HSET', key, 'recv:' .. ARGV[1], ARGV[2])
end
local expected = tonumber(redis.call('HGET', key, 'expected')) or 0
local received = 0
for _, f in ipairs(redis.call('HKEYS', key)) do
  if string.sub(f, 1, 5) == 'recv:' then
    received = received + 1
  end
end
if expected > 0 and received >= expected then
  redis.call('HSET', key, 'assembled_at', ARGV[3])
  return 'assemble'
end
return 'partial'
`)

// Transition results.
const (
	transitionCreated  = "created"
	transitionUpdated  = "updated"
	transitionMissing  = "missing"
	transitionPartial  = "partial"
	transitionAssemble = "assemble"
	transitionDone     = "done"
)

// stateStore wraps the Redis-side album state.
type stateStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func newStateStore(rdb *redis.Client, ttl time.Duration) *stateStore {
	return &stateStore{rdb: rdb, ttl: ttl}
}

// Ensure creates or grows the record for groupID.
func (s *stateStore) Ensure(ctx context.Context, groupID string, expectedItems int) error {
	// Keys outlive the logical TTL so the expiry sweep can still read the
	// partial set and emit album.assembly_expired before deleting.
	_, err := ensureScript.Run(ctx, s.rdb,
		[]string{stateKey(groupID)},
		expectedItems,
		time.Now().Unix(),
		(2 * s.ttl).Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to ensure album state %s: %w", groupID, err)
	}
	return nil
}

// Record stores one post's vision summary and returns the transition.
// postID may be empty to probe for completeness only.
func (s *stateStore) Record(ctx context.Context, groupID, postID, summaryJSON string) (string, error) {
	res, err := recordScript.Run(ctx, s.rdb,
		[]string{stateKey(groupID)},
		postID,
		summaryJSON,
		time.Now().Unix(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("failed to record album vision %s/%s: %w", groupID, postID, err)
	}
	return res, nil
}

// snapshot is the decoded state record.
type snapshot struct {
	Expected  int
	CreatedAt time.Time
	Assembled bool
	Received  map[string]string // post_id -> summary JSON
}

// Snapshot reads the full record. Missing key returns nil.
func (s *stateStore) Snapshot(ctx context.Context, groupID string) (*snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, stateKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read album state %s: %w", groupID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	snap := &snapshot{Received: map[string]string{}}
	for field, value := range fields {
		switch {
		case field == "expected":
			snap.Expected, _ = strconv.Atoi(value)
		case field == "created_at":
			secs, _ := strconv.ParseInt(value, 10, 64)
			snap.CreatedAt = time.Unix(secs, 0).UTC()
		case field == "assembled_at":
			snap.Assembled = true
		case strings.HasPrefix(field, "recv:"):
			snap.Received[strings.TrimPrefix(field, "recv:")] = value
		}
	}
	return snap, nil
}

// ClearAssembled removes the sentinel so a failed assembly can be
// re-triggered by the next delivery.
func (s *stateStore) ClearAssembled(ctx context.Context, groupID string) error {
	return s.rdb.HDel(ctx, stateKey(groupID), "assembled_at").Err()
}

// Delete removes the record after assembly or expiry.
func (s *stateStore) Delete(ctx context.Context, groupID string) error {
	return s.rdb.Del(ctx, stateKey(groupID)).Err()
}

// ListGroupIDs scans all live album state keys for the expiry sweep.
func (s *stateStore) ListGroupIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, stateKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), stateKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan album state keys: %w", err)
	}
	return ids, nil
}
