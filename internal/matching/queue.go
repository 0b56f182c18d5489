package matching

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the queue.
	keyEntryPrefix = "queue:entry:"  // + <user_id> -> Hash
	keyWaiting     = "queue:waiting" // Sorted set, score = joined_at (ms)

	// DefaultEntryTTL is how long an untouched queue entry survives.
	DefaultEntryTTL = 30 * time.Minute

	StatusWaiting = "waiting"
	StatusMatched = "matched"
)

// ClaimResult is the outcome of ClaimPair.
type ClaimResult int

const (
	ClaimOK            ClaimResult = 1
	ClaimCallerGone    ClaimResult = 0
	ClaimCandidateGone ClaimResult = -1
)

// QueueEntry is a user's state in the matchmaking queue.
type QueueEntry struct {
	UserID    string
	Interests InterestProfile
	Status    string
	JoinedAt  time.Time
}

// Queue stores waiting users in Redis. Each user has at most one entry,
// keyed by user id.
type Queue struct {
	rdb           *redis.Client
	ttl           time.Duration
	upsertScript   *redis.Script
	claimScript    *redis.Script
	releaseScript  *redis.Script
	positionScript *redis.Script
}

// NewQueue creates a queue backed by Redis. A non-positive ttl falls back to
// DefaultEntryTTL.
func NewQueue(rdb *redis.Client, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	return &Queue{
		rdb:           rdb,
		ttl:           ttl,
		upsertScript:   redis.NewScript(upsertLua),
		claimScript:    redis.NewScript(claimPairLua),
		releaseScript:  redis.NewScript(releaseLua),
		positionScript: redis.NewScript(positionLua),
	}
}

// Upsert inserts or refreshes a user's entry. The interests snapshot is
// replaced and the status reset to waiting. joined_at is kept from an
// existing entry.
func (q *Queue) Upsert(ctx context.Context, userID string, interests InterestProfile) (*QueueEntry, error) {
	orgs := interests.Organizations
	if orgs == nil {
		orgs = []string{}
	}
	orgsJSON, err := json.Marshal(orgs)
	if err != nil {
		return nil, fmt.Errorf("matching: marshal organizations: %w", err)
	}

	now := time.Now().UnixMilli()
	keys := []string{keyEntryPrefix + userID, keyWaiting}
	joined, err := q.upsertScript.Run(ctx, q.rdb, keys,
		userID, interests.Course, interests.Dorm, string(orgsJSON), now, q.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("matching: upsert %s: %w", userID, err)
	}

	return &QueueEntry{
		UserID: userID,
		Interests: InterestProfile{
			Course:        interests.Course,
			Dorm:          interests.Dorm,
			Organizations: orgs,
		},
		Status:   StatusWaiting,
		JoinedAt: time.UnixMilli(joined),
	}, nil
}

// Remove deletes the entries of the given users. Missing entries are ignored.
func (q *Queue) Remove(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}

	pipe := q.rdb.Pipeline()
	members := make([]interface{}, 0, len(userIDs))
	for _, id := range userIDs {
		pipe.Del(ctx, keyEntryPrefix+id)
		members = append(members, id)
	}
	pipe.ZRem(ctx, keyWaiting, members...)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: remove: %w", err)
	}
	return nil
}

// Get retrieves a user's queue entry. Returns nil if not found.
func (q *Queue) Get(ctx context.Context, userID string) (*QueueEntry, error) {
	result, err := q.rdb.HGetAll(ctx, keyEntryPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: get %s: %w", userID, err)
	}
	return parseEntry(userID, result)
}

// ListWaitingExcept returns all waiting entries other than userID, oldest
// first.
func (q *Queue) ListWaitingExcept(ctx context.Context, userID string) ([]QueueEntry, error) {
	ids, err := q.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: list waiting: %w", err)
	}

	pipe := q.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		if id == userID {
			continue
		}
		cmds[id] = pipe.HGetAll(ctx, keyEntryPrefix+id)
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("matching: list waiting: %w", err)
	}

	entries := make([]QueueEntry, 0, len(cmds))
	for _, id := range ids {
		cmd, ok := cmds[id]
		if !ok {
			continue
		}
		entry, err := parseEntry(id, cmd.Val())
		if err != nil {
			return nil, err
		}
		// Expired hashes leave a dangling member until the next purge.
		if entry == nil || entry.Status != StatusWaiting {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// ClaimPair atomically moves both entries from waiting to matched. It fails
// without side effects if either entry is missing or no longer waiting.
func (q *Queue) ClaimPair(ctx context.Context, callerID, candidateID string) (ClaimResult, error) {
	keys := []string{keyEntryPrefix + callerID, keyEntryPrefix + candidateID, keyWaiting}
	result, err := q.claimScript.Run(ctx, q.rdb, keys, callerID, candidateID).Int()
	if err != nil {
		return ClaimCallerGone, fmt.Errorf("matching: claim %s/%s: %w", callerID, candidateID, err)
	}
	return ClaimResult(result), nil
}

// Release returns claimed entries to the waiting pool.
func (q *Queue) Release(ctx context.Context, userIDs ...string) error {
	for _, id := range userIDs {
		keys := []string{keyEntryPrefix + id, keyWaiting}
		if err := q.releaseScript.Run(ctx, q.rdb, keys, id).Err(); err != nil {
			return fmt.Errorf("matching: release %s: %w", id, err)
		}
	}
	return nil
}

// Position returns the 1-based rank of userID among waiting users, or 0 if
// the user is not waiting. Members whose entry hash has expired are not
// counted, even before PurgeExpired removes them.
func (q *Queue) Position(ctx context.Context, userID string) (int64, error) {
	keys := []string{keyWaiting}
	pos, err := q.positionScript.Run(ctx, q.rdb, keys, userID, keyEntryPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("matching: position %s: %w", userID, err)
	}
	return pos, nil
}

// Size returns the number of waiting users.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyWaiting).Result()
}

// PurgeExpired drops waiting-set members whose entry hash has expired and
// returns how many were removed.
func (q *Queue) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("matching: purge: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, keyEntryPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("matching: purge: %w", err)
	}

	var stale []interface{}
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := q.rdb.ZRem(ctx, keyWaiting, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("matching: purge: %w", err)
	}
	return int(removed), nil
}

func parseEntry(userID string, fields map[string]string) (*QueueEntry, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	var orgs []string
	if raw := fields["organizations"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &orgs); err != nil {
			return nil, fmt.Errorf("matching: decode organizations for %s: %w", userID, err)
		}
	}
	joinedAt, _ := strconv.ParseInt(fields["joined_at"], 10, 64)

	return &QueueEntry{
		UserID: userID,
		Interests: InterestProfile{
			Course:        fields["course"],
			Dorm:          fields["dorm"],
			Organizations: orgs,
		},
		Status:   fields["status"],
		JoinedAt: time.UnixMilli(joinedAt),
	}, nil
}

// upsertLua writes an entry and keeps joined_at if one exists. Returns the
// effective joined_at in milliseconds.
const upsertLua = `
local key = KEYS[1]
local waiting = KEYS[2]
local user_id = ARGV[1]

local joined_at = redis.call('HGET', key, 'joined_at')
if not joined_at then joined_at = ARGV[5] end

redis.call('HSET', key,
    'user_id', user_id,
    'course', ARGV[2],
    'dorm', ARGV[3],
    'organizations', ARGV[4],
    'status', 'waiting',
    'joined_at', joined_at)
redis.call('PEXPIRE', key, ARGV[6])
redis.call('ZADD', waiting, joined_at, user_id)

return tonumber(joined_at)
`

// claimPairLua flips two waiting entries to matched. Returns:
//
//	1 = both claimed
//	0 = caller missing or not waiting
//	-1 = candidate missing or not waiting
const claimPairLua = `
local caller_key = KEYS[1]
local candidate_key = KEYS[2]
local waiting = KEYS[3]

if redis.call('HGET', caller_key, 'status') ~= 'waiting' then return 0 end
if redis.call('HGET', candidate_key, 'status') ~= 'waiting' then return -1 end

redis.call('HSET', caller_key, 'status', 'matched')
redis.call('HSET', candidate_key, 'status', 'matched')
redis.call('ZREM', waiting, ARGV[1], ARGV[2])

return 1
`

// releaseLua puts a matched entry back into the waiting set.
const releaseLua = `
local key = KEYS[1]
local waiting = KEYS[2]

if redis.call('HGET', key, 'status') ~= 'matched' then return 0 end

redis.call('HSET', key, 'status', 'waiting')
redis.call('ZADD', waiting, redis.call('HGET', key, 'joined_at'), ARGV[1])

return 1
`

// positionLua counts live entries up to and including ARGV[1] in the waiting
// set. Returns 0 when the user is not waiting or their entry has expired.
const positionLua = `
local waiting = KEYS[1]
local user_id = ARGV[1]
local prefix = ARGV[2]

local rank = redis.call('ZRANK', waiting, user_id)
if not rank then return 0 end
if redis.call('EXISTS', prefix .. user_id) == 0 then return 0 end

local pos = 0
for _, id in ipairs(redis.call('ZRANGE', waiting, 0, rank)) do
  if redis.call('EXISTS', prefix .. id) == 1 then pos = pos + 1 end
end
return pos
`
