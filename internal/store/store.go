package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps every transport-level Redis failure so callers can
// fail closed without inspecting driver errors.
var ErrUnavailable = errors.New("credential store unavailable")

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("record not found")

// ErrRefreshNotFound is returned by RotateRefresh when the presented opaque
// value has no record: never issued, already rotated, expired past its TTL,
// or revoked.
var ErrRefreshNotFound = errors.New("refresh record not found")

// ErrRefreshExpired is returned by RotateRefresh when the record exists but
// its TTL has already elapsed.
var ErrRefreshExpired = errors.New("refresh record expired")

// ErrRefreshReused is returned by RotateRefresh when the presented value was
// already consumed by an earlier rotation. The accompanying payload is the
// rotation tombstone, which still names the owning subject.
var ErrRefreshReused = errors.New("refresh record already consumed")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusRotated  int64 = 2
	rotateStatusReused   int64 = 3
)

// rotateRefreshScript consumes a refresh record and writes its successor in
// one atomic step. The successor inherits the REMAINING TTL of the consumed
// record, so the ceiling set at first issuance is never extended by
// rotation. The consumed key is overwritten with a "rotated" tombstone
// carrying the subject, which lets a later replay be told apart from a value
// that never existed. Concurrent presentations of the same value race inside
// the script: exactly one caller rotates, the rest observe the tombstone.
// The subject's refresh index may outlive this rotation when another grant
// holds a longer lease, so its expiry is only ever extended, never
// shortened; shrinking it would hide the longer-lived grant from
// subject-wide revocation.
const rotateRefreshScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local rec = cjson.decode(data)
if rec["state"] == "rotated" then
  return {3, data}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  redis.call("DEL", KEYS[1])
  return {1}
end
local idx = ARGV[1] .. rec["sub"]
rec["iat"] = tonumber(ARGV[4])
redis.call("SET", KEYS[2], cjson.encode(rec), "PX", ttl)
redis.call("SADD", idx, ARGV[3])
local idxttl = redis.call("PTTL", idx)
if idxttl < ttl then
  redis.call("PEXPIRE", idx, ttl)
end
local tomb = cjson.encode({state="rotated", sub=rec["sub"], successor=ARGV[3]})
redis.call("SET", KEYS[1], tomb, "PX", ttl)
redis.call("SREM", idx, ARGV[2])
return {2, data, ttl}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// purgeSubjectScript removes a subject's active-token record, refresh
// records, and refresh index in one atomic step.
const purgeSubjectScript = `
local removed = 0
local toks = redis.call("SMEMBERS", KEYS[1])
for _, t in ipairs(toks) do
  removed = removed + redis.call("DEL", ARGV[1] .. t)
end
redis.call("DEL", KEYS[1])
removed = removed + redis.call("DEL", KEYS[2])
return removed
`

var purgeSubjectLua = redis.NewScript(purgeSubjectScript)

// Store is the expiring key-value layer shared by every component. It owns
// no policy: TTLs and payload shapes are decided by callers. A single Store
// wraps the process-wide Redis client and is safe for concurrent use.
type Store struct {
	rdb redis.UniversalClient
}

// New wraps an existing Redis client. The client is injected, never
// constructed here, so ownership stays with the caller.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// SetWithTTL writes a value that the store itself expires after ttl.
// A non-positive ttl keeps the key forever.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get reads a value, mapping missing/expired keys to ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Exists reports whether a key currently holds an unexpired value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Delete removes keys. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ScanPrefix enumerates keys under a prefix. max <= 0 scans everything.
// This is an O(n) admin-path operation and must not appear in request hot
// paths.
func (s *Store) ScanPrefix(ctx context.Context, prefix string, max int) ([]string, error) {
	var (
		cursor uint64
		found  []string
	)
	pattern := prefix + "*"

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		found = append(found, keys...)
		if max > 0 && len(found) >= max {
			return found[:max], nil
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return found, nil
}

// PTTL returns the remaining lifetime of a key, or ErrNotFound when the key
// does not exist or carries no expiry.
func (s *Store) PTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

// SetMembers returns the members of a set, empty when the set is absent.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return members, nil
}

// ListPushTrim prepends a value to a list and trims it to cap entries,
// oldest removed first. The two commands run in one transaction so a trim
// can never observe a half-applied push.
func (s *Store) ListPushTrim(ctx context.Context, key string, value []byte, cap int64) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if cap > 0 {
			pipe.LTrim(ctx, key, 0, cap-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ListRange reads list entries [start, stop], newest first for lists
// written through ListPushTrim.
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	values, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return [][]byte{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out, nil
}

// ListLen returns the current length of a list.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// SaveGrant writes the records backing one issuance in a single
// transaction: the subject's active-token record, the refresh record keyed
// by opaque value, and the subject's refresh index entry. All three share
// the refresh ceiling TTL.
func (s *Store) SaveGrant(ctx context.Context, subject string, active []byte, opaque string, refresh []byte, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ActiveKey(subject), active, ttl)
		pipe.Set(ctx, RefreshKey(opaque), refresh, ttl)
		pipe.SAdd(ctx, RefreshIndexKey(subject), opaque)
		pipe.PExpire(ctx, RefreshIndexKey(subject), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RotateRefresh atomically consumes the record at oldOpaque and writes its
// successor at newOpaque with the remaining TTL carried over. Returns the
// consumed record payload and that remaining TTL. A value that was already
// consumed, whether long ago or by a concurrent caller racing this one,
// yields ErrRefreshReused together with its tombstone; a value with no
// record at all yields ErrRefreshNotFound.
func (s *Store) RotateRefresh(ctx context.Context, oldOpaque, newOpaque string, now time.Time) ([]byte, time.Duration, error) {
	result, err := rotateRefreshLua.Run(
		ctx,
		s.rdb,
		[]string{RefreshKey(oldOpaque), RefreshKey(newOpaque)},
		RefreshIndexPrefix,
		oldOpaque,
		newOpaque,
		now.Unix(),
	).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, 0, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, 0, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, 0, ErrRefreshNotFound
	case rotateStatusExpired:
		return nil, 0, ErrRefreshExpired
	case rotateStatusReused:
		if len(parts) < 2 {
			return nil, 0, fmt.Errorf("%w: missing rotate script payload", ErrUnavailable)
		}
		payload, err := scriptPayload(parts[1])
		if err != nil {
			return nil, 0, err
		}
		return payload, 0, ErrRefreshReused
	case rotateStatusRotated:
		if len(parts) < 3 {
			return nil, 0, fmt.Errorf("%w: missing rotate script payload", ErrUnavailable)
		}
		payload, err := scriptPayload(parts[1])
		if err != nil {
			return nil, 0, err
		}
		ttlMillis, ok := parts[2].(int64)
		if !ok {
			return nil, 0, fmt.Errorf("%w: invalid rotate script ttl", ErrUnavailable)
		}
		return payload, time.Duration(ttlMillis) * time.Millisecond, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown rotate script status %d", ErrUnavailable, code)
	}
}

func scriptPayload(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		return nil, fmt.Errorf("%w: invalid rotate script payload", ErrUnavailable)
	}
}

// PurgeSubject removes a subject's active-token record, every outstanding
// refresh record, and the refresh index in one atomic step. Returns the
// number of records removed.
func (s *Store) PurgeSubject(ctx context.Context, subject string) (int64, error) {
	removed, err := purgeSubjectLua.Run(
		ctx,
		s.rdb,
		[]string{RefreshIndexKey(subject), ActiveKey(subject)},
		RefreshPrefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

// Ping reports store reachability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
