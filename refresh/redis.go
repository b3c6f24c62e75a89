package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound  int64 = 0
	rotateStatusExpired   int64 = 1
	rotateStatusReplay    int64 = 2
	rotateStatusRotated   int64 = 3
	rotateStatusCollision int64 = 4
	rotateStatusMismatch  int64 = 5
)

// extendScript is shared by every script that touches an index set. Index keys only
// ever move their expiry forward.
const extendScript = `
local function extend(key, at_ms, now_ms)
  local ttl = redis.call("PTTL", key)
  if ttl < 0 or now_ms + ttl < at_ms then
    redis.call("PEXPIREAT", key, at_ms)
  end
end
`

const saveTokenScript = extendScript + `
local row_key = KEYS[1]
local user_key = KEYS[2]
local family_key = KEYS[3]
local hash = ARGV[1]
local now_ms = tonumber(ARGV[4])
local keep_until = tonumber(ARGV[6])

if redis.call("EXISTS", row_key) == 1 then
  return 0
end

redis.call("HSET", row_key,
  "id", ARGV[2],
  "family", ARGV[3],
  "created", ARGV[4],
  "expires", ARGV[5],
  "revoked", "0")
redis.call("PEXPIREAT", row_key, keep_until)
redis.call("SADD", user_key, hash)
extend(user_key, keep_until, now_ms)
redis.call("SADD", family_key, hash)
extend(family_key, keep_until, now_ms)
return 1
`

var saveTokenLua = redis.NewScript(saveTokenScript)

const rotateTokenScript = extendScript + `
local old_key = KEYS[1]
local new_key = KEYS[2]
local user_key = KEYS[3]
local family_prefix = ARGV[1]
local old_hash = ARGV[2]
local new_hash = ARGV[3]
local new_id = ARGV[4]
local now_ms = tonumber(ARGV[5])
local new_expires = ARGV[6]
local keep_until = tonumber(ARGV[7])
local expected_family = ARGV[8]

local row = redis.call("HMGET", old_key, "family", "expires", "revoked", "replaced_by", "revoked_at", "id", "created")
if not row[1] then
  return {0}
end

local family = row[1]
if expected_family ~= "" and family ~= expected_family then
  return {5, family}
end
if row[3] == "1" then
  return {2, family, row[4] or "", row[5] or "", row[6] or "", row[7] or "", row[2] or ""}
end

if tonumber(row[2]) <= now_ms then
  return {1, family}
end

if redis.call("EXISTS", new_key) == 1 then
  return {4}
end

local family_key = family_prefix .. family

redis.call("HSET", old_key, "revoked", "1", "revoked_at", ARGV[5], "replaced_by", new_hash)
redis.call("SREM", user_key, old_hash)
redis.call("SREM", family_key, old_hash)

redis.call("HSET", new_key,
  "id", new_id,
  "family", family,
  "created", ARGV[5],
  "expires", new_expires,
  "revoked", "0")
redis.call("PEXPIREAT", new_key, keep_until)
redis.call("SADD", user_key, new_hash)
extend(user_key, keep_until, now_ms)
redis.call("SADD", family_key, new_hash)
extend(family_key, keep_until, now_ms)

return {3, family}
`

var rotateTokenLua = redis.NewScript(rotateTokenScript)

const revokeTokenScript = `
local row = redis.call("HMGET", KEYS[1], "revoked", "family")
if not row[1] or row[1] == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1])
redis.call("SREM", KEYS[2], ARGV[2])
redis.call("SREM", ARGV[3] .. row[2], ARGV[2])
return 1
`

var revokeTokenLua = redis.NewScript(revokeTokenScript)

// revokeIndexScript revokes every row listed in the index set KEYS[1]. It is used for
// both the per-user and the per-family index.
const revokeIndexScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local row_prefix = ARGV[1]
local now = ARGV[2]
local user_key = ARGV[3]
local family_prefix = ARGV[4]
local count = 0
for _, hash in ipairs(members) do
  local row_key = row_prefix .. hash
  local row = redis.call("HMGET", row_key, "revoked", "family")
  if row[1] == "0" then
    redis.call("HSET", row_key, "revoked", "1", "revoked_at", now)
    redis.call("SREM", family_prefix .. row[2], hash)
    redis.call("SREM", user_key, hash)
    count = count + 1
  end
  if row[1] then
    redis.call("SREM", KEYS[1], hash)
  end
end
return count
`

var revokeIndexLua = redis.NewScript(revokeIndexScript)

// RedisLedger is a Redis-backed [Ledger]. Each row is a hash; per-user and per-family
// sets index the unrevoked rows. Rows survive until their expiry plus the retention
// window so replays of long-rotated tokens are still recognized.
type RedisLedger struct {
	redis redis.UniversalClient
	opts  options
}

// NewRedisLedger creates a ledger on the given client.
func NewRedisLedger(client redis.UniversalClient, opts ...Option) *RedisLedger {
	return &RedisLedger{redis: client, opts: buildOptions(opts)}
}

func (l *RedisLedger) rowPrefix(userID string) string {
	return l.opts.prefix + ":t:" + userID + ":"
}

func (l *RedisLedger) rowKey(userID, hash string) string {
	return l.rowPrefix(userID) + hash
}

func (l *RedisLedger) userKey(userID string) string {
	return l.opts.prefix + ":u:" + userID
}

func (l *RedisLedger) familyPrefix() string {
	return l.opts.prefix + ":f:"
}

func (l *RedisLedger) keepUntil(expiresAt time.Time) int64 {
	return expiresAt.Add(l.opts.retention).UnixMilli()
}

// Save inserts an active row.
//
//	Performance: 1 EVALSHA.
func (l *RedisLedger) Save(ctx context.Context, userID, token string, expiresAt time.Time, opts ...SaveOption) (Record, error) {
	var so saveOptions
	for _, opt := range opts {
		opt(&so)
	}
	if so.familyID == "" {
		so.familyID = uuid.NewString()
	}

	now := l.opts.now()
	rec := Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		FamilyID:  so.familyID,
		TokenHash: HashHex(token),
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	created, err := saveTokenLua.Run(
		ctx,
		l.redis,
		[]string{l.rowKey(userID, rec.TokenHash), l.userKey(userID), l.familyPrefix() + rec.FamilyID},
		rec.TokenHash,
		rec.ID,
		rec.FamilyID,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(expiresAt.UnixMilli(), 10),
		strconv.FormatInt(l.keepUntil(expiresAt), 10),
	).Int64()
	if err != nil {
		return Record{}, unavailable(err)
	}
	if created == 0 {
		return Record{}, ErrTokenCollision
	}
	return rec, nil
}

// Validate reads the row once and checks revoked and expiry.
//
//	Performance: 1 HMGET.
func (l *RedisLedger) Validate(ctx context.Context, userID, token string) (bool, error) {
	vals, err := l.redis.HMGet(ctx, l.rowKey(userID, HashHex(token)), "expires", "revoked").Result()
	if err != nil {
		return false, unavailable(err)
	}
	expires, ok := vals[0].(string)
	if !ok {
		return false, nil
	}
	revoked, _ := vals[1].(string)
	if revoked != "0" {
		return false, nil
	}
	ms, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: corrupt expiry", ErrStoreUnavailable)
	}
	return l.opts.now().Before(time.UnixMilli(ms)), nil
}

// Lookup reads the whole row, including revoked and expired ones still within the
// retention window.
func (l *RedisLedger) Lookup(ctx context.Context, userID, token string) (Record, error) {
	hash := HashHex(token)
	vals, err := l.redis.HMGet(ctx, l.rowKey(userID, hash),
		"id", "family", "created", "expires", "revoked", "revoked_at", "replaced_by").Result()
	if err != nil {
		return Record{}, unavailable(err)
	}
	if vals[0] == nil {
		return Record{}, ErrTokenNotFound
	}

	rec := Record{
		ID:         stringAt(vals, 0),
		UserID:     userID,
		FamilyID:   stringAt(vals, 1),
		TokenHash:  hash,
		CreatedAt:  millisAt(vals, 2),
		ExpiresAt:  millisAt(vals, 3),
		Revoked:    stringAt(vals, 4) == "1",
		ReplacedBy: stringAt(vals, 6),
	}
	if at := millisAt(vals, 5); !at.IsZero() {
		rec.RevokedAt = &at
	}
	return rec, nil
}

// Rotate atomically replaces oldToken with newToken.
//
//	Performance: 1 EVALSHA (compare-and-swap on the revoked flag).
//	Security: the loser of a concurrent rotation observes revoked=1 and gets ErrReplayDetected.
func (l *RedisLedger) Rotate(ctx context.Context, userID, oldToken, newToken string, newExpiry time.Time, opts ...RotateOption) (Record, error) {
	ro := buildRotateOptions(opts)
	now := l.opts.now()
	oldHash := HashHex(oldToken)
	next := Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: HashHex(newToken),
		CreatedAt: now,
		ExpiresAt: newExpiry,
	}

	result, err := rotateTokenLua.Run(
		ctx,
		l.redis,
		[]string{l.rowKey(userID, oldHash), l.rowKey(userID, next.TokenHash), l.userKey(userID)},
		l.familyPrefix(),
		oldHash,
		next.TokenHash,
		next.ID,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(newExpiry.UnixMilli(), 10),
		strconv.FormatInt(l.keepUntil(newExpiry), 10),
		ro.familyID,
	).Result()
	if err != nil {
		return Record{}, unavailable(err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return Record{}, fmt.Errorf("%w: invalid rotate script response", ErrStoreUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return Record{}, fmt.Errorf("%w: invalid rotate script status", ErrStoreUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return Record{}, ErrReplayDetected
	case rotateStatusExpired:
		return Record{UserID: userID, FamilyID: stringAt(parts, 1), TokenHash: oldHash}, ErrTokenExpired
	case rotateStatusReplay:
		old := Record{
			ID:         stringAt(parts, 4),
			UserID:     userID,
			FamilyID:   stringAt(parts, 1),
			TokenHash:  oldHash,
			Revoked:    true,
			ReplacedBy: stringAt(parts, 2),
			CreatedAt:  millisAt(parts, 5),
			ExpiresAt:  millisAt(parts, 6),
		}
		if at := millisAt(parts, 3); !at.IsZero() {
			old.RevokedAt = &at
		}
		return old, ErrReplayDetected
	case rotateStatusRotated:
		next.FamilyID = stringAt(parts, 1)
		return next, nil
	case rotateStatusCollision:
		return Record{}, ErrTokenCollision
	case rotateStatusMismatch:
		return Record{UserID: userID, FamilyID: stringAt(parts, 1), TokenHash: oldHash}, ErrFamilyMismatch
	default:
		return Record{}, fmt.Errorf("%w: unknown rotate script status", ErrStoreUnavailable)
	}
}

// Revoke marks one row revoked. Unknown and already revoked rows return false.
func (l *RedisLedger) Revoke(ctx context.Context, userID, token string) (bool, error) {
	hash := HashHex(token)
	changed, err := revokeTokenLua.Run(
		ctx,
		l.redis,
		[]string{l.rowKey(userID, hash), l.userKey(userID)},
		strconv.FormatInt(l.opts.now().UnixMilli(), 10),
		hash,
		l.familyPrefix(),
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return changed == 1, nil
}

// RevokeAll revokes every unrevoked row of the user.
//
//	Performance: 1 EVALSHA, O(rows of the user).
func (l *RedisLedger) RevokeAll(ctx context.Context, userID string) (int, error) {
	return l.revokeIndex(ctx, userID, l.userKey(userID))
}

// RevokeFamily revokes every unrevoked row of one chain owned by userID.
func (l *RedisLedger) RevokeFamily(ctx context.Context, userID, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	return l.revokeIndex(ctx, userID, l.familyPrefix()+familyID)
}

func (l *RedisLedger) revokeIndex(ctx context.Context, userID, indexKey string) (int, error) {
	count, err := revokeIndexLua.Run(
		ctx,
		l.redis,
		[]string{indexKey},
		l.rowPrefix(userID),
		strconv.FormatInt(l.opts.now().UnixMilli(), 10),
		l.userKey(userID),
		l.familyPrefix(),
	).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable(err)
	}
	return int(count), nil
}

func stringAt(parts []interface{}, i int) string {
	if i >= len(parts) {
		return ""
	}
	switch v := parts[i].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func millisAt(parts []interface{}, i int) time.Time {
	ms, err := strconv.ParseInt(stringAt(parts, i), 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
