package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const revokeSessionScript = `
local row = redis.call("HMGET", KEYS[1], "active", "user")
if not row[1] or row[1] ~= "1" then
  return 0
end
redis.call("HSET", KEYS[1], "active", "0", "logout", ARGV[1])
redis.call("ZREM", ARGV[2] .. row[2], ARGV[3])
local retention = tonumber(ARGV[4])
if retention > 0 then
  redis.call("PEXPIRE", KEYS[1], retention)
end
return 1
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

const revokeUserSessionsScript = `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local session_prefix = ARGV[1]
local except = ARGV[2]
local now = ARGV[3]
local retention = tonumber(ARGV[4])
local count = 0
for _, id in ipairs(ids) do
  if id ~= except then
    local key = session_prefix .. id
    local active = redis.call("HGET", key, "active")
    if active == "1" then
      redis.call("HSET", key, "active", "0", "logout", now)
      if retention > 0 then
        redis.call("PEXPIRE", key, retention)
      end
      count = count + 1
    end
    redis.call("ZREM", KEYS[1], id)
  end
end
return count
`

var revokeUserSessionsLua = redis.NewScript(revokeUserSessionsScript)

const (
	touchStatusNotFound int64 = 0
	touchStatusTouched  int64 = 1
	touchStatusInactive int64 = 2
)

// touchSessionScript also keeps the user's index alive for as long as its newest session;
// the index expiry only ever moves forward.
const touchSessionScript = `
local row = redis.call("HMGET", KEYS[1], "active", "user", "login")
if not row[1] then
  return 0
end
if row[1] ~= "1" then
  return 2
end
local idle = tonumber(ARGV[2])
redis.call("HSET", KEYS[1], "last", ARGV[1])
redis.call("PEXPIRE", KEYS[1], idle)
local user_key = ARGV[3] .. row[2]
local ttl = redis.call("PTTL", user_key)
if ttl == -2 then
  redis.call("ZADD", user_key, row[3], ARGV[4])
  redis.call("PEXPIRE", user_key, idle)
elseif ttl ~= -1 and ttl < idle then
  redis.call("PEXPIRE", user_key, idle)
end
return 1
`

var touchSessionLua = redis.NewScript(touchSessionScript)

// RedisRegistry is a Redis-backed [Registry]. Each session is a hash; a sorted set per
// user indexes the active ones by login time.
type RedisRegistry struct {
	redis redis.UniversalClient
	opts  options
}

// NewRedisRegistry creates a registry on the given client.
func NewRedisRegistry(client redis.UniversalClient, opts ...Option) *RedisRegistry {
	return &RedisRegistry{redis: client, opts: buildOptions(opts)}
}

func (r *RedisRegistry) sessionPrefix() string {
	return r.opts.prefix + ":s:"
}

func (r *RedisRegistry) sessionKey(id string) string {
	return r.sessionPrefix() + id
}

func (r *RedisRegistry) userPrefix() string {
	return r.opts.prefix + ":u:"
}

func (r *RedisRegistry) userKey(userID string) string {
	return r.userPrefix() + userID
}

// Create stores the hash and indexes it in one MULTI.
func (r *RedisRegistry) Create(ctx context.Context, in NewSession) (*Session, error) {
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		Device:       in.Device,
		Location:     in.Location,
		IP:           in.IP,
		LoginTime:    r.opts.now(),
		Active:       true,
		SessionToken: in.SessionToken,
	}
	login := sess.LoginTime.UnixMilli()
	key := r.sessionKey(sess.ID)
	userKey := r.userKey(sess.UserID)

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user", sess.UserID,
			"device", sess.Device,
			"location", sess.Location,
			"ip", sess.IP,
			"login", strconv.FormatInt(login, 10),
			"active", "1",
			"token", sess.SessionToken,
		)
		pipe.PExpire(ctx, key, r.opts.idleTTL)
		pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(login), Member: sess.ID})
		pipe.PExpire(ctx, userKey, r.opts.idleTTL)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return sess, nil
}

// ActiveForUser reads the index and the hashes in one pipeline each. Index entries
// whose hash has expired are dropped.
func (r *RedisRegistry) ActiveForUser(ctx context.Context, userID string) ([]Session, error) {
	userKey := r.userKey(userID)
	ids, err := r.redis.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeSession(ids[i], fields)
		if err != nil {
			return nil, err
		}
		if sess.Active {
			out = append(out, *sess)
		}
	}
	if len(stale) > 0 {
		_ = r.redis.ZRem(ctx, userKey, stale...).Err()
	}
	return out, nil
}

// Get reads one hash.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := r.redis.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeSession(id, fields)
}

// Revoke flips active to false and stamps the logout time.
//
//	Performance: 1 EVALSHA.
func (r *RedisRegistry) Revoke(ctx context.Context, id string) (bool, error) {
	changed, err := revokeSessionLua.Run(
		ctx,
		r.redis,
		[]string{r.sessionKey(id)},
		strconv.FormatInt(r.opts.now().UnixMilli(), 10),
		r.userPrefix(),
		id,
		strconv.FormatInt(r.opts.retention.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return changed == 1, nil
}

// RevokeAllForUser walks the user's index inside one script.
//
//	Performance: 1 EVALSHA, O(active sessions of the user).
func (r *RedisRegistry) RevokeAllForUser(ctx context.Context, userID, exceptID string) (int, error) {
	count, err := revokeUserSessionsLua.Run(
		ctx,
		r.redis,
		[]string{r.userKey(userID)},
		r.sessionPrefix(),
		exceptID,
		strconv.FormatInt(r.opts.now().UnixMilli(), 10),
		strconv.FormatInt(r.opts.retention.Milliseconds(), 10),
	).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable(err)
	}
	return int(count), nil
}

// Touch sets LastActivity and extends the idle TTL of the session and of the user's
// index. An index that already expired is recreated with this session in it.
func (r *RedisRegistry) Touch(ctx context.Context, id string, at time.Time) error {
	status, err := touchSessionLua.Run(
		ctx,
		r.redis,
		[]string{r.sessionKey(id)},
		strconv.FormatInt(at.UnixMilli(), 10),
		strconv.FormatInt(r.opts.idleTTL.Milliseconds(), 10),
		r.userPrefix(),
		id,
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	switch status {
	case touchStatusTouched:
		return nil
	case touchStatusInactive:
		return ErrSessionInactive
	case touchStatusNotFound:
		return ErrSessionNotFound
	default:
		return fmt.Errorf("%w: unknown touch script status", ErrStoreUnavailable)
	}
}

func decodeSession(id string, fields map[string]string) (*Session, error) {
	login, err := parseMillis(fields["login"])
	if err != nil || login == nil {
		return nil, fmt.Errorf("%w: corrupt session %s", ErrStoreUnavailable, id)
	}
	last, err := parseMillis(fields["last"])
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt session %s", ErrStoreUnavailable, id)
	}
	logout, err := parseMillis(fields["logout"])
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt session %s", ErrStoreUnavailable, id)
	}

	sess := &Session{
		ID:           id,
		UserID:       fields["user"],
		Device:       fields["device"],
		Location:     fields["location"],
		IP:           fields["ip"],
		LoginTime:    *login,
		LastActivity: last,
		Active:       fields["active"] == "1",
		SessionToken: fields["token"],
	}
	if !sess.Active {
		sess.LogoutTime = logout
	}
	return sess, nil
}

func parseMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms)
	return &t, nil
}
