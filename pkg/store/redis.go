package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustmesh/repcore/pkg/contracts"
)

// cooldownScript performs the cooldown check-and-set atomically.
// KEYS[1] = cooldown key
// ARGV[1] = event timestamp (unix millis)
// ARGV[2] = cooldown (millis)
// Returns {ok, previous_ms}.
// Millisecond precision keeps values inside Lua's exact integer range.
var cooldownScript = redis.NewScript(`
local key = KEYS[1]
local ts = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local last = tonumber(redis.call("GET", key))
if last and (ts - last) < cooldown then
    return {0, last}
end

redis.call("SET", key, ts)
if last then
    return {1, last}
end
return {1, 0}
`)

// counterScript bumps the rolling occurrence counter, resetting it after
// the window elapses.
// KEYS[1] = counter key
// ARGV[1] = now (unix millis)
// ARGV[2] = window (millis)
// Returns the new count.
var counterScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local state = redis.call("HMGET", key, "count", "last")
local count = tonumber(state[1]) or 0
local last = tonumber(state[2])

if last and (now - last) > window then
    count = 0
end
count = count + 1

redis.call("HMSET", key, "count", count, "last", now)
redis.call("PEXPIRE", key, window * 2)
return count
`)

// RedisStateStore implements CooldownStore and CounterStore on Redis, for
// deployments where several engine instances must share cooldown and
// diminishing-returns state. Leaf sequences stay in the SQL store.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore connects to a Redis instance.
func NewRedisStateStore(addr, password string, db int) *RedisStateStore {
	return &RedisStateStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func redisKey(kind, userID string, t contracts.EventType) string {
	return fmt.Sprintf("repcore:%s:%s:%s", kind, userID, t)
}

func (s *RedisStateStore) CheckAndSet(ctx context.Context, userID string, t contracts.EventType, ts time.Time, cooldown time.Duration) (bool, time.Time, error) {
	res, err := cooldownScript.Run(ctx, s.client,
		[]string{redisKey("cooldown", userID, t)},
		ts.UnixMilli(), cooldown.Milliseconds()).Int64Slice()
	if err != nil {
		return false, time.Time{}, contracts.CollaboratorError("redis cooldown", err)
	}
	if len(res) != 2 {
		return false, time.Time{}, contracts.CollaboratorError("redis cooldown",
			fmt.Errorf("unexpected script result %v", res))
	}
	var last time.Time
	if res[1] != 0 {
		last = time.UnixMilli(res[1])
	}
	return res[0] == 1, last, nil
}

func (s *RedisStateStore) Bump(ctx context.Context, userID string, t contracts.EventType, now time.Time, window time.Duration) (int, error) {
	count, err := counterScript.Run(ctx, s.client,
		[]string{redisKey("counter", userID, t)},
		now.UnixMilli(), window.Milliseconds()).Int()
	if err != nil {
		return 0, contracts.CollaboratorError("redis counter", err)
	}
	return count, nil
}
