// Package store wraps Redis with the set, sorted-queue, hash, list and
// string primitives every other component builds on. All persistent state
// lives here; crash recovery is a matter of reconnecting.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-harvester/internal/pkg/distlock"
)

// Store is the shared-state store. Connection failures surface to callers
// wrapped with the failing operation; they are never swallowed.
type Store struct {
	client *redis.Client
}

// New creates a Store over an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", addr, err)
	}
	return &Store{client: client}, nil
}

// Client exposes the underlying Redis client for lock construction and tests.
func (s *Store) Client() *redis.Client { return s.client }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies store availability. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// ---- Set ----

// SetAdd adds members to a set and refreshes the set TTL if given.
func (s *Store) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...interface{}) (int64, error) {
	added, err := s.client.SAdd(ctx, key, members...).Result()
	if err != nil {
		return 0, fmt.Errorf("store: sadd %s: %w", key, err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return added, fmt.Errorf("store: expire %s: %w", key, err)
		}
	}
	return added, nil
}

// SetContains reports set membership.
func (s *Store) SetContains(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("store: sismember %s: %w", key, err)
	}
	return ok, nil
}

// SetBatchContains reports membership for many members in one round trip.
func (s *Store) SetBatchContains(ctx context.Context, key string, members ...string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	res, err := s.client.SMIsMember(ctx, key, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smismember %s: %w", key, err)
	}
	return res, nil
}

// SetCard returns the set cardinality.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: scard %s: %w", key, err)
	}
	return n, nil
}

// ---- Sorted queue ----

// ZPush inserts a member with the given score.
func (s *Store) ZPush(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("store: zadd %s: %w", key, err)
	}
	return nil
}

// ZBatchPush inserts many members in one round trip.
func (s *Store) ZBatchPush(ctx context.Context, key string, entries map[string]float64) error {
	if len(entries) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(entries))
	for member, score := range entries {
		zs = append(zs, redis.Z{Score: score, Member: member})
	}
	if err := s.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return fmt.Errorf("store: zadd batch %s: %w", key, err)
	}
	return nil
}

// atomicDequeueScript pops up to ARGV[1] lowest-score members from the main
// queue and inserts them into the in-flight queue with score ARGV[2], as one
// server-side step. Either all popped ids land in-flight or none do.
var atomicDequeueScript = redis.NewScript(`
	local popped = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
	if #popped == 0 then
		return popped
	end
	redis.call('ZREM', KEYS[1], unpack(popped))
	for _, id in ipairs(popped) do
		redis.call('ZADD', KEYS[2], ARGV[2], id)
	end
	return popped
`)

// AtomicDequeue moves up to n lowest-score members from queueKey into
// inflightKey scored at now + visibility. Returns the moved members, lowest
// score first; empty when the queue is empty.
func (s *Store) AtomicDequeue(ctx context.Context, queueKey, inflightKey string, n int, visibility time.Duration) ([]string, error) {
	deadline := float64(time.Now().Add(visibility).Unix())
	res, err := atomicDequeueScript.Run(ctx, s.client, []string{queueKey, inflightKey}, n, deadline).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("store: atomic dequeue %s: %w", queueKey, err)
	}
	return res, nil
}

// ZRemove removes a member from a sorted set. Returns true if it was present.
func (s *Store) ZRemove(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("store: zrem %s: %w", key, err)
	}
	return n > 0, nil
}

// ZScore returns a member's score and whether the member exists.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: zscore %s: %w", key, err)
	}
	return score, true, nil
}

// ZRangeByScoreMax returns all members with score <= max.
func (s *Store) ZRangeByScoreMax(ctx context.Context, key string, max float64) ([]string, error) {
	res, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: zrangebyscore %s: %w", key, err)
	}
	return res, nil
}

// ZCard returns the sorted-set cardinality.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: zcard %s: %w", key, err)
	}
	return n, nil
}

// ---- Hash ----

// HSet writes hash fields from a map.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("store: hset %s: %w", key, err)
	}
	return nil
}

// HGetAll returns all hash fields. Missing keys yield an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return res, nil
}

// HIncrBy atomically increments a hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("store: hincrby %s.%s: %w", key, field, err)
	}
	return n, nil
}

// HDel removes the hash entirely.
func (s *Store) HDel(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: del %s: %w", key, err)
	}
	return nil
}

// ---- List ----

// LPush prepends values to a list.
func (s *Store) LPush(ctx context.Context, key string, values ...interface{}) error {
	if err := s.client.LPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("store: lpush %s: %w", key, err)
	}
	return nil
}

// RPush appends values to a list.
func (s *Store) RPush(ctx context.Context, key string, values ...interface{}) error {
	if err := s.client.RPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("store: rpush %s: %w", key, err)
	}
	return nil
}

// LRange returns list elements between start and stop inclusive.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store: lrange %s: %w", key, err)
	}
	return res, nil
}

// LTrim trims a list to the given range.
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("store: ltrim %s: %w", key, err)
	}
	return nil
}

// LLen returns the list length.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: llen %s: %w", key, err)
	}
	return n, nil
}

// LPopCount pops up to n elements from the head of a list.
func (s *Store) LPopCount(ctx context.Context, key string, n int) ([]string, error) {
	res, err := s.client.LPopCount(ctx, key, n).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lpop %s: %w", key, err)
	}
	return res, nil
}

// ---- String ----

// SetEx stores a value with a TTL. A zero TTL stores without expiry.
func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Get reads a value. Missing keys return ("", false, nil).
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return val, true, nil
}

// MGet reads many values; missing keys yield empty strings with ok=false.
func (s *Store) MGet(ctx context.Context, keys ...string) ([]string, []bool, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	res, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("store: mget: %w", err)
	}
	vals := make([]string, len(res))
	present := make([]bool, len(res))
	for i, v := range res {
		if str, ok := v.(string); ok {
			vals[i] = str
			present[i] = true
		}
	}
	return vals, present, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: del: %w", err)
	}
	return nil
}

// Incr atomically increments a counter key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: incr %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store: expire %s: %w", key, err)
	}
	return nil
}

// SetNXEx stores a value only if the key does not exist. Lock acquisition.
func (s *Store) SetNXEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: setnx %s: %w", key, err)
	}
	return ok, nil
}

// ---- Locks and metrics ----

// NewLock creates a named distributed lock with the default lock TTL.
func (s *Store) NewLock(name string) *distlock.RedisLock {
	return distlock.NewRedisLock(s.client, name, TTLLock)
}

// IncrMetric bumps a field in today's metrics hash and refreshes its TTL.
func (s *Store) IncrMetric(ctx context.Context, field string, delta int64) error {
	key := MetricsKey(time.Now())
	if _, err := s.HIncrBy(ctx, key, field, delta); err != nil {
		return err
	}
	return s.Expire(ctx, key, TTLMetrics)
}

// IncrCounter bumps a lifetime counter (counter:{name}, no TTL).
func (s *Store) IncrCounter(ctx context.Context, name string) (int64, error) {
	return s.Incr(ctx, KeyCounterPrefix+name)
}
