package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "bookingsaga/errors"
)

// KEYS[1]=lock KEYS[2]=record ARGV[1]=owner ARGV[2]=record json ARGV[3]=ttl ms
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
redis.call("DEL", KEYS[1])
return 1
`)

// KEYS[1]=lock ARGV[1]=owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// KEYS[1]=lock ARGV[1]=owner ARGV[2]=ttl ms
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// RedisStore 多实例共享的幂等存储
//
// 锁键 <prefix>lock:<key> 保存 owner，记录键 <prefix>record:<key> 保存终态 JSON。
// Complete/Release/Extend 通过脚本校验 owner，避免释放他人的锁。
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore prefix 为空时使用 idempotency:
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idempotency:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Acquire(ctx context.Context, key, owner string, lockTTL time.Duration) (*Record, bool, error) {
	if rec, err := s.record(ctx, key); err != nil || rec != nil {
		return rec, false, err
	}
	ok, err := s.rdb.SetNX(ctx, s.lockKey(key), owner, lockTTL).Result()
	if err != nil {
		return nil, false, wrapRedis(err, "acquire")
	}
	if ok {
		return nil, true, nil
	}
	// 加锁失败期间记录可能刚写入
	rec, err := s.record(ctx, key)
	return rec, false, err
}

func (s *RedisStore) Complete(ctx context.Context, key, owner string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "encode idempotency record")
	}
	n, err := completeScript.Run(ctx, s.rdb,
		[]string{s.lockKey(key), s.recordKey(key)},
		owner, string(data), ttl.Milliseconds()).Int()
	if err != nil {
		return wrapRedis(err, "complete")
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	n, err := releaseScript.Run(ctx, s.rdb, []string{s.lockKey(key)}, owner).Int()
	if err != nil {
		return wrapRedis(err, "release")
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Extend(ctx context.Context, key, owner string, lockTTL time.Duration) error {
	n, err := extendScript.Run(ctx, s.rdb, []string{s.lockKey(key)}, owner, lockTTL.Milliseconds()).Int()
	if err != nil {
		return wrapRedis(err, "extend")
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) record(ctx context.Context, key string) (*Record, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRedis(err, "get record")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "decode idempotency record")
	}
	return &rec, nil
}

func (s *RedisStore) lockKey(key string) string   { return s.prefix + "lock:" + key }
func (s *RedisStore) recordKey(key string) string { return s.prefix + "record:" + key }

func wrapRedis(err error, op string) error {
	return apperrors.WrapError(err, apperrors.ErrCodeCache, "idempotency "+op)
}
