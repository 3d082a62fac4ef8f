package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript は固定ウィンドウのカウントをアトミックに進める。
// 戻り値は {許可(1/0), カウント, ウィンドウ残りミリ秒}。
var takeScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current == false then
	redis.call('SET', key, 1, 'PX', window)
	return {1, 1, window}
end

local count = tonumber(current)
local ttl = redis.call('PTTL', key)
if ttl < 0 then
	redis.call('PEXPIRE', key, window)
	ttl = window
end

if count < limit then
	count = redis.call('INCR', key)
	return {1, count, ttl}
end
return {0, count, ttl}
`)

// refundScript はTTLを保ったままカウントを1減らす。
var refundScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false or tonumber(current) <= 0 then
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisStore はRedis上でバケットを保持するBucketStore実装。
// 複数のGatewayプロセス間でカウンタを共有したい場合に使う。
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption はRedisStoreの設定を変更する。
type RedisOption func(*RedisStore)

// WithKeyPrefix はRedisキーの接頭辞を設定する。
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "gateway:ratelimit"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Take はBucketStore.Takeを実装する。
// ウィンドウの終了はキーのTTLで表現される。
func (s *RedisStore) Take(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (Bucket, bool, error) {
	res, err := takeScript.Run(ctx, s.rdb, []string{s.key(key)}, window.Milliseconds(), max).Int64Slice()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("Redisでのカウント更新に失敗: %w", err)
	}
	if len(res) != 3 {
		return Bucket{}, false, fmt.Errorf("Redisスクリプトの戻り値が不正: %v", res)
	}

	resetAt := now.Add(time.Duration(res[2]) * time.Millisecond)
	return Bucket{
		WindowStart: resetAt.Add(-window),
		ResetAt:     resetAt,
		Count:       res[1],
	}, res[0] == 1, nil
}

// Refund はBucketStore.Refundを実装する。
// Redis側ではウィンドウ開始時刻を保持しないため、キーが生きていれば差し戻す。
func (s *RedisStore) Refund(ctx context.Context, key string, _ time.Time) error {
	if err := refundScript.Run(ctx, s.rdb, []string{s.key(key)}).Err(); err != nil {
		return fmt.Errorf("Redisでのカウント差し戻しに失敗: %w", err)
	}
	return nil
}
