package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// scanCount はSCAN 1回あたりのヒント件数。
const scanCount = 100

// globEscaper はRedisのMATCHパターンで特別な意味を持つ文字をエスケープする。
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// RedisStore はRedis上でエントリを保持するStore実装。
// TTLはRedisのキー失効にも反映する。
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
	s := &RedisStore{rdb: rdb, prefix: "gateway:cache"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Get はStore.Getを実装する。
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("Redisからの取得に失敗: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("エントリのデシリアライズに失敗: %w", err)
	}
	return e, true, nil
}

// Set はStore.Setを実装する。
func (s *RedisStore) Set(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("エントリのシリアライズに失敗: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(key), raw, e.TTL).Err(); err != nil {
		return fmt.Errorf("Redisへの保存に失敗: %w", err)
	}
	return nil
}

// DeleteMatching はStore.DeleteMatchingを実装する。
func (s *RedisStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	keys, err := s.scan(ctx, s.prefix+":*"+globEscaper.Replace(pattern)+"*")
	if err != nil {
		return 0, err
	}
	return s.del(ctx, keys)
}

// Clear はStore.Clearを実装する。
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	keys, err := s.scan(ctx, s.prefix+":*")
	if err != nil {
		return 0, err
	}
	return s.del(ctx, keys)
}

// Len はStore.Lenを実装する。
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	keys, err := s.scan(ctx, s.prefix+":*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// scan はmatchに一致するキーをすべて列挙する。
func (s *RedisStore) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("Redisのキー走査に失敗: %w", err)
	}
	return keys, nil
}

// del はkeysを削除し、実際に削除された件数を返す。
func (s *RedisStore) del(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("Redisからの削除に失敗: %w", err)
	}
	return int(n), nil
}
