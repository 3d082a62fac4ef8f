package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedis はminiredisに接続したRedisクライアントを返す。
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// TestRedisStore はRedisバックエンドの固定ウィンドウを検証する。
func TestRedisStore(t *testing.T) {
	t.Parallel()

	t.Run("上限N件までは許可されN+1件目が拒否されること", func(t *testing.T) {
		t.Parallel()

		_, rdb := newTestRedis(t)
		s := NewRedisStore(rdb)
		now := time.Now()

		for i := int64(1); i <= 3; i++ {
			b, allowed, err := s.Take(context.Background(), "general:c", 3, time.Minute, now)
			if err != nil {
				t.Fatalf("Take()でエラーが発生: %v", err)
			}
			if !allowed {
				t.Fatalf("%d件目が拒否された", i)
			}
			if b.Count != i {
				t.Errorf("Count = %d, want %d", b.Count, i)
			}
		}

		b, allowed, err := s.Take(context.Background(), "general:c", 3, time.Minute, now)
		if err != nil {
			t.Fatalf("Take()でエラーが発生: %v", err)
		}
		if allowed {
			t.Error("N+1件目が許可された")
		}
		if b.Count != 3 {
			t.Errorf("Count = %d, want 3", b.Count)
		}
		if left := b.ResetAt.Sub(now); left <= 0 || left > time.Minute {
			t.Errorf("ResetAtまでの時間 = %v, want (0, 1m]", left)
		}
	})

	t.Run("キーが失効するとウィンドウがリセットされること", func(t *testing.T) {
		t.Parallel()

		mr, rdb := newTestRedis(t)
		s := NewRedisStore(rdb)

		s.Take(context.Background(), "k", 1, time.Minute, time.Now())
		if _, allowed, _ := s.Take(context.Background(), "k", 1, time.Minute, time.Now()); allowed {
			t.Fatal("上限超過のリクエストが許可された")
		}

		mr.FastForward(time.Minute)

		if _, allowed, err := s.Take(context.Background(), "k", 1, time.Minute, time.Now()); err != nil || !allowed {
			t.Errorf("リセット後のTake() = (%v, %v), want (true, nil)", allowed, err)
		}
	})

	t.Run("Refundでカウントが減りTTLが保たれること", func(t *testing.T) {
		t.Parallel()

		mr, rdb := newTestRedis(t)
		s := NewRedisStore(rdb, WithKeyPrefix("test:rl:"))

		s.Take(context.Background(), "auth:c", 1, time.Minute, time.Now())
		if err := s.Refund(context.Background(), "auth:c", time.Time{}); err != nil {
			t.Fatalf("Refund()でエラーが発生: %v", err)
		}

		got, err := mr.Get("test:rl:auth:c")
		if err != nil {
			t.Fatalf("キーの取得に失敗: %v", err)
		}
		if got != "0" {
			t.Errorf("カウント = %q, want %q", got, "0")
		}
		if ttl := mr.TTL("test:rl:auth:c"); ttl <= 0 {
			t.Errorf("TTL = %v, want > 0", ttl)
		}
	})

	t.Run("存在しないキーのRefundはエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		_, rdb := newTestRedis(t)
		s := NewRedisStore(rdb)

		if err := s.Refund(context.Background(), "missing", time.Time{}); err != nil {
			t.Errorf("Refund()でエラーが発生: %v", err)
		}
	})

	t.Run("Redis停止時はエラーを返しLimiterは許可に縮退すること", func(t *testing.T) {
		t.Parallel()

		mr, rdb := newTestRedis(t)
		s := NewRedisStore(rdb)
		mr.Close()

		if _, _, err := s.Take(context.Background(), "k", 1, time.Minute, time.Now()); err == nil {
			t.Error("Redis停止時にエラーが返らない")
		}

		l, err := New(Tier{Name: "test", Window: time.Minute, Max: 1}, s, WithLogger(quietLogger()))
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if d := l.Allow(context.Background(), "c"); !d.Allowed || !d.Degraded {
			t.Errorf("Decision = %+v, want Allowed && Degraded", d)
		}
	})
}
