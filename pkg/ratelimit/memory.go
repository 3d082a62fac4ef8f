package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore はプロセス内のマップでバケットを保持するBucketStore実装。
// 1つのミューテックスでテーブル全体を保護する。操作はO(1)で短い。
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	start  time.Time
	window time.Duration
	count  int64
}

func (b *memoryBucket) end() time.Time {
	return b.start.Add(b.window)
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

// Take はBucketStore.Takeを実装する。
func (s *MemoryStore) Take(_ context.Context, key string, max int64, window time.Duration, now time.Time) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.end()) {
		b = &memoryBucket{start: now, window: window}
		s.buckets[key] = b
	}

	allowed := b.count < max
	if allowed {
		b.count++
	}
	return Bucket{WindowStart: b.start, ResetAt: b.end(), Count: b.count}, allowed, nil
}

// Refund はBucketStore.Refundを実装する。
// ウィンドウが既に切り替わっている場合は何もしない。
func (s *MemoryStore) Refund(_ context.Context, key string, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !b.start.Equal(windowStart) || b.count == 0 {
		return nil
	}
	b.count--
	return nil
}

// Len は保持しているバケット数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Sweep はウィンドウが終了したバケットを削除し、削除件数を返す。
// 正しさには影響せず、メモリ使用量を抑えるためだけに使う。
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, b := range s.buckets {
		if !now.Before(b.end()) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed
}

// StartJanitor はevery間隔でSweepを実行するゴルーチンを起動する。
// ctxのキャンセルで停止する。
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Sweep(now)
			}
		}
	}()
}
