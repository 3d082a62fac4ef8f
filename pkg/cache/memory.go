package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore はプロセス内のマップでエントリを保持するStore実装。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// MemoryOption はMemoryStoreの設定を変更する。
type MemoryOption func(*MemoryStore)

// WithStoreClock は期限切れ判定に使う時計を差し替える。
// Cacheと同じ時計を渡すとキー数とLookupの判定が一致する。
func WithStoreClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get はStore.Getを実装する。
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Set はStore.Setを実装する。
func (s *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

// DeleteMatching はStore.DeleteMatchingを実装する。
func (s *MemoryStore) DeleteMatching(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.entries {
		if strings.Contains(k, pattern) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Clear はStore.Clearを実装する。
func (s *MemoryStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.liveLocked(s.now())
	s.entries = make(map[string]Entry)
	return n, nil
}

// Len はStore.Lenを実装する。
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveLocked(s.now()), nil
}

// liveLocked は期限切れでないエントリ数を返す。ロックを保持した状態で呼ぶ。
func (s *MemoryStore) liveLocked(now time.Time) int {
	n := 0
	for _, e := range s.entries {
		if !e.Expired(now) {
			n++
		}
	}
	return n
}

// Sweep は期限切れのエントリを削除し、件数を返す。
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
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
			case <-t.C:
				s.Sweep(s.now())
			}
		}
	}()
}
