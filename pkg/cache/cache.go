package cache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// keyPrefix はキャッシュキーの接頭辞。
const keyPrefix = "__gateway__"

// Entry は保存済みのレスポンス。
type Entry struct {
	// Status は上流が返したステータスコード。ヒット時はこのまま返す。
	Status int `json:"status"`
	// Body はレスポンスボディ。ヒット時はこのまま返す。
	Body []byte `json:"body"`
	// ContentType はレスポンスのContent-Type。
	ContentType string `json:"content_type"`
	// StoredAt は保存した時刻。
	StoredAt time.Time `json:"stored_at"`
	// TTL は保存期間。
	TTL time.Duration `json:"ttl"`
}

// Expired はnow時点でエントリが期限切れかどうかを返す。
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.StoredAt.Add(e.TTL))
}

// Response は保存対象の上流レスポンス。
type Response struct {
	// Status はステータスコード。0の場合は200として扱う。
	Status int
	// ContentType はContent-Typeヘッダーの値。
	ContentType string
	// Body はレスポンスボディ。
	Body []byte
}

// Version は無効化の世代。Lookupの前に取得してStoreSinceに渡すと、
// その後に無効化されたキーへの書き戻しを防げる。
type Version uint64

// Store はキャッシュエントリの保存先。
// 実装は並行した読み書き・削除に対して安全でなければならない。
type Store interface {
	// Get はkeyのエントリを返す。期限切れの扱いは呼び出し側が判断する。
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set はkeyにエントリを保存する。
	Set(ctx context.Context, key string, e Entry) error
	// DeleteMatching はpatternを部分文字列として含むキーをすべて削除し、件数を返す。
	DeleteMatching(ctx context.Context, pattern string) (int, error)
	// Clear はすべてのエントリを削除し、削除前の有効なキー数を返す。
	Clear(ctx context.Context) (int, error)
	// Len は有効なキー数を返す。
	Len(ctx context.Context) (int, error)
}

// Stats はキャッシュの統計情報。
type Stats struct {
	// Keys は保持しているキー数。
	Keys int `json:"keys"`
	// Hits はヒット回数。
	Hits int64 `json:"hits"`
	// Misses はミス回数。
	Misses int64 `json:"misses"`
}

// Cache はStoreにヒット/ミスの計測と障害時の縮退を加えたレスポンスキャッシュ。
type Cache struct {
	store  Store
	now    func() time.Time
	logger logrus.FieldLogger
	hits   atomic.Int64
	misses atomic.Int64

	// mu は世代の更新と条件付き保存を直列化する。
	mu sync.RWMutex
	// seq は無効化のたびに増える世代。
	seq uint64
	// invalidated はパターンごとの最後に無効化した世代。
	invalidated map[string]uint64
	// cleared は最後に全削除した世代。
	cleared uint64
}

// Option はCacheの設定を変更する。
type Option func(*Cache)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New はstoreを使う新しいCacheを生成する。
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:       store,
		now:         time.Now,
		logger:      logrus.StandardLogger(),
		invalidated: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup はkeyのエントリを返す。期限切れやストア障害はミスとして扱う。
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("[Cache] 取得に失敗したためミスとして扱います")
		ok = false
	}
	if !ok || e.Expired(c.now()) {
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return e, true
}

// Version は現在の無効化の世代を返す。
func (c *Cache) Version() Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Version(c.seq)
}

// Store はrをttlの間保存する。ttlが0以下の場合は何もしない。
func (c *Cache) Store(ctx context.Context, key string, r Response, ttl time.Duration) {
	c.StoreSince(ctx, key, c.Version(), r, ttl)
}

// StoreSince はsince以降にkeyが無効化されていない場合に限りrを保存し、保存したかどうかを返す。
func (c *Cache) StoreSince(ctx context.Context, key string, since Version, r Response, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}

	// 判定から保存までの間に無効化が割り込まないよう読み取りロックを保持する
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.staleLocked(key, uint64(since)) {
		c.logger.WithField("key", key).Debug("[Cache] 取得後に無効化されたため保存しません")
		return false
	}

	e := Entry{
		Status:      status,
		Body:        r.Body,
		ContentType: r.ContentType,
		StoredAt:    c.now(),
		TTL:         ttl,
	}
	if err := c.store.Set(ctx, key, e); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("[Cache] 保存に失敗しました")
		return false
	}
	c.logger.WithFields(logrus.Fields{"key": key, "ttl": ttl}).Debug("[Cache] STORED")
	return true
}

// staleLocked はsinceより後にkeyが無効化されたかどうかを返す。muを保持した状態で呼ぶ。
func (c *Cache) staleLocked(key string, since uint64) bool {
	if c.cleared > since {
		return true
	}
	for pattern, seq := range c.invalidated {
		if seq > since && strings.Contains(key, pattern) {
			return true
		}
	}
	return false
}

// advance は世代を1つ進め、新しい世代をmarkに渡す。
func (c *Cache) advance(mark func(seq uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	mark(c.seq)
}

// Invalidate はpatternを含むキーをすべて削除し、件数を返す。
// 呼び出し前に取得したVersionでのStoreSinceは、以後patternを含むキーについて拒否される。
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	if pattern == "" {
		return 0
	}
	c.advance(func(seq uint64) { c.invalidated[pattern] = seq })

	n, err := c.store.DeleteMatching(ctx, pattern)
	if err != nil {
		c.logger.WithError(err).WithField("pattern", pattern).Warn("[Cache] 無効化に失敗しました")
		return n
	}
	if n > 0 {
		c.logger.WithFields(logrus.Fields{"pattern": pattern, "count": n}).Info("[Cache] INVALIDATED")
	}
	return n
}

// Clear はすべてのエントリを削除し、削除前のキー数を返す。
func (c *Cache) Clear(ctx context.Context) int {
	c.advance(func(seq uint64) { c.cleared = seq })

	n, err := c.store.Clear(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("[Cache] 全削除に失敗しました")
	}
	c.logger.WithField("count", n).Info("[Cache] CLEARED")
	return n
}

// Stats は現在の統計情報を返す。
func (c *Cache) Stats(ctx context.Context) Stats {
	n, err := c.store.Len(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("[Cache] キー数の取得に失敗しました")
	}
	return Stats{
		Keys:   n,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// Key はリクエストのパスとクエリからキャッシュキーを作る。
// メソッドは含めない。パスはエスケープされた形のまま使い、クエリはキー順に並べ替えて正規化する。
func Key(r *http.Request) string {
	key := keyPrefix + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.Query().Encode()
	}
	return key
}

// Cacheable はリクエストがキャッシュ対象かどうかを返す。
// GETのみが対象で、ヘルスチェックは常に対象外。
func Cacheable(r *http.Request) bool {
	return r.Method == http.MethodGet && !strings.Contains(r.URL.Path, "/health")
}

// Storable は上流のレスポンスを保存してよいかどうかを返す。
// 2xx以外、Content-Encodingで符号化されたボディ、Vary: * のレスポンスは保存しない。
// キーはAccept-Encodingを含まないため、符号化済みのボディは別のクライアントに返せない。
func Storable(status int, h http.Header) bool {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return false
	}
	if ce := strings.TrimSpace(h.Get("Content-Encoding")); ce != "" && !strings.EqualFold(ce, "identity") {
		return false
	}
	for _, v := range h.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			if strings.TrimSpace(f) == "*" {
				return false
			}
		}
	}
	return true
}
