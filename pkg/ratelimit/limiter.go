package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Decision はLimiter.Allowの判定結果。
type Decision struct {
	// Tier は判定したティア。
	Tier TierName
	// Allowed はリクエストを通してよいかどうか。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int64
	// Remaining はウィンドウ内の残り回数。
	Remaining int64
	// WindowStart は判定時点のウィンドウ開始時刻。
	WindowStart time.Time
	// ResetAt はウィンドウの終了時刻。
	ResetAt time.Time
	// RetryAfter は拒否時に再試行まで待つべき時間。
	RetryAfter time.Duration
	// Degraded はストア障害により判定を省略したことを表す。
	Degraded bool
}

// RetryAfterSeconds はRetryAfterを秒単位に切り上げて返す。
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// ResetSeconds はウィンドウ終了までの秒数を切り上げて返す。
func (d Decision) ResetSeconds(now time.Time) int {
	left := d.ResetAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// Limiter は1つのティアの固定ウィンドウ制限を判定する。
type Limiter struct {
	tier   Tier
	store  BucketStore
	now    func() time.Time
	logger logrus.FieldLogger
}

// Option はLimiterの設定を変更する。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New はtierとstoreから新しいLimiterを生成する。
func New(tier Tier, store BucketStore, opts ...Option) (*Limiter, error) {
	if err := tier.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("ティア %s のバケットストアがnilです", tier.Name)
	}

	l := &Limiter{
		tier:   tier,
		store:  store,
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Tier はLimiterのティア設定を返す。
func (l *Limiter) Tier() Tier {
	return l.tier
}

// Now はLimiterが使う現在時刻を返す。
func (l *Limiter) Now() time.Time {
	return l.now()
}

// bucketKey はストア上のキーを組み立てる。
func (l *Limiter) bucketKey(client string) string {
	return string(l.tier.Name) + ":" + client
}

// Allow はclientのリクエストを1件数え、許可するかどうかを判定する。
// ストアが失敗した場合はリクエストを止めずに許可する。
func (l *Limiter) Allow(ctx context.Context, client string) Decision {
	now := l.now()
	b, allowed, err := l.store.Take(ctx, l.bucketKey(client), l.tier.Max, l.tier.Window, now)
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"tier":   l.tier.Name,
			"client": client,
		}).Warn("[RateLimit] ストア障害のため制限を省略します")
		return Decision{
			Tier:      l.tier.Name,
			Allowed:   true,
			Limit:     l.tier.Max,
			Remaining: l.tier.Max,
			Degraded:  true,
		}
	}

	d := Decision{
		Tier:        l.tier.Name,
		Allowed:     allowed,
		Limit:       l.tier.Max,
		Remaining:   max(l.tier.Max-b.Count, 0),
		WindowStart: b.WindowStart,
		ResetAt:     b.ResetAt,
	}
	if !allowed {
		d.RetryAfter = max(b.ResetAt.Sub(now), 0)
		l.logger.WithFields(logrus.Fields{
			"tier":   l.tier.Name,
			"client": client,
		}).Info("[RateLimit] 上限を超えたリクエストを拒否しました")
	}
	return d
}

// Refund は許可済みの1件を差し戻す。SkipSuccessfulなティアで成功時に使う。
func (l *Limiter) Refund(ctx context.Context, client string, d Decision) {
	if !d.Allowed || d.Degraded {
		return
	}
	if err := l.store.Refund(ctx, l.bucketKey(client), d.WindowStart); err != nil {
		l.logger.WithError(err).WithField("tier", l.tier.Name).Warn("[RateLimit] カウントの差し戻しに失敗しました")
	}
}

// Set はティア名ごとのLimiterの集合。
type Set map[TierName]*Limiter

// NewSet はtiersの各ティアについて共通のstoreを使うLimiterを生成する。
func NewSet(tiers map[TierName]Tier, store BucketStore, opts ...Option) (Set, error) {
	set := make(Set, len(tiers))
	for name, tier := range tiers {
		l, err := New(tier, store, opts...)
		if err != nil {
			return nil, fmt.Errorf("ティア %s のLimiter生成に失敗: %w", name, err)
		}
		set[name] = l
	}
	return set, nil
}
