package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nao1215/edgegate/pkg/cache"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

// ステージ名。
const (
	stageAuth       = "auth"
	stageRole       = "role"
	stageInvalidate = "cache-invalidate"
	stageCache      = "cache"
)

// tierStageName はティア別レート制限のステージ名を返す。
func tierStageName(name ratelimit.TierName) string {
	return "ratelimit:" + string(name)
}

// stageDeps はステージの構築に必要な依存。
type stageDeps struct {
	auth     *middleware.Authenticator
	limiters ratelimit.Set
	cache    *cache.Cache
	logger   logrus.FieldLogger
	debug    bool
}

// buildStages はruleに適用するステージを実行順に組み立てる。
// 認証 → ティア別レート制限 → ロール確認 → キャッシュ無効化 → キャッシュ参照 の順。
func buildStages(rule Rule, deps stageDeps) ([]Stage, error) {
	var stages []Stage
	if rule.RequireAuth {
		stages = append(stages, authStage(deps.auth, deps.debug))
	}
	for _, name := range rule.Tiers {
		l, ok := deps.limiters[name]
		if !ok {
			return nil, fmt.Errorf("ルート %q が未定義のティア %q を参照しています", rule.Prefix, name)
		}
		stages = append(stages, tierStage(l))
	}
	if len(rule.Roles) > 0 && deps.auth.Enabled() {
		stages = append(stages, roleStage(rule.Roles))
	}
	if rule.InvalidatePattern != "" {
		stages = append(stages, invalidateStage(deps.cache, rule.InvalidatePattern, deps.logger))
	}
	if rule.CacheTTL > 0 {
		stages = append(stages, cacheStage(deps.cache, rule.CacheTTL, deps.logger))
	}
	return stages, nil
}

// authStage は認証ゲートのステージ。
func authStage(auth *middleware.Authenticator, debug bool) Stage {
	return Stage{
		Name: stageAuth,
		Run: func(rc *RequestContext) *Outcome {
			res := auth.Authenticate(rc.Request)
			if !res.Allow {
				return errorOutcome(res.Status(), res.Error(debug))
			}
			rc.Claims = res.Claims
			return nil
		},
	}
}

// tierStage はティア別レート制限のステージ。
// 対象外のメソッドは数えない。SkipSuccessfulなティアでは上流が成功した場合に差し戻す。
func tierStage(l *ratelimit.Limiter) Stage {
	tier := l.Tier()
	return Stage{
		Name: tierStageName(tier.Name),
		Run: func(rc *RequestContext) *Outcome {
			if !tier.Applies(rc.Request.Method) {
				return nil
			}

			ctx := rc.Request.Context()
			d := l.Allow(ctx, rc.ClientIP)
			rc.Decisions = append(rc.Decisions, d)
			setRateLimitHeaders(rc.Header, d, l.Now())
			if !d.Allowed {
				out := errorOutcome(http.StatusTooManyRequests, tier.Error(d))
				out.Header.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
				return out
			}

			if tier.SkipSuccessful {
				client := rc.ClientIP
				rc.OnComplete(func(out *Outcome) {
					if out.Status < http.StatusBadRequest {
						l.Refund(ctx, client, d)
					}
				})
			}
			return nil
		},
	}
}

// roleStage はルールに指定されたロールを確認するステージ。
func roleStage(roles []string) Stage {
	return Stage{
		Name: stageRole,
		Run: func(rc *RequestContext) *Outcome {
			if status, e := middleware.CheckRole(rc.Claims, roles); e != nil {
				return errorOutcome(status, *e)
			}
			return nil
		},
	}
}

// invalidateStage は更新系リクエストでキャッシュを無効化するステージ。
// 上流の結果を待たずに無効化し、上流が応答した後にもう一度無効化する。
// 2回目の無効化で、書き込みの完了前に読まれたGETの書き戻しも拒否される。
func invalidateStage(c *cache.Cache, pattern string, logger logrus.FieldLogger) Stage {
	return Stage{
		Name: stageInvalidate,
		Run: func(rc *RequestContext) *Outcome {
			if !ratelimit.IsWriteMethod(rc.Request.Method) {
				return nil
			}
			n := c.Invalidate(rc.Request.Context(), pattern)
			logger.WithFields(logrus.Fields{
				"pattern": pattern,
				"count":   n,
				"method":  rc.Request.Method,
			}).Debug("[Cache] 更新系リクエストのためキャッシュを無効化しました")

			ctx := rc.Request.Context()
			rc.OnComplete(func(*Outcome) {
				c.Invalidate(ctx, pattern)
			})
			return nil
		},
	}
}

// cacheStage はGETレスポンスのキャッシュを参照し、ミスの場合は成功レスポンスを保存するステージ。
// 参照から応答までの間に無効化されたキーには保存しない。
func cacheStage(c *cache.Cache, ttl time.Duration, logger logrus.FieldLogger) Stage {
	return Stage{
		Name: stageCache,
		Run: func(rc *RequestContext) *Outcome {
			if !cache.Cacheable(rc.Request) {
				return nil
			}

			ctx := rc.Request.Context()
			key := cache.Key(rc.Request)
			rc.CacheKey = key
			version := c.Version()

			if e, ok := c.Lookup(ctx, key); ok {
				rc.CacheStatus = cacheHit
				logger.WithField("key", key).Debug("[Cache] HIT")
				h := make(http.Header)
				if e.ContentType != "" {
					h.Set("Content-Type", e.ContentType)
				}
				h.Set("X-Cache", cacheHit)
				h.Set("X-Cache-Key", key)
				status := e.Status
				if status == 0 {
					status = http.StatusOK
				}
				return &Outcome{Status: status, Header: h, Body: e.Body}
			}

			rc.CacheStatus = cacheMiss
			logger.WithField("key", key).Debug("[Cache] MISS")
			rc.Header.Set("X-Cache", cacheMiss)
			rc.Header.Set("X-Cache-Key", key)
			rc.OnComplete(func(out *Outcome) {
				if !cache.Storable(out.Status, out.Header) {
					return
				}
				c.StoreSince(ctx, key, version, cache.Response{
					Status:      out.Status,
					ContentType: out.Header.Get("Content-Type"),
					Body:        out.Body,
				}, ttl)
			})
			return nil
		},
	}
}

// setRateLimitHeaders は判定結果をRateLimit-*ヘッダーとして設定する。
// ストア障害で判定を省略した場合は何もしない。
func setRateLimitHeaders(h http.Header, d ratelimit.Decision, now time.Time) {
	if d.Degraded {
		return
	}
	h.Set("RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("RateLimit-Reset", strconv.Itoa(d.ResetSeconds(now)))
}
