package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/ratelimit"
)

// isoTimestamp はレスポンスに含める時刻の形式。
const isoTimestamp = "2006-01-02T15:04:05.000Z07:00"

// Gatewayの名前とバージョン。
const (
	gatewayName    = "Product Order System API Gateway"
	gatewayService = "api-gateway"
	gatewayVersion = "2.0.0"
)

// availableEndpoints は404時に案内するトップレベルのルート。
var availableEndpoints = []string{"/users", "/auth", "/products", "/orders", "/health", "/admin"}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(isoTimestamp)
}

// handleInfo はGatewayの情報を返すハンドラを返す。
func (s *Server) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		authStatus := "disabled"
		if s.auth.Enabled() {
			authStatus = "enabled"
		}

		limits := gin.H{}
		for _, name := range []ratelimit.TierName{ratelimit.TierGeneral, ratelimit.TierAuth, ratelimit.TierWrite, ratelimit.TierRead} {
			if l, ok := s.limiters[name]; ok {
				limits[string(name)] = describeTier(l.Tier())
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"name":    gatewayName,
			"version": gatewayVersion,
			"features": gin.H{
				"authentication": authStatus,
				"rateLimiting":   "enabled",
				"caching":        "enabled",
				"cors":           "enabled",
				"security":       "security headers enabled",
				"store":          s.storeKind(),
			},
			"endpoints": gin.H{
				"users":    "/users",
				"auth":     "/auth",
				"products": "/products",
				"orders":   "/orders",
				"health":   "/health",
				"admin":    "/admin",
			},
			"documentation": gin.H{
				"userService":    "/users/docs",
				"productService": "/products/docs",
				"orderService":   "/orders/docs",
			},
			"rateLimit": limits,
		})
	}
}

// describeTier はティアの上限を人間向けの文字列にする（例: "100 requests per 15 minutes"）。
func describeTier(t ratelimit.Tier) string {
	unit := "requests"
	if t.Name == ratelimit.TierAuth {
		unit = "attempts"
	}
	window := t.Window.String()
	if t.Window%time.Minute == 0 {
		window = fmt.Sprintf("%d minutes", int(t.Window/time.Minute))
	}
	return fmt.Sprintf("%d %s per %s", t.Max, unit, window)
}

// handleHealth はGateway自身のヘルスチェックを返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		upstreams := gin.H{}
		for _, u := range s.routes.Upstreams() {
			upstreams[string(u.Key)+"Service"] = u.BaseURL.String()
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   gatewayService,
			"timestamp": s.timestamp(),
			"features": gin.H{
				"authentication": s.auth.Enabled(),
				"rateLimiting":   true,
				"caching":        true,
			},
			"upstreamServices": upstreams,
		})
	}
}

// handleServiceHealth は上流サービスの /health に転送するハンドラを返す。
func (s *Server) handleServiceHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		up, ok := s.routes.Upstream(ServiceKey(c.Param("service")))
		if !ok {
			s.notFound(c)
			return
		}
		out := s.proxy.do(c.Request.Context(), up, c.Request, "/health")
		writeOutcome(c, nil, out)
	}
}

// handleCacheStats はキャッシュの統計情報を返すハンドラを返す。
func (s *Server) handleCacheStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"cache":     s.cache.Stats(c.Request.Context()),
			"timestamp": s.timestamp(),
		})
	}
}

// handleCacheClear はキャッシュを全削除するハンドラを返す。
func (s *Server) handleCacheClear() gin.HandlerFunc {
	return func(c *gin.Context) {
		n := s.cache.Clear(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"message":     "Cache cleared successfully",
			"keysCleared": n,
			"timestamp":   s.timestamp(),
		})
	}
}

// handleGateway はルート表に従ってリクエストをパイプラインに流すハンドラを返す。
// 静的に登録したエンドポイント以外のすべてのリクエストがここに来る。
func (s *Server) handleGateway() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, up, ok := s.routes.Match(c.Request.URL.Path)
		if !ok {
			s.notFound(c)
			return
		}

		rc := newRequestContext(c.Request, c.ClientIP(), rule, up)
		out := s.pipelines[rule.Prefix].Execute(rc)
		if rc.Claims != nil {
			middleware.SetClaims(c, rc.Claims)
		}
		writeOutcome(c, rc, out)
	}
}

func (s *Server) notFound(c *gin.Context) {
	apierror.Abort(c, http.StatusNotFound, apierror.NotFound(c.Request.URL.Path, availableEndpoints))
}

// writeOutcome はOutcomeをレスポンスとして書き込む。outがnilの場合は切断として扱う。
func writeOutcome(c *gin.Context, rc *RequestContext, out *Outcome) {
	if out == nil {
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}

	h := c.Writer.Header()
	if rc != nil {
		for k, v := range rc.Header {
			h[k] = v
		}
	}
	for k, v := range out.Header {
		h[k] = v
	}
	c.Writer.WriteHeader(out.Status)
	if len(out.Body) > 0 {
		_, _ = c.Writer.Write(out.Body)
	}
	c.Abort()
}
