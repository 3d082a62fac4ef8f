package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/cache"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// shutdownTimeout は処理中のリクエストの完了を待つ最大時間。
	shutdownTimeout = 10 * time.Second
	// redisPingTimeout は起動時のRedis疎通確認のタイムアウト。
	redisPingTimeout = 3 * time.Second
)

// janitor は期限切れの状態を定期的に掃除するストア。
type janitor interface {
	StartJanitor(ctx context.Context, every time.Duration)
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// cfg は起動時の設定。
	cfg *config.Config
	// logger はサーバー全体で使うロガー。
	logger logrus.FieldLogger
	// routes はルート表。
	routes *RouteTable
	// auth は認証ゲート。
	auth *middleware.Authenticator
	// limiters はティアごとのレート制限。
	limiters ratelimit.Set
	// cache はレスポンスキャッシュ。
	cache *cache.Cache
	// proxy は上流サービスへの転送。
	proxy *proxy
	// pipelines はルール接頭辞ごとのパイプライン。
	pipelines map[string]*Pipeline
	// rdb はRedis接続。プロセス内ストアを使う場合はnil。
	rdb redis.UniversalClient
	// janitors はプロセス内ストアの掃除対象。
	janitors []janitor
	// now は現在時刻の取得関数。
	now func() time.Time
}

// Option はServerの設定を変更する。
type Option func(*serverOptions)

type serverOptions struct {
	now   func() time.Time
	rules []Rule
}

// WithClock は現在時刻の取得関数を差し替える。レート制限とキャッシュの時刻にも使われる。
func WithClock(now func() time.Time) Option {
	return func(o *serverOptions) { o.now = now }
}

// WithRules は既定のルール表を差し替える。
func WithRules(rules []Rule) Option {
	return func(o *serverOptions) { o.rules = rules }
}

// NewServer は新しいGatewayサーバーを生成する。
// cfg.Redisが設定されている場合はレート制限とキャッシュの状態をRedisに置く。
func NewServer(cfg *config.Config, logger logrus.FieldLogger, opts ...Option) (*Server, error) {
	o := serverOptions{now: time.Now, rules: DefaultRules()}
	for _, opt := range opts {
		opt(&o)
	}

	upstreams, err := DefaultUpstreams(cfg.Upstreams)
	if err != nil {
		return nil, err
	}
	routes, err := NewRouteTable(o.rules, upstreams)
	if err != nil {
		return nil, fmt.Errorf("ルート表の構築に失敗: %w", err)
	}

	s := &Server{
		port:   cfg.Port,
		cfg:    cfg,
		logger: logger,
		routes: routes,
		auth:   middleware.NewAuthenticator(middleware.NewHMACVerifier(cfg.JWTSecret), cfg.AuthEnabled, cfg.Debug),
		now:    o.now,
	}

	bucketStore, entryStore, err := s.openStores(cfg.Redis, o.now)
	if err != nil {
		return nil, err
	}

	s.limiters, err = ratelimit.NewSet(cfg.RateLimits, bucketStore,
		ratelimit.WithClock(o.now), ratelimit.WithLogger(logger))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("レート制限の初期化に失敗: %w", err)
	}
	if _, ok := s.limiters[ratelimit.TierGeneral]; !ok {
		s.Close()
		return nil, errors.New("general ティアの設定がありません")
	}
	s.cache = cache.New(entryStore, cache.WithClock(o.now), cache.WithLogger(logger))

	s.proxy, err = newProxy(routes.Upstreams(), cfg.UpstreamTimeout, logger, cfg.Debug)
	if err != nil {
		s.Close()
		return nil, err
	}

	deps := stageDeps{
		auth:     s.auth,
		limiters: s.limiters,
		cache:    s.cache,
		logger:   logger,
		debug:    cfg.Debug,
	}
	s.pipelines = make(map[string]*Pipeline)
	for _, rule := range routes.Rules() {
		stages, err := buildStages(rule, deps)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.pipelines[rule.Prefix] = NewPipeline(s.proxy.forward, stages...)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		s.Close()
		return nil, fmt.Errorf("TRUSTED_PROXIES の設定に失敗: %w", err)
	}
	router.Use(middleware.Recovery(logger, cfg.Debug))
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	router.Use(s.generalRateLimit())
	s.router = router
	s.setupRoutes()

	return s, nil
}

// openStores はレート制限とキャッシュの状態を置くストアを開く。
func (s *Server) openStores(rc config.Redis, now func() time.Time) (ratelimit.BucketStore, cache.Store, error) {
	if !rc.Enabled() {
		buckets := ratelimit.NewMemoryStore()
		entries := cache.NewMemoryStore(cache.WithStoreClock(now))
		s.janitors = append(s.janitors, buckets, entries)
		return buckets, entries, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("Redisへの接続に失敗: addr=%s: %w", rc.Addr, err)
	}
	s.rdb = rdb
	return ratelimit.NewRedisStore(rdb), cache.NewRedisStore(rdb), nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleInfo())

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/health/:service", s.handleServiceHealth())

	// キャッシュ管理
	admin := s.router.Group("/admin")
	if s.auth.Enabled() {
		admin.Use(middleware.JWTAuth(s.auth))
		if len(s.cfg.AdminRoles) > 0 {
			admin.Use(middleware.RequireRole(s.cfg.AdminRoles...))
		}
	}
	{
		admin.GET("/cache/stats", s.handleCacheStats())
		admin.POST("/cache/clear", s.handleCacheClear())
	}

	// 上記以外はルート表に従って上流サービスへ転送する
	s.router.NoRoute(s.handleGateway())
}

// generalRateLimit はすべてのリクエストに全体レート制限を適用するGinミドルウェアを返す。
func (s *Server) generalRateLimit() gin.HandlerFunc {
	l := s.limiters[ratelimit.TierGeneral]
	tier := l.Tier()
	return func(c *gin.Context) {
		d := l.Allow(c.Request.Context(), c.ClientIP())
		setRateLimitHeaders(c.Writer.Header(), d, l.Now())
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
			apierror.Abort(c, http.StatusTooManyRequests, tier.Error(d))
			return
		}
		c.Next()
	}
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// storeKind は状態の保存先の名前を返す。
func (s *Server) storeKind() string {
	if s.rdb != nil {
		return "redis"
	}
	return "memory"
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで待つ。
// キャンセル後は処理中のリクエストの完了を待ってから停止する。
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, j := range s.janitors {
		j.StartJanitor(ctx, s.cfg.CacheSweepInterval)
	}

	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logStartup()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("シャットダウンを開始します")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("HTTPサーバーを停止しました")
	return nil
}

// Close はRedis接続などのリソースを解放する。
func (s *Server) Close() error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("Redis接続の切断に失敗: %w", err)
	}
	return nil
}

// logStartup は起動時の設定をログに出力する。
func (s *Server) logStartup() {
	fields := logrus.Fields{
		"port":           s.port,
		"authentication": s.auth.Enabled(),
		"store":          s.storeKind(),
	}
	for _, u := range s.routes.Upstreams() {
		fields[string(u.Key)+"_service"] = u.BaseURL.String()
	}
	s.logger.WithFields(fields).Info("API Gatewayを起動しました")

	for _, r := range s.routes.Rules() {
		s.logger.WithFields(logrus.Fields{
			"prefix": r.Prefix,
			"stages": s.pipelines[r.Prefix].StageNames(),
		}).Debug("ルートを登録しました")
	}

	if !s.auth.Enabled() {
		s.logger.Warn("認証が無効になっています。AUTH_ENABLED=true で有効にしてください")
	} else if s.cfg.UsesDefaultSecret() {
		s.logger.Warn("JWT_SECRET が既定値のままです。本番環境では必ず変更してください")
	}
}
