package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// DefaultJWTSecret は開発用の既定シークレット。本番環境では必ず変更する。
const DefaultJWTSecret = "your-secret-key-change-in-production"

// Upstreams は上流サービスのベースURL。
type Upstreams struct {
	// User はユーザー/認証サービスのベースURL。
	User string
	// Product は商品サービスのベースURL。
	Product string
	// Order は注文サービスのベースURL。
	Order string
}

// Redis はRedis接続の設定。Addrが空の場合はプロセス内のストアを使う。
type Redis struct {
	// Addr は接続先アドレス（例: "localhost:6379"）。
	Addr string
	// Password は認証パスワード。
	Password string
	// DB はデータベース番号。
	DB int
}

// Enabled はRedisを使う設定かどうかを返す。
func (r Redis) Enabled() bool {
	return r.Addr != ""
}

// Config はGatewayの設定。
type Config struct {
	// Port は待ち受けポート番号。
	Port string
	// Upstreams は上流サービスのベースURL。
	Upstreams Upstreams
	// AuthEnabled が偽の場合は認証を行わない。
	AuthEnabled bool
	// JWTSecret はトークン検証に使う共有シークレット。
	JWTSecret string
	// UpstreamTimeout は上流呼び出しのタイムアウト。
	UpstreamTimeout time.Duration
	// Redis はRedis接続の設定。
	Redis Redis
	// CORSAllowedOrigins はCORSで許可するオリジン。
	CORSAllowedOrigins []string
	// TrustedProxies はクライアントIP判定で信頼するプロキシ。
	TrustedProxies []string
	// Debug が真の場合は内部エラーの詳細をレスポンスに含める。
	Debug bool
	// AdminRoles は管理APIを許可するロール。空の場合は認証済みであれば許可する。
	AdminRoles []string
	// CacheSweepInterval は期限切れエントリとバケットを掃除する間隔。
	CacheSweepInterval time.Duration
	// RateLimits はティアごとのレート制限。
	RateLimits map[ratelimit.TierName]ratelimit.Tier
	// LogLevel はログレベル。
	LogLevel logrus.Level
	// LogFormat はログ形式（"text" または "json"）。
	LogFormat string
}

// UsesDefaultSecret は開発用の既定シークレットのままかどうかを返す。
func (c *Config) UsesDefaultSecret() bool {
	return c.JWTSecret == DefaultJWTSecret
}

// Load は環境変数から設定を読み込む。
// envFileが空でない場合は先にそのファイルを読み込み、存在しなければエラーを返す。
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
		}
	}
	return fromViper(newViper())
}

// newViper は環境変数と既定値を解決するviperインスタンスを生成する。
func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("user_service_url", "http://localhost:3001")
	v.SetDefault("product_service_url", "http://localhost:3002")
	v.SetDefault("order_service_url", "http://localhost:3003")
	v.SetDefault("auth_enabled", "true")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("upstream_timeout", "5s")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("trusted_proxies", "")
	v.SetDefault("gateway_debug", false)
	v.SetDefault("admin_roles", "")
	v.SetDefault("cache_sweep_interval", "60s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	for name, tier := range ratelimit.DefaultTiers() {
		v.SetDefault(tierKey(name, "max"), tier.Max)
		v.SetDefault(tierKey(name, "window"), tier.Window.String())
	}
	return v
}

// tierKey はティアごとの設定キーを返す（例: "rate_limit_auth_max"）。
func tierKey(name ratelimit.TierName, field string) string {
	return "rate_limit_" + string(name) + "_" + field
}

func fromViper(v *viper.Viper) (*Config, error) {
	var errs []error

	cfg := &Config{
		Port: v.GetString("port"),
		Upstreams: Upstreams{
			User:    v.GetString("user_service_url"),
			Product: v.GetString("product_service_url"),
			Order:   v.GetString("order_service_url"),
		},
		// "false" 以外はすべて有効として扱う
		AuthEnabled: !strings.EqualFold(strings.TrimSpace(v.GetString("auth_enabled")), "false"),
		JWTSecret:   v.GetString("jwt_secret"),
		Redis: Redis{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
		},
		CORSAllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		TrustedProxies:     splitList(v.GetString("trusted_proxies")),
		Debug:              v.GetBool("gateway_debug"),
		AdminRoles:         splitList(v.GetString("admin_roles")),
		LogFormat:          strings.ToLower(v.GetString("log_format")),
	}

	var err error
	if cfg.UpstreamTimeout, err = duration(v, "upstream_timeout"); err != nil {
		errs = append(errs, err)
	}
	if cfg.CacheSweepInterval, err = duration(v, "cache_sweep_interval"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Redis.DB, err = strconv.Atoi(v.GetString("redis_db")); err != nil || cfg.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB が不正です: %q", v.GetString("redis_db")))
	}
	if cfg.LogLevel, err = logrus.ParseLevel(v.GetString("log_level")); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL が不正です: %w", err))
	}

	cfg.RateLimits = ratelimit.DefaultTiers()
	for name, tier := range cfg.RateLimits {
		raw := v.GetString(tierKey(name, "max"))
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s が不正です: %q", strings.ToUpper(tierKey(name, "max")), raw))
			continue
		}
		tier.Max = n
		if tier.Window, err = duration(v, tierKey(name, "window")); err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.RateLimits[name] = tier
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の妥当性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT が不正です: %q", c.Port))
	}
	for env, raw := range map[string]string{
		"USER_SERVICE_URL":    c.Upstreams.User,
		"PRODUCT_SERVICE_URL": c.Upstreams.Product,
		"ORDER_SERVICE_URL":   c.Upstreams.Order,
	} {
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s が不正です: %w", env, err))
		}
	}
	if c.AuthEnabled && c.JWTSecret == "" {
		errs = append(errs, errors.New("認証が有効な場合は JWT_SECRET が必要です"))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT は正の値である必要があります: %s", c.UpstreamTimeout))
	}
	if c.CacheSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_SWEEP_INTERVAL は正の値である必要があります: %s", c.CacheSweepInterval))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT は text または json である必要があります: %q", c.LogFormat))
	}
	for _, tier := range c.RateLimits {
		if err := tier.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLogger は設定に従ってロガーを生成する。
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s が不正です: %q", strings.ToUpper(key), raw)
	}
	return d, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("スキームは http または https である必要があります: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("ホストがありません: %q", raw)
	}
	return nil
}

// splitList はカンマ区切りの文字列を分割し、空要素を除く。
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
