package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

// TestLoad は.envファイルと環境変数からの読み込みを検証する。
// t.Setenvを使うため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run(".envファイルの値が読み込まれ既存の環境変数が優先されること", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		content := strings.Join([]string{
			"RATE_LIMIT_AUTH_MAX=7",
			"ORDER_SERVICE_URL=http://ignored:1",
		}, "\n")
		if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
			t.Fatalf(".envファイルの作成に失敗: %v", err)
		}
		t.Setenv("ORDER_SERVICE_URL", "http://orders:5000")
		t.Cleanup(func() { os.Unsetenv("RATE_LIMIT_AUTH_MAX") })

		cfg, err := Load(envFile)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if got := cfg.RateLimits[ratelimit.TierAuth].Max; got != 7 {
			t.Errorf("auth Max = %d, want 7", got)
		}
		if cfg.Upstreams.Order != "http://orders:5000" {
			t.Errorf("Upstreams.Order = %q, want %q", cfg.Upstreams.Order, "http://orders:5000")
		}
	})

	t.Run("存在しない.envファイルを指定した場合エラーが返ること", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
			t.Error("Load()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("環境変数で上流URLと認証設定を上書きできること", func(t *testing.T) {
		t.Setenv("USER_SERVICE_URL", "http://identity:9001")
		t.Setenv("AUTH_ENABLED", "false")
		t.Setenv("UPSTREAM_TIMEOUT", "750ms")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Upstreams.User != "http://identity:9001" {
			t.Errorf("Upstreams.User = %q, want %q", cfg.Upstreams.User, "http://identity:9001")
		}
		if cfg.AuthEnabled {
			t.Error("AuthEnabled = true, want false")
		}
		if cfg.UpstreamTimeout != 750*time.Millisecond {
			t.Errorf("UpstreamTimeout = %v, want 750ms", cfg.UpstreamTimeout)
		}
	})
}

// TestFromViper は既定値と上書き、検証を検証する。
func TestFromViper(t *testing.T) {
	t.Parallel()

	t.Run("既定値が設定されること", func(t *testing.T) {
		t.Parallel()

		v := newViper()
		// 実行環境の環境変数に左右されないよう明示的に既定値を設定する
		v.Set("port", "8080")
		v.Set("auth_enabled", "true")

		cfg, err := fromViper(v)
		if err != nil {
			t.Fatalf("fromViper()でエラーが発生: %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("Port = %q, want %q", cfg.Port, "8080")
		}
		if !cfg.AuthEnabled {
			t.Error("AuthEnabled = false, want true")
		}
		if !cfg.UsesDefaultSecret() {
			t.Errorf("JWTSecret = %q, 既定のシークレットであるべき", cfg.JWTSecret)
		}
		if cfg.UpstreamTimeout != 5*time.Second {
			t.Errorf("UpstreamTimeout = %v, want 5s", cfg.UpstreamTimeout)
		}
		if cfg.CacheSweepInterval != time.Minute {
			t.Errorf("CacheSweepInterval = %v, want 1m", cfg.CacheSweepInterval)
		}
		if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
			t.Errorf("CORSAllowedOrigins = %v, want [*]", cfg.CORSAllowedOrigins)
		}
		if cfg.LogLevel != logrus.InfoLevel {
			t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
		}
		for name, want := range ratelimit.DefaultTiers() {
			got := cfg.RateLimits[name]
			if got.Max != want.Max || got.Window != want.Window {
				t.Errorf("tier %s = %d/%s, want %d/%s", name, got.Max, got.Window, want.Max, want.Window)
			}
		}
	})

	t.Run("AUTH_ENABLEDはfalse以外なら有効として扱うこと", func(t *testing.T) {
		t.Parallel()

		for raw, want := range map[string]bool{"false": false, "FALSE": false, "true": true, "0": true, "": true} {
			v := newViper()
			v.Set("auth_enabled", raw)
			cfg, err := fromViper(v)
			if err != nil {
				t.Fatalf("fromViper()でエラーが発生: %v", err)
			}
			if cfg.AuthEnabled != want {
				t.Errorf("AUTH_ENABLED=%q: AuthEnabled = %v, want %v", raw, cfg.AuthEnabled, want)
			}
		}
	})

	t.Run("リスト形式の値がカンマで分割されること", func(t *testing.T) {
		t.Parallel()

		v := newViper()
		v.Set("cors_allowed_origins", "http://a.example, http://b.example,,")
		v.Set("admin_roles", "admin,operator")
		v.Set("trusted_proxies", "10.0.0.0/8")

		cfg, err := fromViper(v)
		if err != nil {
			t.Fatalf("fromViper()でエラーが発生: %v", err)
		}
		if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://b.example" {
			t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
		}
		if len(cfg.AdminRoles) != 2 {
			t.Errorf("AdminRoles = %v", cfg.AdminRoles)
		}
		if len(cfg.TrustedProxies) != 1 {
			t.Errorf("TrustedProxies = %v", cfg.TrustedProxies)
		}
	})

	t.Run("Redisの設定を読み込めること", func(t *testing.T) {
		t.Parallel()

		v := newViper()
		v.Set("redis_addr", "localhost:6379")
		v.Set("redis_db", "2")

		cfg, err := fromViper(v)
		if err != nil {
			t.Fatalf("fromViper()でエラーが発生: %v", err)
		}
		if !cfg.Redis.Enabled() || cfg.Redis.DB != 2 {
			t.Errorf("Redis = %+v", cfg.Redis)
		}
	})

	t.Run("不正な値でエラーが返ること", func(t *testing.T) {
		t.Parallel()

		tests := map[string]string{
			"port":                      "not-a-port",
			"user_service_url":          "localhost:3001",
			"product_service_url":       "ftp://catalog",
			"upstream_timeout":          "soon",
			"cache_sweep_interval":      "-1s",
			"redis_db":                  "-1",
			"log_level":                 "loud",
			"log_format":                "xml",
			"rate_limit_write_max":      "0",
			"rate_limit_read_max":       "many",
			"rate_limit_general_window": "0s",
		}
		for key, raw := range tests {
			v := newViper()
			v.Set(key, raw)
			if _, err := fromViper(v); err == nil {
				t.Errorf("%s=%q: fromViper()がエラーを返すべきだが、nilが返った", key, raw)
			}
		}
	})

	t.Run("認証有効時にシークレットが空の場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		v := newViper()
		v.Set("auth_enabled", "true")
		v.Set("jwt_secret", "")
		if _, err := fromViper(v); err == nil {
			t.Error("fromViper()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestNewLogger はNewLoggerを検証する。
func TestNewLogger(t *testing.T) {
	t.Parallel()

	cfg := &Config{LogLevel: logrus.DebugLevel, LogFormat: "json"}
	logger := cfg.NewLogger()
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Formatter = %T, want *logrus.JSONFormatter", logger.Formatter)
	}
}
