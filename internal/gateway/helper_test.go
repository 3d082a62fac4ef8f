package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// unreachableURL は接続が拒否される上流サービスのURL。
const unreachableURL = "http://127.0.0.1:1"

// fakeClock はテストから進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// quietLogger は出力を捨てるロガーを返す。
func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// backendCall は上流サービスが受け取ったリクエストの記録。
type backendCall struct {
	Method     string
	Path       string
	RawQuery   string
	RequestURI string
	Headers    http.Header
	Body       string
}

// backend はリクエストを記録する上流サービスのモック。
type backend struct {
	*httptest.Server

	mu    sync.Mutex
	calls []backendCall
}

// newBackend はモック上流サービスを起動する。handlerがnilの場合は
// リクエスト内容と受信回数をJSONで返す。
func newBackend(t *testing.T, handler http.HandlerFunc) *backend {
	t.Helper()

	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.calls = append(b.calls, backendCall{
			Method:     r.Method,
			Path:       r.URL.Path,
			RawQuery:   r.URL.RawQuery,
			RequestURI: r.RequestURI,
			Headers:    r.Header.Clone(),
			Body:       string(body),
		})
		n := len(b.calls)
		b.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"path":%q,"query":%q,"call":%d}`, r.URL.Path, r.URL.RawQuery, n)
	}))
	t.Cleanup(b.Close)
	return b
}

// Calls は受信したリクエスト数を返す。
func (b *backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Last は最後に受信したリクエストを返す。
func (b *backend) Last(t *testing.T) backendCall {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		t.Fatal("上流サービスがリクエストを受信していない")
	}
	return b.calls[len(b.calls)-1]
}

// testConfig は3つの上流サービスURLを持つテスト用設定を返す。
func testConfig(userURL, productURL, orderURL string) *config.Config {
	return &config.Config{
		Port: "0",
		Upstreams: config.Upstreams{
			User:    userURL,
			Product: productURL,
			Order:   orderURL,
		},
		AuthEnabled:        true,
		JWTSecret:          testJWTSecret,
		UpstreamTimeout:    2 * time.Second,
		CORSAllowedOrigins: []string{"*"},
		CacheSweepInterval: time.Minute,
		RateLimits:         ratelimit.DefaultTiers(),
		LogLevel:           logrus.PanicLevel,
		LogFormat:          "text",
	}
}

// withLimit はティアの上限を差し替える。
func withLimit(cfg *config.Config, name ratelimit.TierName, limit int64) {
	tier := cfg.RateLimits[name]
	tier.Max = limit
	cfg.RateLimits[name] = tier
}

// newTestServer はテスト用のGatewayサーバーを生成する。
func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()

	s, err := NewServer(cfg, quietLogger(), opts...)
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newRequest はボディの無いリクエストを生成する。
func newRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// serve はreqをGatewayで処理し、レスポンスを返す。
func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// doRequest はGatewayにリクエストを送り、レスポンスを返す。
func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return serve(s, req)
}

// bearer は有効なトークンを持つAuthorizationヘッダーを返す。
func bearer(t *testing.T, userID, email, role string) map[string]string {
	t.Helper()

	token, err := middleware.GenerateJWT(testJWTSecret, userID, email, role)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// expiredBearer は有効期限切れのトークンを持つAuthorizationヘッダーを返す。
func expiredBearer(t *testing.T) map[string]string {
	t.Helper()

	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-25 * time.Hour)),
		},
		UserID: "user-expired",
		Email:  "expired@example.com",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// decodeError はレスポンスボディをエラー封筒としてパースする。
func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierror.Error {
	t.Helper()

	var env apierror.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v, body=%s", err, w.Body.String())
	}
	return env.Error
}

// decodeJSON はレスポンスボディをmapとしてパースする。
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v, body=%s", err, w.Body.String())
	}
	return body
}

// assertStatus はステータスコードを検証する。
func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()

	if w.Code != want {
		t.Fatalf("ステータスコード = %d, want %d, body=%s", w.Code, want, w.Body.String())
	}
}
