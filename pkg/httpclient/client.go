package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout は上流呼び出しの既定タイムアウト。
const DefaultTimeout = 5 * time.Second

const (
	// HeaderUserID は認証済みユーザーIDを上流に伝えるヘッダー。
	HeaderUserID = "X-User-Id"
	// HeaderUserEmail は認証済みユーザーのメールアドレスを上流に伝えるヘッダー。
	HeaderUserEmail = "X-User-Email"
	// HeaderRequestID はリクエストIDを上流に伝えるヘッダー。
	HeaderRequestID = "X-Request-Id"
)

// ErrUnavailable は上流サービスに到達できなかったことを表す。
var ErrUnavailable = errors.New("上流サービスに到達できません")

// hopHeaders はプロキシで転送してはいけないホップ単位のヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client は1つの上流サービスへの転送用HTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL *url.URL
}

// Response は上流サービスからのレスポンス。ボディは読み込み済み。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はホップ単位ヘッダーを除いたレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// New は新しい転送用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://product-service:3002"）を指定する。
// timeoutが0以下の場合はDefaultTimeoutを使う。
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ベースURLのスキームが不正: %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ベースURLにホストがありません: %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			// リダイレクトはそのまま呼び出し元に中継する
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: u,
	}, nil
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Timeout は上流呼び出しのタイムアウトを返す。
func (c *Client) Timeout() time.Duration {
	return c.httpClient.Timeout
}

// Forward はinのメソッド・クエリ・ヘッダー・ボディを保ったままpathへ転送する。
// pathはエスケープされた形で指定する。空の場合はinのパスをエスケープされた形のまま使う。
// ctxがキャンセルされると上流呼び出しも中断する。
func (c *Client) Forward(ctx context.Context, in *http.Request, path string) (*Response, error) {
	if path == "" {
		path = in.URL.EscapedPath()
	}
	target, err := c.target(path)
	if err != nil {
		return nil, err
	}
	target.RawQuery = in.URL.RawQuery

	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("プロキシリクエストの作成に失敗: %w", err)
	}
	if body != nil {
		req.ContentLength = in.ContentLength
	}

	req.Header = in.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	removeHopHeaders(req.Header)
	setForwardedHeaders(req.Header, in)

	// 呼び出し元が送ってきた識別ヘッダーは信用しない
	req.Header.Del(HeaderUserID)
	req.Header.Del(HeaderUserEmail)
	if id, ok := ctx.Value(contextKeyIdentity).(identity); ok {
		req.Header.Set(HeaderUserID, id.userID)
		req.Header.Set(HeaderUserEmail, id.email)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, c.baseURL.Host, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, c.baseURL.Host, err)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
	}, nil
}

// target はベースURLにエスケープ済みのpathを連結した転送先を返す。
// %2F などのエスケープはデコードせずに上流へ渡す。
func (c *Client) target(escapedPath string) (url.URL, error) {
	raw := strings.TrimSuffix(c.baseURL.EscapedPath(), "/") + escapedPath
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return url.URL{}, fmt.Errorf("転送先パスの解析に失敗: %w", err)
	}
	u := *c.baseURL
	u.Path = decoded
	u.RawPath = raw
	return u, nil
}

// classify は転送エラーを分類する。
// 呼び出し元の切断はcontext.Canceledのまま返し、それ以外はErrUnavailableとして包む。
func classify(ctx context.Context, host string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("呼び出し元が切断しました: %w", context.Canceled)
	}
	return fmt.Errorf("%w: host=%s: %w", ErrUnavailable, host, err)
}

// IsUnavailable はerrが上流到達不能を表すかどうかを返す。
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func setForwardedHeaders(h http.Header, in *http.Request) {
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil && host != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		h.Set("X-Forwarded-For", host)
	}
	if in.Host != "" {
		h.Set("X-Forwarded-Host", in.Host)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyIdentity はコンテキストに認証済みの識別情報を格納するためのキー。
const contextKeyIdentity contextKey = "identity"

type identity struct {
	userID string
	email  string
}

// WithIdentity はコンテキストにユーザーIDとメールアドレスを設定する。
// Forward時に X-User-Id / X-User-Email ヘッダーとして上流に伝播する。
func WithIdentity(ctx context.Context, userID, email string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity{userID: userID, email: email})
}
