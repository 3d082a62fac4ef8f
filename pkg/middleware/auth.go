package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/apierror"
)

// contextKeyClaims はGinコンテキストにクレームを格納するためのキー。
const contextKeyClaims = "auth_claims"

// Kind は認証結果の種類。
type Kind int

const (
	// Authenticated は検証に成功した、または認証不要だったことを表す。
	Authenticated Kind = iota
	// MissingCredentials はAuthorizationヘッダーが無いことを表す。
	MissingCredentials
	// MalformedCredentials はAuthorizationヘッダーの形式が不正であることを表す。
	MalformedCredentials
	// InvalidToken は署名または形式が不正なトークンを表す。
	InvalidToken
	// ExpiredToken は有効期限切れのトークンを表す。
	ExpiredToken
	// AuthInternalError は検証中の予期しない失敗を表す。
	AuthInternalError
)

// Result はAuthenticateの結果。
type Result struct {
	// Allow はリクエストを通してよいかどうか。
	Allow bool
	// Claims は検証済みのクレーム。公開ルートや認証無効時はnil。
	Claims *Claims
	// Kind は結果の種類。
	Kind Kind
	// Err はKindがAuthInternalErrorの場合の原因。
	Err error
}

// Error は拒否時のエラー封筒の中身を返す。debugが真の場合のみ内部エラーの詳細を含める。
func (r Result) Error(debug bool) apierror.Error {
	switch r.Kind {
	case MissingCredentials:
		return apierror.New(apierror.CodeUnauthorized, "No authorization token provided").
			WithHint("Include Authorization header with Bearer token")
	case MalformedCredentials:
		return apierror.New(apierror.CodeInvalidTokenFormat, "Invalid authorization header format").
			WithHint("Use format: Authorization: Bearer YOUR_TOKEN")
	case ExpiredToken:
		return apierror.New(apierror.CodeTokenExpired, "Authentication token has expired").
			WithHint("Please login again to get a new token")
	case InvalidToken:
		return apierror.New(apierror.CodeInvalidToken, "Invalid authentication token").
			WithHint("Please login again to get a valid token")
	default:
		e := apierror.New(apierror.CodeAuthError, "Error verifying authentication token")
		if debug && r.Err != nil {
			e.Details = r.Err.Error()
		}
		return e
	}
}

// Status は拒否時のHTTPステータスを返す。
func (r Result) Status() int {
	if r.Kind == AuthInternalError {
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}

// Authenticator はリクエストの認証要否を判定し、Bearerトークンを検証する。
type Authenticator struct {
	verifier TokenVerifier
	enabled  bool
	debug    bool
}

// NewAuthenticator は新しいAuthenticatorを生成する。
// enabledが偽の場合は全リクエストを検証せずに通す。
func NewAuthenticator(verifier TokenVerifier, enabled, debug bool) *Authenticator {
	return &Authenticator{verifier: verifier, enabled: enabled, debug: debug}
}

// Enabled は認証が有効かどうかを返す。
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// IsPublicRoute はpathとmethodの組が認証不要な公開ルートかどうかを返す。
// ヘルスチェック、ルート、ログイン、POSTによるユーザー登録が該当する。
func IsPublicRoute(path, method string) bool {
	switch {
	case strings.HasPrefix(path, "/health"):
		return true
	case path == "/", path == "/auth/login":
		return true
	case path == "/users" && method == http.MethodPost:
		return true
	default:
		return false
	}
}

// Authenticate はリクエストを認証する。
func (a *Authenticator) Authenticate(req *http.Request) Result {
	if !a.enabled || IsPublicRoute(req.URL.Path, req.Method) {
		return Result{Allow: true, Kind: Authenticated}
	}

	header := req.Header.Get("Authorization")
	if header == "" {
		return Result{Kind: MissingCredentials}
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return Result{Kind: MalformedCredentials}
	}

	claims, err := a.verifier.Verify(parts[1])
	switch {
	case err == nil:
		return Result{Allow: true, Claims: claims, Kind: Authenticated}
	case errors.Is(err, ErrTokenExpired):
		return Result{Kind: ExpiredToken}
	case errors.Is(err, ErrTokenInvalid):
		return Result{Kind: InvalidToken}
	default:
		return Result{Kind: AuthInternalError, Err: err}
	}
}

// JWTAuth はAuthenticatorで認証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにクレームを設定する。
func JWTAuth(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := a.Authenticate(c.Request)
		if !res.Allow {
			apierror.Abort(c, res.Status(), res.Error(a.debug))
			return
		}
		if res.Claims != nil {
			SetClaims(c, res.Claims)
		}
		c.Next()
	}
}

// SetClaims はGinコンテキストにクレームを設定する。
func SetClaims(c *gin.Context, claims *Claims) {
	c.Set(contextKeyClaims, claims)
}

// GetClaims はGinコンテキストからクレームを取得する。
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok && claims != nil
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok {
		return claims.UserID
	}
	return ""
}

// CheckRole はclaimsのロールがrolesに含まれるかを判定する。
// 許可されない場合はステータスとエラーを返す。rolesが空の場合は認証済みであれば許可する。
func CheckRole(claims *Claims, roles []string) (int, *apierror.Error) {
	if claims == nil {
		e := apierror.New(apierror.CodeUnauthorized, "Authentication required")
		return http.StatusUnauthorized, &e
	}
	if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
		e := apierror.New(apierror.CodeForbidden, "Insufficient permissions")
		e.RequiredRoles = roles
		e.UserRole = claims.Role
		return http.StatusForbidden, &e
	}
	return http.StatusOK, nil
}

// RequireRole は指定されたロールを持つ呼び出し元だけを通すGinミドルウェアを返す。
// JWTAuthミドルウェアの後に適用する。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := GetClaims(c)
		if status, e := CheckRole(claims, roles); e != nil {
			apierror.Abort(c, status, *e)
			return
		}
		c.Next()
	}
}
