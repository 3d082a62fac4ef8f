package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code はエラー封筒に載せるエラーコード。
type Code string

const (
	// CodeUnauthorized は認証情報が無いことを表す。
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeInvalidTokenFormat はAuthorizationヘッダーの形式が不正であることを表す。
	CodeInvalidTokenFormat Code = "INVALID_TOKEN_FORMAT"
	// CodeTokenExpired はトークンの有効期限切れを表す。
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	// CodeInvalidToken は署名や形式が不正なトークンを表す。
	CodeInvalidToken Code = "INVALID_TOKEN"
	// CodeAuthError はトークン検証中の予期しない失敗を表す。
	CodeAuthError Code = "AUTH_ERROR"
	// CodeForbidden は権限不足を表す。
	CodeForbidden Code = "FORBIDDEN"
	// CodeRateLimitExceeded は全体レート制限の超過を表す。
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	// CodeAuthRateLimitExceeded はログイン試行回数の超過を表す。
	CodeAuthRateLimitExceeded Code = "AUTH_RATE_LIMIT_EXCEEDED"
	// CodeWriteRateLimitExceeded は書き込み系リクエストの超過を表す。
	CodeWriteRateLimitExceeded Code = "WRITE_RATE_LIMIT_EXCEEDED"
	// CodeReadRateLimitExceeded は読み取り系リクエストの超過を表す。
	CodeReadRateLimitExceeded Code = "READ_RATE_LIMIT_EXCEEDED"
	// CodeServiceUnavailable は上流サービスに到達できないことを表す。
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	// CodeNotFound はルートが存在しないことを表す。
	CodeNotFound Code = "NOT_FOUND"
	// CodeInternalError はGateway内部の予期しないエラーを表す。
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Error はエラー封筒の中身。
type Error struct {
	// Code は機械可読なエラーコード。
	Code Code `json:"code"`
	// Message は人間向けの説明。
	Message string `json:"message"`
	// Hint は呼び出し側が取るべき対処。
	Hint string `json:"hint,omitempty"`
	// RetryAfter は再試行まで待つべき秒数。
	RetryAfter int `json:"retryAfter,omitempty"`
	// Details は診断モードでのみ設定される内部エラーの詳細。
	Details string `json:"details,omitempty"`
	// Path は404時の要求パス。
	Path string `json:"path,omitempty"`
	// AvailableEndpoints は404時に案内するトップレベルのルート一覧。
	AvailableEndpoints []string `json:"availableEndpoints,omitempty"`
	// RequiredRoles は403時に要求されるロール。
	RequiredRoles []string `json:"requiredRole,omitempty"`
	// UserRole は403時の呼び出し元のロール。
	UserRole string `json:"userRole,omitempty"`
}

// Envelope はエラーレスポンスのトップレベル構造。
type Envelope struct {
	Error Error `json:"error"`
}

// New はコードとメッセージからエラーを生成する。
func New(code Code, message string) Error {
	return Error{Code: code, Message: message}
}

// WithHint はヒントを付けたコピーを返す。
func (e Error) WithHint(hint string) Error {
	e.Hint = hint
	return e
}

// Wrap はエラー封筒に包んだ値を返す。
func (e Error) Wrap() Envelope {
	return Envelope{Error: e}
}

// Abort は封筒形式のエラーを書き込み、後続のハンドラを中断する。
func Abort(c *gin.Context, status int, e Error) {
	c.AbortWithStatusJSON(status, e.Wrap())
}

// ServiceUnavailable は上流サービス名を含む503エラーを生成する。
func ServiceUnavailable(serviceName string) Error {
	return New(CodeServiceUnavailable, serviceName+" is currently unavailable")
}

// NotFound はルート未検出時の404エラーを生成する。
func NotFound(path string, endpoints []string) Error {
	e := New(CodeNotFound, "Endpoint not found")
	e.Path = path
	e.AvailableEndpoints = endpoints
	return e
}

// Internal は500エラーを生成する。debugが真の場合のみ詳細を含める。
func Internal(message string, cause error, debug bool) Error {
	e := New(CodeInternalError, message)
	if debug && cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// StatusOf はエラーコードに対応するHTTPステータスを返す。
func StatusOf(code Code) int {
	switch code {
	case CodeUnauthorized, CodeInvalidTokenFormat, CodeTokenExpired, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimitExceeded, CodeAuthRateLimitExceeded, CodeWriteRateLimitExceeded, CodeReadRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
