package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer は発行するトークンのissuer。
const TokenIssuer = "edgegate"

// tokenLifetime は発行するトークンの有効期間。
const tokenLifetime = 24 * time.Hour

var (
	// ErrTokenExpired は署名は正しいが有効期限が切れたトークンを表す。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
	// ErrTokenInvalid は署名または形式が不正なトークンを表す。
	ErrTokenInvalid = errors.New("トークンが無効です")
)

// Claims はBearerトークンのクレーム（ペイロード）を表す。
// IDサービスが発行し、Gatewayは1リクエストの間だけ読み取り専用で扱う。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"userId"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール。RequireRoleで参照する。
	Role string `json:"role,omitempty"`
}

// TokenVerifier はトークンを検証してクレームを取り出す。
// 返すエラーはErrTokenExpired、ErrTokenInvalid、またはそれ以外の内部エラー。
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// HMACVerifier はHS256で署名されたトークンを検証するTokenVerifier。
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

var _ TokenVerifier = (*HMACVerifier)(nil)

// NewHMACVerifier は共有シークレットで検証するHMACVerifierを生成する。
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify はトークンを検証する。
func (v *HMACVerifier) Verify(token string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("JWTシークレットが設定されていません")
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// classifyJWTError はjwtライブラリのエラーをGatewayのエラー分類に変換する。
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	default:
		return fmt.Errorf("トークンの検証に失敗: %w", err)
	}
}

// GenerateJWT はユーザー情報からHS256で署名したトークンを生成する。
// IDサービスと同じ形式のトークンを発行するため、開発用ツールとテストで使用する。
func GenerateJWT(secret, userID, email, role string) (string, error) {
	return generateJWT(secret, userID, email, role, time.Now(), tokenLifetime)
}

func generateJWT(secret, userID, email, role string, issuedAt time.Time, lifetime time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    TokenIssuer,
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
