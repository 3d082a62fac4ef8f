package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/nao1215/edgegate/pkg/apierror"
)

// TierName はレート制限ティアの識別子。
type TierName string

const (
	// TierGeneral はすべてのリクエストに適用されるティア。
	TierGeneral TierName = "general"
	// TierAuth はログイン試行に適用されるティア。
	TierAuth TierName = "auth"
	// TierWrite は更新系メソッドに適用されるティア。
	TierWrite TierName = "write"
	// TierRead はGETに適用されるティア。
	TierRead TierName = "read"
)

// defaultWindow は全ティア共通の既定ウィンドウ幅。
const defaultWindow = 15 * time.Minute

// writeMethods は更新系として扱うHTTPメソッド。
var writeMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// Tier は1つのレート制限ポリシーを表す。
type Tier struct {
	// Name はティア名。
	Name TierName
	// Window は固定ウィンドウの幅。
	Window time.Duration
	// Max はウィンドウ内で許可する最大リクエスト数。
	Max int64
	// Methods は対象となるHTTPメソッド。空の場合は全メソッドが対象。
	Methods []string
	// SkipSuccessful が真の場合、成功したリクエストはカウントから差し戻す。
	SkipSuccessful bool
	// Code は超過時のエラーコード。
	Code apierror.Code
	// Message は超過時のメッセージ。
	Message string
	// Hint は超過時のヒント。
	Hint string
}

// Applies はmethodがこのティアの対象かどうかを返す。
func (t Tier) Applies(method string) bool {
	if len(t.Methods) == 0 {
		return true
	}
	return slices.Contains(t.Methods, method)
}

// Validate はティア設定の妥当性を検証する。
func (t Tier) Validate() error {
	if t.Name == "" {
		return errors.New("ティア名が空です")
	}
	if t.Window <= 0 {
		return fmt.Errorf("ティア %s のウィンドウは正の値である必要があります: %s", t.Name, t.Window)
	}
	if t.Max <= 0 {
		return fmt.Errorf("ティア %s の上限は正の値である必要があります: %d", t.Name, t.Max)
	}
	return nil
}

// Error は超過時のエラー封筒の中身を組み立てる。
func (t Tier) Error(d Decision) apierror.Error {
	e := apierror.New(t.Code, t.Message).WithHint(t.Hint)
	e.RetryAfter = d.RetryAfterSeconds()
	return e
}

// DefaultTiers は既定の4ティアを返す。
func DefaultTiers() map[TierName]Tier {
	return map[TierName]Tier{
		TierGeneral: {
			Name:    TierGeneral,
			Window:  defaultWindow,
			Max:     100,
			Code:    apierror.CodeRateLimitExceeded,
			Message: "Too many requests, please try again later",
		},
		TierAuth: {
			Name:           TierAuth,
			Window:         defaultWindow,
			Max:            5,
			SkipSuccessful: true,
			Code:           apierror.CodeAuthRateLimitExceeded,
			Message:        "Too many login attempts, please try again later",
			Hint:           "For security, login attempts are limited. Please wait before trying again.",
		},
		TierWrite: {
			Name:    TierWrite,
			Window:  defaultWindow,
			Max:     50,
			Methods: writeMethods,
			Code:    apierror.CodeWriteRateLimitExceeded,
			Message: "Too many write operations, please try again later",
		},
		TierRead: {
			Name:    TierRead,
			Window:  defaultWindow,
			Max:     200,
			Methods: []string{http.MethodGet},
			Code:    apierror.CodeReadRateLimitExceeded,
			Message: "Too many read operations, please try again later",
		},
	}
}

// IsWriteMethod はmethodが更新系かどうかを返す。
func IsWriteMethod(method string) bool {
	return slices.Contains(writeMethods, method)
}
