package middleware

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// quietLogger は出力を捨てるロガーを返す。
func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// decodeError はレスポンスボディをエラー封筒としてパースする。
func decodeError(t *testing.T, body []byte) apierror.Error {
	t.Helper()

	var env apierror.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v", err)
	}
	return env.Error
}
