package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TestAccessLog はAccessLogミドルウェアを検証する。
func TestAccessLog(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, status int) map[string]any {
		t.Helper()

		var buf bytes.Buffer
		logger := logrus.New()
		logger.SetOutput(&buf)
		logger.SetFormatter(&logrus.JSONFormatter{})

		router := gin.New()
		router.Use(RequestID(), AccessLog(logger))
		router.GET("/products", func(c *gin.Context) {
			SetClaims(c, &Claims{UserID: "user-log"})
			c.Status(status)
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/products?page=2", nil))

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("ログのパースに失敗: %v", err)
		}
		return entry
	}

	t.Run("リクエストの情報がフィールドとして出力されること", func(t *testing.T) {
		t.Parallel()

		entry := run(t, http.StatusOK)
		if entry["method"] != http.MethodGet {
			t.Errorf("method = %v, want %q", entry["method"], http.MethodGet)
		}
		if entry["path"] != "/products" {
			t.Errorf("path = %v, want %q", entry["path"], "/products")
		}
		if entry["query"] != "page=2" {
			t.Errorf("query = %v, want %q", entry["query"], "page=2")
		}
		if entry["status"] != float64(http.StatusOK) {
			t.Errorf("status = %v, want %d", entry["status"], http.StatusOK)
		}
		if entry["user_id"] != "user-log" {
			t.Errorf("user_id = %v, want %q", entry["user_id"], "user-log")
		}
		if entry["request_id"] == "" || entry["request_id"] == nil {
			t.Error("request_idが出力されるべき")
		}
		if entry["level"] != "info" {
			t.Errorf("level = %v, want %q", entry["level"], "info")
		}
	})

	t.Run("ステータスに応じてログレベルが変わること", func(t *testing.T) {
		t.Parallel()

		if got := run(t, http.StatusTooManyRequests)["level"]; got != "warning" {
			t.Errorf("429のlevel = %v, want %q", got, "warning")
		}
		if got := run(t, http.StatusServiceUnavailable)["level"]; got != "error" {
			t.Errorf("503のlevel = %v, want %q", got, "error")
		}
	})
}
