package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TestRequestID はRequestIDミドルウェアを検証する。
func TestRequestID(t *testing.T) {
	t.Parallel()

	newRouter := func(captured *string, forwarded *string) *gin.Engine {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			*captured = GetRequestID(c)
			*forwarded = c.Request.Header.Get("X-Request-Id")
			c.Status(http.StatusOK)
		})
		return router
	}

	t.Run("X-Request-Idが無い場合はUUIDが割り当てられること", func(t *testing.T) {
		t.Parallel()

		var captured, forwarded string
		w := httptest.NewRecorder()
		newRouter(&captured, &forwarded).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		if _, err := uuid.Parse(captured); err != nil {
			t.Errorf("リクエストID %q がUUIDではない: %v", captured, err)
		}
		if got := w.Header().Get("X-Request-Id"); got != captured {
			t.Errorf("X-Request-Id = %q, want %q", got, captured)
		}
		if forwarded != captured {
			t.Errorf("上流に渡すX-Request-Id = %q, want %q", forwarded, captured)
		}
	})

	t.Run("呼び出し元のX-Request-Idを引き継ぐこと", func(t *testing.T) {
		t.Parallel()

		var captured, forwarded string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Request-Id", "req-from-client")
		w := httptest.NewRecorder()
		newRouter(&captured, &forwarded).ServeHTTP(w, req)

		if captured != "req-from-client" {
			t.Errorf("GetRequestID() = %q, want %q", captured, "req-from-client")
		}
	})

	t.Run("長すぎるX-Request-Idは置き換えられること", func(t *testing.T) {
		t.Parallel()

		var captured, forwarded string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Request-Id", strings.Repeat("x", maxRequestIDLength+1))
		w := httptest.NewRecorder()
		newRouter(&captured, &forwarded).ServeHTTP(w, req)

		if _, err := uuid.Parse(captured); err != nil {
			t.Errorf("リクエストID %q がUUIDではない: %v", captured, err)
		}
	})
}
