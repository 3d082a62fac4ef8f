package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/sirupsen/logrus"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にログを出力し、500 INTERNAL_ERRORを返す。debugが真の場合のみ詳細を含める。
func Recovery(logger logrus.FieldLogger, debug bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"method":     c.Request.Method,
					"path":       c.Request.URL.Path,
					"request_id": GetRequestID(c),
				}).Errorf("[PANIC] %v", r)
				apierror.Abort(c, http.StatusInternalServerError,
					apierror.Internal("An error occurred in the API Gateway", fmt.Errorf("%v", r), debug))
			}
		}()
		c.Next()
	}
}
