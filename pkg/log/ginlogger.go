package log

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader はリクエストIDを受け渡すヘッダー名です。
const RequestIDHeader = "X-Request-Id"

// ContextRequestIDKey は gin.Context にリクエストIDを保存するキーです。
const ContextRequestIDKey = "request_id"

// GinLogger はリクエストIDの付与とアクセスログ出力を行うミドルウェアを返します。
func GinLogger(l *zap.Logger, name string) gin.HandlerFunc {
	if l == nil {
		panic("log.GinLogger received a nil *zap.Logger")
	}

	logger := l.Named(name)

	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		t1 := time.Now()
		c.Next()

		statusCode := c.Writer.Status()
		fields := []zap.Field{
			zap.String("type", "http_request"),
			zap.String("request_id", requestID),
			zap.String("http_method", c.Request.Method),
			zap.String("http_path", c.Request.URL.Path),
			zap.String("remote_addr", c.ClientIP()),
			zap.Int("http_status_code", statusCode),
			zap.Int("response_bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(t1)),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		msg := fmt.Sprintf("HTTP request completed: %s", c.Request.URL.Path)

		switch {
		case statusCode >= 500:
			logger.Error(msg, fields...)
		case statusCode >= 400:
			logger.Warn(msg, fields...)
		default:
			if isQuietPath(c.Request.Method, c.FullPath()) {
				logger.Debug(msg, fields...)
			} else {
				logger.Info(msg, fields...)
			}
		}
	}
}

// quietRoutes はクライアントが定期的に叩くルートです。
var quietRoutes = map[string]bool{
	"/health":            true,
	"/metrics":           true,
	"/api/documents/:id": true,
}

// ステータスのポーリングとヘルスチェックは debug レベルに落とす
func isQuietPath(method string, route string) bool {
	return method == http.MethodGet && quietRoutes[route]
}
