package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"polychat-go/pkg/log"
)

const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体，超出 maxLoggedBody 的部分不再缓存。
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// Flush 透传给底层 writer，SSE 依赖它及时推送。
func (w bodyLogWriter) Flush() {
	w.ResponseWriter.Flush()
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// 流式响应与 WebSocket 只记录元信息，不缓存响应体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		streaming := isStreamingRequest(c)

		var requestBody []byte
		if c.Request.Body != nil && !streaming {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		var blw *bodyLogWriter
		if !streaming {
			blw = &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		}
		if blw != nil {
			fields = append(fields, "requestBody", truncate(redact(string(requestBody))), "responseBody", blw.body.String())
		}
		log.Infow("HTTP Request Log", fields...)
	}
}

func isStreamingRequest(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") || c.GetHeader("Upgrade") != "" {
		return true
	}
	return strings.HasPrefix(c.Request.URL.Path, "/api/v1/chat/")
}

// redact 不记录包含密码或密钥的请求体。
func redact(body string) string {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "password") || strings.Contains(lower, "apikey") || strings.Contains(lower, "refreshtoken") {
		return "[redacted]"
	}
	return body
}

func truncate(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "..."
	}
	return s
}
