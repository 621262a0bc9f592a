// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"smart-qa-go/pkg/log"
)

// 请求/响应体的日志截断上限，超出部分不入日志。
const maxLoggedBodyBytes = 4096

// bodyLogWriter 用于捕获响应体（带上限，超出后丢弃）
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	if w.body.Len() < maxLoggedBodyBytes {
		remain := maxLoggedBodyBytes - w.body.Len()
		if remain > len(b) {
			remain = len(b)
		}
		w.body.Write(b[:remain])
	}
	return w.ResponseWriter.Write(b)
}

// isStreaming 判断一个请求是否为流式响应（SSE 或 WebSocket），
// 流式响应不做响应体捕获。
func isStreaming(c *gin.Context) bool {
	path := c.Request.URL.Path
	return strings.HasSuffix(path, "/stream") || strings.HasPrefix(path, "/chat/")
}

// RequestLogger 是一个 Gin 中间件，用于记录详细的请求和响应日志。
// 每个请求分配一个 request id 并通过 X-Request-ID 响应头返回。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := uuid.NewString()
		c.Set("requestId", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		// 读取并重新缓存请求体，以便后续处理函数可以正常读取
		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}
		if len(requestBody) > maxLoggedBodyBytes {
			requestBody = requestBody[:maxLoggedBodyBytes]
		}

		streaming := isStreaming(c)
		var blw *bodyLogWriter
		if !streaming {
			blw = &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		latency := time.Since(startTime)
		fields := []interface{}{
			"requestId", requestID,
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBody", string(requestBody),
		}
		if !streaming {
			fields = append(fields, "responseBody", blw.body.String())
		}
		log.Infow("HTTP Request Log", fields...)
	}
}
