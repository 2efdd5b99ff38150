package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"oip/recon/internal/api/ginx"
	"oip/recon/pkg/logger"
)

// HeaderRequestID 请求 ID 头（同时作为 Job 的 request_id 贯穿 worker 日志）
const HeaderRequestID = "X-Request-ID"

// ctxKeyRequestID gin.Context 中的请求 ID
const ctxKeyRequestID = "request_id"

// RequestID 读取或生成请求 ID，并注入到请求 Context 的 trace_id
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logger.WithField(c.Request.Context(), logger.KeyTraceID, id))
		c.Next()
	}
}

// GetRequestID 获取当前请求 ID
func GetRequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

// AccessLog 访问日志
func AccessLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof(c.Request.Context(), "[API] %s %s -> %d (%v)",
			c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// ErrorHandler 统一错误处理中间件：捕获 panic 和 handler 挂在 c.Errors 上的错误
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf(c.Request.Context(), "[API] panic: %v", r)
				if !c.Writer.Written() {
					ginx.InternalError(c, fmt.Sprintf("internal error: %v", r))
				}
				c.Abort()
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			log.Errorf(c.Request.Context(), "[API] request failed: %v", err.Err)
			ginx.Error(c, http.StatusInternalServerError, err.Error())
		}
	}
}
