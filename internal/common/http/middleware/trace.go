package middleware

import (
	"context"
	"strings"

	"codecompete/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	userIDHeader    = "X-User-Id"
)

// TraceContextConfig controls which identifiers are taken from request headers.
type TraceContextConfig struct {
	AllowUserIDHeader bool
}

// TraceContextMiddleware ensures trace and request ids are present in the context and echoed back.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{AllowUserIDHeader: true})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = bind(c, ctx, traceIDHeader, contextkey.TraceID, headerOrNew(c, traceIDHeader))
		ctx = bind(c, ctx, requestIDHeader, contextkey.RequestID, headerOrNew(c, requestIDHeader))

		if cfg.AllowUserIDHeader {
			if userID := strings.TrimSpace(c.GetHeader(userIDHeader)); userID != "" {
				ctx = bind(c, ctx, "", contextkey.UserID, userID)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func headerOrNew(c *gin.Context, header string) string {
	if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
		return v
	}
	return uuid.NewString()
}

// bind stores value in the gin context, the request context and, when header is set, the response.
func bind(c *gin.Context, ctx context.Context, header string, key interface{ String() string }, value string) context.Context {
	c.Set(key.String(), value)
	if header != "" {
		c.Writer.Header().Set(header, value)
	}
	return context.WithValue(ctx, key, value)
}
