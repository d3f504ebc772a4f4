package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/pgtrail/pgtrail/internal/config"
	"github.com/pgtrail/pgtrail/internal/tracking"
)

// UserKey is the gin.Context key an authentication layer may set to identify
// the acting user. When present, its value is recorded in the tracking
// context metadata of every event captured during the request.
const UserKey = "user"

// HistoryMiddleware returns a Gin handler that opens a tracking scope around
// each request whose method is listed in the middleware configuration.
// Database writes performed by the handler through a tracking-aware
// connection then share one context: the request URL, method, request id,
// and authenticated user.
//
// The scope is attached to the request's context.Context, so handlers must
// pass c.Request.Context() down to their database calls for events to be
// grouped. Requests with untracked methods pass through with no scope and
// no overhead.
func HistoryMiddleware(cfg *config.MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.TracksMethod(c.Request.Method) {
			c.Next()
			return
		}

		metadata := map[string]any{
			"url":    c.Request.URL.Path,
			"method": c.Request.Method,
		}
		if id, ok := c.Get(RequestIDKey); ok {
			metadata["request_id"] = id
		}
		if user, ok := c.Get(UserKey); ok {
			metadata["user"] = user
		}

		ctx, scope := tracking.Enter(c.Request.Context(), metadata)
		defer scope.Exit()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
