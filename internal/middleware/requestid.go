// Package middleware provides Gin HTTP middleware for applications embedding
// pgtrail. Registration order matters: RequestIDMiddleware first, then
// MetricsMiddleware, then HistoryMiddleware, so tracked requests carry their
// request id in the captured context metadata.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the canonical HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string is stored so
	// that handlers and other middleware can retrieve it without reading the response header.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware returns a Gin handler that ensures every request carries
// a unique identifier propagated as an X-Request-ID HTTP header.
//
// An inbound X-Request-ID header (set by an upstream load balancer or caller)
// is reused unchanged; otherwise a new UUID v4 is generated. The identifier
// is stored in gin.Context under RequestIDKey, echoed back in the response
// header, and picked up by HistoryMiddleware as context metadata, so events
// captured during the request can be correlated with client-side logs.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
