package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgtrail/pgtrail/internal/config"
	"github.com/pgtrail/pgtrail/internal/tracking"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		id, ok := c.Get(RequestIDKey)
		require.True(t, ok)
		assert.NotEmpty(t, id)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestIDMiddlewareReusesInboundID(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "upstream-id", w.Header().Get(RequestIDHeader))
}

func TestHistoryMiddlewareOpensScopeForTrackedMethods(t *testing.T) {
	cfg := &config.MiddlewareConfig{Methods: []string{"POST"}}

	var seen *tracking.Scope
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(HistoryMiddleware(cfg))
	router.POST("/users", func(c *gin.Context) {
		seen, _ = tracking.FromContext(c.Request.Context())
		c.Status(http.StatusCreated)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/users", nil))

	require.NotNil(t, seen)
	metadata := seen.Metadata()
	assert.Equal(t, "/users", metadata["url"])
	assert.Equal(t, "POST", metadata["method"])
	assert.NotEmpty(t, metadata["request_id"])

	// The scope closes with the request.
	assert.False(t, seen.Active())
}

func TestHistoryMiddlewareSkipsUntrackedMethods(t *testing.T) {
	cfg := &config.MiddlewareConfig{Methods: []string{"POST"}}

	router := gin.New()
	router.Use(HistoryMiddleware(cfg))
	router.GET("/users", func(c *gin.Context) {
		_, ok := tracking.FromContext(c.Request.Context())
		assert.False(t, ok)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHistoryMiddlewareRecordsUser(t *testing.T) {
	cfg := &config.MiddlewareConfig{Methods: []string{"DELETE"}}

	var seen *tracking.Scope
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(UserKey, "alice") })
	router.Use(HistoryMiddleware(cfg))
	router.DELETE("/users/:id", func(c *gin.Context) {
		seen, _ = tracking.FromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/users/7", nil))

	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Metadata()["user"])
}

func TestMetricsMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(MetricsMiddleware())
	router.GET("/users/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/7", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Unmatched routes fall back to the sentinel path label.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
