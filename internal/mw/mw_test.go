package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestResponseCache_HitMissAndInvalidate(t *testing.T) {
	rc := NewResponseCache(time.Minute)
	calls := 0
	r := gin.New()
	r.Use(rc.Cache())
	r.GET("/rooms", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"calls": calls})
	})
	r.POST("/rooms", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := serve(r, http.MethodGet, "/rooms")
	assert.Equal(t, "MISS", w.Header().Get(CacheHeader))
	assert.JSONEq(t, `{"calls":1}`, w.Body.String())

	w = serve(r, http.MethodGet, "/rooms")
	assert.Equal(t, "HIT", w.Header().Get(CacheHeader))
	assert.JSONEq(t, `{"calls":1}`, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	// query strings are part of the key
	w = serve(r, http.MethodGet, "/rooms?id=2")
	assert.Equal(t, "MISS", w.Header().Get(CacheHeader))

	serve(r, http.MethodPost, "/rooms")
	assert.Zero(t, rc.Len())
	w = serve(r, http.MethodGet, "/rooms")
	assert.JSONEq(t, `{"calls":3}`, w.Body.String())

	serve(r, http.MethodGet, "/missing")
	w = serve(r, http.MethodGet, "/missing")
	assert.Equal(t, "MISS", w.Header().Get(CacheHeader), "errors are not cached")
}

func TestRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Limit(1), 2)
	r := gin.New()
	r.Use(RateLimiter(limiter, zap.NewNop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/").Code)
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter := NewIPRateLimiter(rate.Limit(10), 5)
	limiter.now = func() time.Time { return now }

	limiter.GetLimiter("10.0.0.1")
	now = now.Add(10 * time.Minute)
	limiter.GetLimiter("10.0.0.2")

	assert.Equal(t, 1, limiter.Cleanup(5*time.Minute))
	assert.Equal(t, 1, limiter.Size())
}

func TestResponseCache_ZeroTTLDisables(t *testing.T) {
	rc := NewResponseCache(0)
	r := gin.New()
	r.Use(rc.Cache())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(r, http.MethodGet, "/")
	w := serve(r, http.MethodGet, "/")
	assert.Empty(t, w.Header().Get(CacheHeader))
	assert.Zero(t, rc.Len())
}
