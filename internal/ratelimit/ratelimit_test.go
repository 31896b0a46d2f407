package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/ratelimit"
)

func TestLimiter_Allow(t *testing.T) {
	t.Run("burst then deny", func(t *testing.T) {
		l := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 1, Burst: 2}, adapter.NewClock())

		assert.True(t, l.Allow("reader-1|04AA"))
		assert.True(t, l.Allow("reader-1|04AA"))
		assert.False(t, l.Allow("reader-1|04AA"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 1, Burst: 1}, adapter.NewClock())

		assert.True(t, l.Allow("reader-1|04AA"))
		assert.False(t, l.Allow("reader-1|04AA"))
		assert.True(t, l.Allow("reader-2|04AA"))
		assert.True(t, l.Allow("reader-1|04BB"))
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(l *ratelimit.Limiter) *gin.Engine {
		router := gin.New()
		router.POST("/cards/:uid/authenticate", ratelimit.Middleware(l), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		return router
	}

	hit := func(router *gin.Engine, uid string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/cards/"+uid+"/authenticate", nil)
		router.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("over budget returns 429", func(t *testing.T) {
		l := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 1, Burst: 1}, adapter.NewClock())
		router := newRouter(l)

		assert.Equal(t, http.StatusOK, hit(router, "04AA3AB2C1800001"))
		assert.Equal(t, http.StatusTooManyRequests, hit(router, "04AA3AB2C1800001"))

		// A different card from the same client gets its own bucket
		assert.Equal(t, http.StatusOK, hit(router, "04AA3AB2C1800002"))
	})

	t.Run("nil limiter passes everything", func(t *testing.T) {
		router := newRouter(nil)
		for range 5 {
			assert.Equal(t, http.StatusOK, hit(router, "04AA3AB2C1800001"))
		}
	})
}
