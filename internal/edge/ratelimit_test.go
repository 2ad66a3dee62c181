package edge

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstPerKey(t *testing.T) {
	rl := NewRateLimiter(0.001, 0, func(c *gin.Context) string { return c.GetHeader("X-Key") })

	engine := gin.New()
	engine.Use(rl.Handler())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	hit := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Key", key)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, hit("a"), "burst is raised to one")
	assert.Equal(t, http.StatusTooManyRequests, hit("a"))
	assert.Equal(t, http.StatusNoContent, hit("b"))
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.limiter("idle")
	now = now.Add(visitorTTL)
	for i := 0; i < sweepEveryCalls-1; i++ {
		rl.limiter("busy")
	}
	assert.Equal(t, 1, rl.Len())
}

func TestKeyByUserOrIP(t *testing.T) {
	key := KeyByUserOrIP()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "203.0.113.7:4000"
	assert.Equal(t, "ip:203.0.113.7", key(c))

	c.Set(ctxUserID, "u1")
	assert.Equal(t, "user:u1", key(c))
}
