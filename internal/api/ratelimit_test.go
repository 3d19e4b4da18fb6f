package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsWithinCapacity(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 3, Window: time.Minute})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		allowed, retryAfter := rl.allow("key-1")
		require.True(t, allowed)
		require.Zero(t, retryAfter)
	}
}

func TestRateLimiterSetsRetryAfterOnExhaustion(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 2, Window: 10 * time.Second})
	defer rl.Stop()

	allowed, _ := rl.allow("key-1")
	require.True(t, allowed)
	allowed, _ = rl.allow("key-1")
	require.True(t, allowed)

	allowed, retryAfter := rl.allow("key-1")
	require.False(t, allowed)
	require.GreaterOrEqual(t, retryAfter, 1)
	require.LessOrEqual(t, retryAfter, 60)
}

func TestRateLimiterMiddlewareSetsRetryAfterHeader(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxRequests: 1, Window: time.Minute})
	defer rl.Stop()

	e := echo.New()
	h := rl.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec1 := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req1, rec1)))
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec2 := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req2, rec2)))
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)

	retryAfter, err := strconv.Atoi(rec2.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retryAfter, 1)
	require.LessOrEqual(t, retryAfter, 60)
}
