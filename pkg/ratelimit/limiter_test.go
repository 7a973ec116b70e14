package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowPerCallerWindow(t *testing.T) {
	l := New(2)

	assert.True(t, l.Allow("a").Allowed)
	assert.True(t, l.Allow("a").Allowed)

	res := l.Allow("a")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// Other callers have their own window.
	assert.True(t, l.Allow("b").Allowed)

	l.Reset("a")
	assert.True(t, l.Allow("a").Allowed)
}

func TestDisabledLimiter(t *testing.T) {
	l := New(0)
	for i := 0; i < 100; i++ {
		res := l.Allow("anyone")
		assert.True(t, res.Allowed)
		assert.Equal(t, -1, res.Remaining)
	}
}

func TestRemainingCountsDown(t *testing.T) {
	l := New(3)
	assert.Equal(t, 2, l.Allow("c").Remaining)
	assert.Equal(t, 1, l.Allow("c").Remaining)
	assert.Equal(t, 0, l.Allow("c").Remaining)
}

func TestMiddleware(t *testing.T) {
	l := New(1)
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("/api/v1/facts").Code)

	rec := do("/api/v1/facts")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health and the event stream are never throttled.
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, do("/health").Code)
		require.Equal(t, http.StatusOK, do("/api/v1/events").Code)
	}
}

func TestCallerID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "addr:192.0.2.7", CallerID(req))

	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, "token:secret", CallerID(req))

	// Different tokens from the same address are separate callers.
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "192.0.2.7:5555"
	other.Header.Set("Authorization", "Bearer other")
	assert.NotEqual(t, CallerID(req), CallerID(other))
}
