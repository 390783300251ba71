package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func doRequest(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/cart/promotions", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLimiter_Window(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(RateLimitConfig{Max: 2, Window: time.Minute, Now: clock.Now})
	h := l.Middleware()(okHandler())

	w := doRequest(h, "10.0.0.1:5000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	require.Equal(t, http.StatusOK, doRequest(h, "10.0.0.1:5001").Code)

	w = doRequest(h, "10.0.0.1:5002")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"code":429,"message":"rate limit exceeded"}`, w.Body.String())

	require.Equal(t, http.StatusOK, doRequest(h, "10.0.0.2:5000").Code, "other clients are independent")

	clock.now = clock.now.Add(time.Minute)
	require.Equal(t, http.StatusOK, doRequest(h, "10.0.0.1:5000").Code, "new window")
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(RateLimitConfig{})
	h := l.Middleware()(okHandler())
	for range 10 {
		w := doRequest(h, "10.0.0.1:5000")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestLimiter_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(RateLimitConfig{Max: 1, Window: time.Second, Now: clock.Now})
	h := l.Middleware()(okHandler())

	doRequest(h, "10.0.0.1:1")
	doRequest(h, "10.0.0.2:1")
	require.Len(t, l.buckets, 2)

	clock.now = clock.now.Add(2 * time.Second)
	l.Sweep()
	assert.Empty(t, l.buckets)
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "192.168.1.7:4242", want: "192.168.1.7"},
		{name: "forwarded", xff: "203.0.113.9, 10.0.0.1", remote: "10.0.0.1:1", want: "203.0.113.9"},
		{name: "no port", remote: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, ClientKey(req))
		})
	}
}
