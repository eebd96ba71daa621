package middleware

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func serveFrom(handler http.Handler, method, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestNewRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute, discardLogger())
	defer limiter.Stop()

	assert.Equal(t, 10, limiter.rate)
	assert.Equal(t, time.Minute, limiter.window)
	assert.NotNil(t, limiter.buckets)

	// повторный Stop не паникует
	limiter.Stop()
}

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("requests within limit are allowed", func(t *testing.T) {
		limiter := NewRateLimiter(5, time.Minute, discardLogger())
		defer limiter.Stop()

		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Allow("192.168.1.1"), "request %d should be allowed", i+1)
		}
		assert.False(t, limiter.Allow("192.168.1.1"), "request over limit should be denied")
	})

	t.Run("different keys are tracked separately", func(t *testing.T) {
		limiter := NewRateLimiter(2, time.Minute, discardLogger())
		defer limiter.Stop()

		assert.True(t, limiter.Allow("a"))
		assert.True(t, limiter.Allow("a"))
		assert.False(t, limiter.Allow("a"))

		assert.True(t, limiter.Allow("b"))
		assert.True(t, limiter.Allow("b"))
		assert.False(t, limiter.Allow("b"))
	})

	t.Run("tokens refill after window expires", func(t *testing.T) {
		limiter := NewRateLimiter(2, time.Minute, discardLogger())
		defer limiter.Stop()

		now := time.Unix(1714564800, 0)
		limiter.now = func() time.Time { return now }

		assert.True(t, limiter.Allow("k"))
		assert.True(t, limiter.Allow("k"))
		assert.False(t, limiter.Allow("k"), "should be rate limited")

		now = now.Add(59 * time.Second)
		assert.False(t, limiter.Allow("k"), "window not expired yet")

		now = now.Add(time.Second)
		assert.True(t, limiter.Allow("k"), "tokens should be refilled")
		assert.True(t, limiter.Allow("k"), "tokens should be refilled")
	})

	t.Run("concurrent first requests share one bucket", func(t *testing.T) {
		limiter := NewRateLimiter(10, time.Minute, discardLogger())
		defer limiter.Stop()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if limiter.Allow("same") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, allowed)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("requests over limit are blocked with 429", func(t *testing.T) {
		handler := RateLimitMiddleware(3, time.Minute, discardLogger())(okHandler())

		for i := 0; i < 3; i++ {
			w := serveFrom(handler, http.MethodPost, "/api/admin/token", "192.168.1.2:12345")
			assert.Equal(t, http.StatusOK, w.Code, fmt.Sprintf("request %d should pass", i+1))
			assert.Equal(t, "success", w.Body.String())
		}

		w := serveFrom(handler, http.MethodPost, "/api/admin/token", "192.168.1.2:12345")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), "rate limit exceeded")
	})

	t.Run("connections from one host share a limit", func(t *testing.T) {
		handler := RateLimitMiddleware(2, time.Minute, discardLogger())(okHandler())

		assert.Equal(t, http.StatusOK, serveFrom(handler, http.MethodGet, "/x", "192.168.1.1:1000").Code)
		assert.Equal(t, http.StatusOK, serveFrom(handler, http.MethodGet, "/x", "192.168.1.1:2000").Code)
		assert.Equal(t, http.StatusTooManyRequests, serveFrom(handler, http.MethodGet, "/x", "192.168.1.1:3000").Code)

		assert.Equal(t, http.StatusOK, serveFrom(handler, http.MethodGet, "/x", "192.168.1.2:1000").Code)
	})
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		expectedIP string
	}{
		{
			name:       "X-Forwarded-For with single IP",
			remoteAddr: "10.0.0.1:12345",
			xff:        "192.168.1.1",
			expectedIP: "192.168.1.1",
		},
		{
			name:       "X-Forwarded-For with multiple IPs",
			remoteAddr: "10.0.0.1:12345",
			xff:        "192.168.1.1, 10.0.0.2, 10.0.0.3",
			expectedIP: "192.168.1.1",
		},
		{
			name:       "X-Real-IP when X-Forwarded-For is empty",
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "192.168.2.1",
			expectedIP: "192.168.2.1",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "192.168.3.1:54321",
			expectedIP: "192.168.3.1",
		},
		{
			name:       "IPv6 RemoteAddr",
			remoteAddr: "[::1]:54321",
			expectedIP: "::1",
		},
		{
			name:       "RemoteAddr that is not host:port",
			remoteAddr: "pipe",
			expectedIP: "pipe",
		},
		{
			name:       "X-Forwarded-For takes precedence over X-Real-IP",
			remoteAddr: "10.0.0.1:12345",
			xff:        "192.168.1.1",
			xRealIP:    "192.168.2.1",
			expectedIP: "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			assert.Equal(t, tt.expectedIP, getClientIP(req))
		})
	}
}

func TestRateLimitByPathMiddleware(t *testing.T) {
	limits := []PathRateLimit{
		{Prefix: "/api/admin/token", Rate: 1, Window: time.Minute},
		{Prefix: "/api/storage/registerapp/", Rate: 2, Window: time.Minute},
	}

	handler := RateLimitByPathMiddleware(limits, 10, time.Minute, discardLogger())(okHandler())

	t.Run("token endpoint has strict limit", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serveFrom(handler, http.MethodPost, "/api/admin/token", "192.168.1.1:1").Code)
		assert.Equal(t, http.StatusTooManyRequests, serveFrom(handler, http.MethodPost, "/api/admin/token", "192.168.1.1:1").Code)
	})

	t.Run("registration limit is shared by all repositories", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serveFrom(handler, http.MethodPost, "/api/storage/registerapp/repo1", "192.168.1.2:1").Code)
		assert.Equal(t, http.StatusOK, serveFrom(handler, http.MethodPost, "/api/storage/registerapp/repo2", "192.168.1.2:1").Code)
		assert.Equal(t, http.StatusTooManyRequests, serveFrom(handler, http.MethodPost, "/api/storage/registerapp/repo3", "192.168.1.2:1").Code)
	})

	t.Run("other paths use default limit", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			w := serveFrom(handler, http.MethodGet, "/api/storage/exists/tok,id", "192.168.1.3:1")
			assert.Equal(t, http.StatusOK, w.Code)
		}
		w := serveFrom(handler, http.MethodGet, "/api/storage/exists/tok,id", "192.168.1.3:1")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestRateLimiter_CleanupOldBuckets(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute, discardLogger())
	defer limiter.Stop()

	now := time.Unix(1714564800, 0)
	limiter.now = func() time.Time { return now }

	limiter.Allow("192.168.1.1")
	limiter.Allow("192.168.1.2")

	now = now.Add(90 * time.Second)
	limiter.Allow("192.168.1.3")

	now = now.Add(60 * time.Second)
	limiter.cleanupOldBuckets()

	limiter.mu.RLock()
	defer limiter.mu.RUnlock()
	assert.Len(t, limiter.buckets, 1, "only the recent bucket survives")
	assert.Contains(t, limiter.buckets, "192.168.1.3")
}

func TestRateLimitMiddleware_LogsExceededRequests(t *testing.T) {
	var logBuf strings.Builder
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	handler := RateLimitMiddleware(1, time.Minute, logger)(okHandler())

	serveFrom(handler, http.MethodGet, "/api/storage/open/app-token,inventory", "192.168.1.1:12345")
	w := serveFrom(handler, http.MethodGet, "/api/storage/open/app-token,inventory", "192.168.1.1:12345")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "Rate limit exceeded")
	assert.Contains(t, logOutput, "192.168.1.1")
	assert.Contains(t, logOutput, "/api/storage/open/***")
	assert.NotContains(t, logOutput, "app-token")
	assert.Contains(t, logOutput, "GET")
}
