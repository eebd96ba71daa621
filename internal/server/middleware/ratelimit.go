package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter ограничивает число запросов с одного адреса за окно времени.
// Окно фиксированное: по истечении window счетчик восстанавливается целиком.
type RateLimiter struct {
	buckets  map[string]*bucket
	logger   *slog.Logger
	now      func() time.Time
	cleanupC chan struct{}
	rate     int
	window   time.Duration
	mu       sync.RWMutex
	stopOnce sync.Once
}

type bucket struct {
	lastRefill time.Time
	tokens     int
	mu         sync.Mutex
}

// NewRateLimiter создает limiter на rate запросов за window
func NewRateLimiter(rate int, window time.Duration, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		window:   window,
		logger:   logger,
		now:      time.Now,
		cleanupC: make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupOldBuckets()
		case <-rl.cleanupC:
			return
		}
	}
}

// cleanupOldBuckets удаляет buckets, не пополнявшиеся дольше двух окон
func (rl *RateLimiter) cleanupOldBuckets() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// Stop останавливает фоновую очистку. Повторный вызов безопасен.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.cleanupC) })
}

func (rl *RateLimiter) bucketFor(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Между RUnlock и Lock bucket мог создать другой запрос
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = &bucket{tokens: rl.rate, lastRefill: rl.now()}
	rl.buckets[key] = b
	return b
}

// Allow расходует один токен key. false - лимит исчерпан.
func (rl *RateLimiter) Allow(key string) bool {
	b := rl.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter - целое число секунд до конца окна, минимум 1
func (rl *RateLimiter) retryAfter() string {
	seconds := int(rl.window.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func (rl *RateLimiter) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	key := getClientIP(r)
	if rl.Allow(key) {
		next.ServeHTTP(w, r)
		return
	}

	rl.logger.Warn("Rate limit exceeded",
		"ip", key,
		"method", r.Method,
		"path", sanitizePath(r.URL.Path),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", rl.retryAfter())
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded, please try again later"}`))
}

// RateLimitMiddleware ограничивает все запросы одним лимитом на адрес
func RateLimitMiddleware(rate int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate, window, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter.serve(next, w, r)
		})
	}
}

// PathRateLimit - отдельный лимит для путей с префиксом Prefix
type PathRateLimit struct {
	Prefix string
	Rate   int
	Window time.Duration
}

// RateLimitByPathMiddleware применяет первый подходящий по префиксу лимит,
// остальные запросы идут через общий.
func RateLimitByPathMiddleware(limits []PathRateLimit, defaultRate int, defaultWindow time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	type prefixLimiter struct {
		limiter *RateLimiter
		prefix  string
	}

	limiters := make([]prefixLimiter, 0, len(limits))
	for _, limit := range limits {
		limiters = append(limiters, prefixLimiter{
			prefix:  limit.Prefix,
			limiter: NewRateLimiter(limit.Rate, limit.Window, logger),
		})
	}
	defaultLimiter := NewRateLimiter(defaultRate, defaultWindow, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := defaultLimiter
			for _, pl := range limiters {
				if strings.HasPrefix(r.URL.Path, pl.prefix) {
					limiter = pl.limiter
					break
				}
			}
			limiter.serve(next, w, r)
		})
	}
}

// getClientIP извлекает адрес клиента. Заголовки прокси имеют приоритет,
// у RemoteAddr отбрасывается порт, чтобы соединения одного клиента
// попадали в один bucket.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
