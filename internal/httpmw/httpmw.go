// Package httpmw provides the gin middleware shared by the Plugin
// Manager and Goal Scheduler admin HTTP surfaces: bearer-token auth,
// request-id propagation, and per-IP rate limiting.
package httpmw

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tkenaz/titan/internal/apperrors"
)

// RequireBearerToken rejects any non-OPTIONS request whose
// "Authorization: Bearer <token>" header doesn't match the configured
// secret. CORS preflight requests bypass auth entirely.
func RequireBearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			err := apperrors.Unauthorized("missing or malformed Authorization header, expected: Bearer <token>")
			c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
			return
		}
		if parts[1] != token {
			err := apperrors.Unauthorized("invalid token")
			c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
			return
		}
		c.Next()
	}
}

// RequestID stamps every request with an X-Request-ID, generating one
// when the caller didn't supply it, and exposes it in the response
// header and gin context for log correlation.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// IPRateLimiter is a per-client-IP token bucket, mirroring the
// reference platform's middleware.RateLimiter: one bucket per IP,
// periodically reset so memory doesn't grow unbounded.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewIPRateLimiter builds a limiter allowing requestsPerSecond per
// client IP, with the given burst.
func NewIPRateLimiter(requestsPerSecond float64, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

func (rl *IPRateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = lim
	}
	return lim
}

// Middleware returns a gin handler that rejects requests exceeding the
// per-IP rate with 429.
func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please retry later",
			})
			return
		}
		c.Next()
	}
}
