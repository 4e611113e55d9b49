package security

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles marketplace write endpoints with redis
// counters keyed per user, falling back to the client IP for
// unauthenticated requests. Redis being unavailable fails open.
type RateLimiter struct {
	redis    *redis.Client
	limit    int64
	window   time.Duration
	botLimit int64
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:    redisClient,
		limit:    60,
		window:   time.Minute,
		botLimit: 30,
	}
}

// Middleware returns the request hook for write endpoints.
func (r *RateLimiter) Middleware() func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		key := r.identifier(e)

		count, err := r.redis.Incr(e.Request.Context(), key).Result()
		if err != nil {
			log.Printf("rate limit: incr %s: %v", key, err)
			return e.Next()
		}
		if count == 1 {
			r.redis.Expire(e.Request.Context(), key, r.window)
		}
		if count > r.limit {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

// AntiBot blocks obvious scraper user agents and throttles per-IP
// request bursts independently of the per-user limit.
func (r *RateLimiter) AntiBot() func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return apis.NewForbiddenError("Access denied", nil)
		}

		ip := clientIP(e)
		key := fmt.Sprintf("antibot:%s", ip)
		count, err := r.redis.Incr(e.Request.Context(), key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(e.Request.Context(), key, time.Minute)
			}
			if count > r.botLimit {
				return apis.NewTooManyRequestsError("Too many requests", nil)
			}
		}
		return e.Next()
	}
}

func (r *RateLimiter) identifier(e *core.RequestEvent) string {
	if e.Auth != nil {
		return fmt.Sprintf("ratelimit:user:%s", e.Auth.Id)
	}
	return fmt.Sprintf("ratelimit:ip:%s", clientIP(e))
}

func clientIP(e *core.RequestEvent) string {
	if fwd := e.Request.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(e.Request.RemoteAddr)
	if err != nil {
		return e.Request.RemoteAddr
	}
	return host
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	lower := strings.ToLower(ua)
	for _, pattern := range suspicious {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
