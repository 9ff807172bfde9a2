package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/healthsphere/internal/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxTrackedLimiters = 10000

// RateLimiter is a per-identity token bucket: the user id when
// authenticated, the client IP otherwise.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *zap.Logger
}

func NewRateLimiter(rps float64, burst int, log *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		// crude bound on memory; idle identities simply start fresh
		if len(rl.limiters) >= maxTrackedLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		if uid, ok := UserID(c); ok {
			key = "user:" + strconv.FormatUint(uid, 10)
		}

		if !rl.limiter(key).Allow() {
			rl.log.Warn("rate limit exceeded", zap.String("key", key), zap.String("path", c.Request.URL.Path))
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rl.rate)))
			common.Error(c, http.StatusTooManyRequests, "too many requests")
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(r rate.Limit) int {
	if r <= 0 {
		return 1
	}
	s := int(math.Ceil(1 / float64(r)))
	if s < 1 {
		return 1
	}
	return s
}
