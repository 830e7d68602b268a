package handler

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware that enforces a per-client token
// bucket. Callers presenting a bearer token are keyed by the token, others
// by client IP, so services behind one NAT do not share a bucket. Idle
// buckets are swept inline while serving requests.
func RateLimiter(rps float64, burst int) gin.HandlerFunc {
	var (
		mu        sync.Mutex
		limiters  = make(map[string]*clientLimiter)
		lastSweep = time.Now()
	)
	retryAfter := "1"
	if rps > 0 && rps < 1 {
		retryAfter = strconv.Itoa(int(1/rps + 0.5))
	}

	return func(c *gin.Context) {
		key := c.GetHeader("Authorization")
		if key == "" {
			key = c.ClientIP()
		}
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > limiterSweep {
			for k, l := range limiters {
				if now.Sub(l.lastSeen) > limiterIdle {
					delete(limiters, k)
				}
			}
			lastSweep = now
		}
		l, ok := limiters[key]
		if !ok {
			l = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[key] = l
		}
		l.lastSeen = now
		allowed := l.limiter.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
