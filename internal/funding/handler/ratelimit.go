package handler

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// limiterIdle is how long a client's bucket survives without traffic.
const limiterIdle = 10 * time.Minute

// RateLimiter returns a Gin middleware that gives every client IP a token
// bucket of rps requests per second with the given burst. Buckets expire after
// limiterIdle without a request. Rejected requests get a Retry-After header
// with the seconds until the next token.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	buckets := cache.New(limiterIdle, limiterIdle/2)
	var mu sync.Mutex

	bucketFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := buckets.Get(ip)
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
		}
		// Re-setting pushes the idle expiry forward.
		buckets.SetDefault(ip, l)
		return l.(*rate.Limiter)
	}

	return func(c *gin.Context) {
		r := bucketFor(c.ClientIP()).Reserve()
		if delay := r.Delay(); !r.OK() || delay > 0 {
			r.Cancel()
			c.Header("Retry-After", retryAfter(r.OK(), delay))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  "RateLimited",
			})
			return
		}
		c.Next()
	}
}

func retryAfter(ok bool, delay time.Duration) string {
	if !ok || delay == rate.InfDuration {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(delay.Seconds())))
}
