package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignLimiter throttles sign requests per register. A burst of submissions
// from one register cannot starve the signature device for everyone else.
type SignLimiter struct {
	bucket *TokenBucket
	cfg    config.RateLimitConfig
	log    *zap.Logger
}

func NewSignLimiter(bucket *TokenBucket, cfg config.Config, log *zap.Logger) *SignLimiter {
	return &SignLimiter{
		bucket: bucket,
		cfg:    cfg.RateLimit,
		log:    log.Named("ratelimit.sign"),
	}
}

// Middleware enforces the limit on routes carrying a :cash_register_id param.
// Disabled or redis-less deployments pass everything through.
func (l *SignLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || !l.cfg.Enabled || l.bucket == nil {
			c.Next()
			return
		}
		registerID := c.Param("cash_register_id")
		if registerID == "" {
			c.Next()
			return
		}

		result, err := l.bucket.Allow(c.Request.Context(), "rksv:ratelimit:sign:"+registerID, l.cfg.SignRate, l.cfg.SignBurst)
		if err != nil {
			// Fail open: a broken limiter must not halt signing.
			l.log.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate_limited",
				"code":  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
