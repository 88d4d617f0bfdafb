package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/guard"
)

// RateLimitConfig — лимит фиксированного окна для группы маршрутов.
type RateLimitConfig struct {
	// Name различает счётчики разных групп маршрутов.
	Name   string
	Limit  int
	Window time.Duration
}

// RateLimit ограничивает число запросов с одного IP через общий Redis-счётчик.
// При недоступности Redis запрос пропускается.
func RateLimit(limiter guard.Limiter, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		clientIP := c.ClientIP()

		res, err := limiter.Allow(ctx, cfg.Name+":"+clientIP, cfg.Limit, cfg.Window)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("limiter", cfg.Name).Msg("Ошибка проверки rate limit")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.Ctx(ctx).Warn().
				Str("client_ip", clientIP).
				Str("limiter", cfg.Name).
				Int("limit", cfg.Limit).
				Msg("Rate limit превышен")

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Превышен лимит запросов. Попробуйте через " + strconv.Itoa(retryAfter) + " с",
			})
			return
		}

		c.Next()
	}
}
