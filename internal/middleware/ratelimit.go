package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/redis/go-redis/v9"
)

// RateLimit enforces a fixed-window per-user limit on expensive endpoints
// using redis INCR+EXPIRE. The limiter fails open: a redis outage never
// blocks generation.
func RateLimit(client *redis.Client, requestsPerMinute int) gin.HandlerFunc {
	log := logging.NewLogger("ratelimit")
	window := time.Minute
	return func(c *gin.Context) {
		if client == nil || requestsPerMinute <= 0 {
			c.Next()
			return
		}
		userID := GetUserID(c)
		key := fmt.Sprintf("ratelimit:%s:%d", userID, time.Now().Unix()/int64(window.Seconds()))

		count, err := client.Incr(c.Request.Context(), key).Result()
		if err != nil {
			log.Warn().Err(err).Msg("Rate limiter unavailable, failing open")
			c.Next()
			return
		}
		if count == 1 {
			client.Expire(c.Request.Context(), key, window)
		}
		if count > int64(requestsPerMinute) {
			RespondWithError(c, apierr.ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}
