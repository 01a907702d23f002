package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nivara-ai/museflow/internal/apierr"
)

// Context keys for request-scoped values
const (
	ContextKeyRequestID = "request_id"
	ContextKeyUserID    = "user_id"
)

// userIDHeader carries the identity established by the upstream auth
// provider. The core trusts it opaquely and never validates tokens.
const userIDHeader = "X-User-Id"

// RequestID assigns each request a unique id, echoed in the response
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-Id", requestID)
		c.Next()
	}
}

// CORS applies the configured allowed origins
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-User-Id, X-Operation-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Identity extracts the verified user id set by the auth provider and
// rejects anonymous requests
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(userIDHeader))
		if userID == "" {
			RespondWithError(c, apierr.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// AdminAuth guards operator endpoints with a shared secret header
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			RespondWithError(c, apierr.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id from the context
func GetUserID(c *gin.Context) string {
	value, _ := c.Get(ContextKeyUserID)
	userID, _ := value.(string)
	return userID
}

// GetRequestID returns the request id from the context
func GetRequestID(c *gin.Context) string {
	value, _ := c.Get(ContextKeyRequestID)
	requestID, _ := value.(string)
	return requestID
}

// RespondWithError sends the standardized error envelope
func RespondWithError(c *gin.Context, err *apierr.APIError) {
	c.JSON(err.HTTPStatus, apierr.NewErrorResponse(err, GetRequestID(c)))
}
