package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/renwei/cvflow/internal/logger"
)

// userIDHeader carries the caller's identity, set by the gateway in front
// of this service.
const userIDHeader = "X-User-ID"

// userIDKey is the Gin context key the handlers read the identity from.
const userIDKey = "user_id"

// Identity requires the caller identity header on every request and makes
// it available to handlers and the request-scoped logger.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing " + userIDHeader + " header",
			})
			return
		}

		c.Set(userIDKey, userID)
		c.Request = c.Request.WithContext(logger.SetUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// GetUserID returns the caller identity set by the Identity middleware.
func GetUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
