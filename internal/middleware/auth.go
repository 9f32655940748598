package middleware

import (
	"crypto/subtle"

	"medinotify/internal/common"

	"github.com/gin-gonic/gin"
)

const apiKeyHeader = "X-API-Key"

// Auth returns middleware that checks the X-API-Key header against the
// configured keys. With no keys configured every request passes.
func Auth(validKeys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(validKeys) == 0 {
			c.Next()
			return
		}

		apiKey := c.GetHeader(apiKeyHeader)
		if apiKey == "" {
			common.HandleError(c, common.NewUnauthorizedError("missing "+apiKeyHeader+" header"))
			c.Abort()
			return
		}

		if !isValidKey(apiKey, validKeys) {
			common.HandleError(c, common.NewUnauthorizedError("invalid API key"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// isValidKey compares in constant time against every configured key.
func isValidKey(key string, validKeys []string) bool {
	match := 0
	for _, valid := range validKeys {
		match |= subtle.ConstantTimeCompare([]byte(key), []byte(valid))
	}
	return match == 1
}
