package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// TokenHeader carries the shared service token on every protected request.
const TokenHeader = "X-Service-Token"

// ServiceTokenAuth rejects requests whose X-Service-Token header does not
// match any configured token. The comparison is constant-time per candidate.
// Rejection happens before any handler work begins.
func ServiceTokenAuth(tokens []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(TokenHeader)
		if presented == "" || !tokenAllowed(presented, tokens) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func tokenAllowed(presented string, tokens []string) bool {
	ok := false
	for _, t := range tokens {
		if len(t) == len(presented) &&
			subtle.ConstantTimeCompare([]byte(t), []byte(presented)) == 1 {
			ok = true
		}
	}
	return ok
}
