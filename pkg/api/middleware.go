package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rampartsec/rampart/pkg/events"
)

// credentialsKey is the gin context key holding the caller identity.
const credentialsKey = "credentials"

// requireAuth validates the Authorization bearer token and stores the
// resolved credentials on the request context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		creds, err := s.validator.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(credentialsKey, creds)
		c.Next()
	}
}

// credentials returns the identity set by requireAuth.
func credentials(c *gin.Context) events.Credentials {
	creds, _ := c.MustGet(credentialsKey).(events.Credentials)
	return creds
}

// requestLogger logs one line per request with latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
