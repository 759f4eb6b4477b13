package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rampartsec/rampart/pkg/database"
)

// Health handles GET /healthz: database connectivity plus worker pool
// state. 503 when either is degraded.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	body := gin.H{}

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db)
		body["database"] = dbHealth
		if err != nil {
			healthy = false
			body["database_error"] = err.Error()
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		body["pool"] = poolHealth
		if !poolHealth.IsHealthy {
			healthy = false
		}
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	c.JSON(http.StatusOK, body)
}
