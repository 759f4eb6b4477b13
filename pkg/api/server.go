// Package api is the HTTP surface of the SOAR core: event ingest,
// execution reads, cancellation, dry-run test triggers, health, metrics
// and the live progress websocket.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rampartsec/rampart/pkg/config"
	"github.com/rampartsec/rampart/pkg/events"
	"github.com/rampartsec/rampart/pkg/models"
	"github.com/rampartsec/rampart/pkg/queue"
	"github.com/rampartsec/rampart/pkg/store"
)

// EventPublisher is the two-tier publish path (durable stream + local
// fan-out). *bus.Publisher satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event) (string, error)
}

// ExecutionPool is the worker pool slice the API needs: manual
// cancellation and pool health.
type ExecutionPool interface {
	CancelExecution(executionID string) bool
	Health() *queue.PoolHealth
}

// DryRunner runs a playbook against the mock registry. *executor.Executor
// satisfies it.
type DryRunner interface {
	DryRun(ctx context.Context, orgID, playbookID int64, userID *int64, triggerData map[string]any) (*models.StateSnapshot, error)
}

// Server wires the HTTP handlers.
type Server struct {
	store       store.Store
	publisher   EventPublisher
	pool        ExecutionPool
	dryRunner   DryRunner
	connManager *events.ConnectionManager
	validator   TokenValidator
	db          *sql.DB
	cfg         config.ServerConfig
}

// NewServer creates the API server. connManager, pool and db may be nil
// in partial deployments; the affected endpoints then return 503.
func NewServer(
	st store.Store,
	publisher EventPublisher,
	pool ExecutionPool,
	dryRunner DryRunner,
	connManager *events.ConnectionManager,
	validator TokenValidator,
	db *sql.DB,
	cfg config.ServerConfig,
) *Server {
	return &Server{
		store:       st,
		publisher:   publisher,
		pool:        pool,
		dryRunner:   dryRunner,
		connManager: connManager,
		validator:   validator,
		db:          db,
		cfg:         cfg,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket authenticates in-band; no token middleware here.
	r.GET("/soar/live", s.LiveChannel)

	authed := r.Group("/api", s.requireAuth())
	{
		authed.POST("/events", s.IngestEvent)
		authed.GET("/executions/:id", s.GetExecution)
		authed.GET("/executions/:id/audit", s.GetExecutionAudit)
		authed.POST("/executions/:id/cancel", s.CancelExecution)
		authed.POST("/playbooks/:id/test", s.TestPlaybook)
	}
	return r
}

// HTTPServer wraps the router in an http.Server bound to the configured
// address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
