package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rampartsec/rampart/pkg/models"
	"github.com/rampartsec/rampart/pkg/store"
)

// GetExecution handles GET /api/executions/:id. Reads are org-scoped;
// foreign executions look like missing ones.
func (s *Server) GetExecution(c *gin.Context) {
	exec, err := s.store.GetExecution(c.Request.Context(), credentials(c).OrganizationID, c.Param("id"))
	if err != nil {
		s.renderStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetExecutionAudit handles GET /api/executions/:id/audit.
func (s *Server) GetExecutionAudit(c *gin.Context) {
	creds := credentials(c)
	executionID := c.Param("id")

	// Existence check keeps foreign executions indistinguishable from
	// missing ones.
	if _, err := s.store.GetExecution(c.Request.Context(), creds.OrganizationID, executionID); err != nil {
		s.renderStoreError(c, err)
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := s.store.ListAuditLogs(c.Request.Context(), creds.OrganizationID, store.AuditFilter{
		EntityType: models.AuditEntityExecution,
		EntityID:   executionID,
		Limit:      limit,
	})
	if err != nil {
		s.renderStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// CancelExecution handles POST /api/executions/:id/cancel. Cancellation
// reaches only executions running on this replica; the 409 answer tells
// the caller to retry against the owning pod (or wait for orphan
// recovery).
func (s *Server) CancelExecution(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker pool not available"})
		return
	}

	creds := credentials(c)
	executionID := c.Param("id")

	exec, err := s.store.GetExecution(c.Request.Context(), creds.OrganizationID, executionID)
	if err != nil {
		s.renderStoreError(c, err)
		return
	}
	if exec.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "execution already " + string(exec.Status)})
		return
	}

	if !s.pool.CancelExecution(executionID) {
		c.JSON(http.StatusConflict, gin.H{"error": "execution is not running on this instance"})
		return
	}

	userID := creds.UserID
	entry := &models.AuditEntry{
		Timestamp:      time.Now(),
		EntityType:     models.AuditEntityExecution,
		EntityID:       executionID,
		Action:         "execution.cancel_requested",
		UserID:         &userID,
		OrganizationID: creds.OrganizationID,
		Severity:       models.AuditSeverityWarning,
		Source:         models.AuditSourceAPI,
	}
	if err := s.store.AppendAuditLog(c.Request.Context(), entry); err != nil {
		slog.Error("Failed to audit cancellation request",
			"execution_id", executionID, "error", err)
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// TestPlaybookRequest is the body of POST /api/playbooks/:id/test.
type TestPlaybookRequest struct {
	TriggerData map[string]any `json:"trigger_data"`
}

// TestPlaybook handles POST /api/playbooks/:id/test: a synchronous
// dry-run against the mock registry, with full variable values in the
// returned snapshot.
func (s *Server) TestPlaybook(c *gin.Context) {
	if s.dryRunner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dry runs not available"})
		return
	}

	playbookID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "playbook id must be an integer"})
		return
	}

	var req TestPlaybookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds := credentials(c)
	userID := creds.UserID
	snap, runErr := s.dryRunner.DryRun(c.Request.Context(), creds.OrganizationID, playbookID, &userID, req.TriggerData)
	if runErr != nil && snap == nil {
		s.renderStoreError(c, runErr)
		return
	}

	resp := gin.H{
		"success": runErr == nil,
		"result":  snap,
	}
	if runErr != nil {
		resp["error"] = runErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// renderStoreError maps store-layer errors to HTTP responses.
func (s *Server) renderStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if errors.Is(err, models.ErrInvalidDefinition) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	slog.Error("Unexpected store error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
