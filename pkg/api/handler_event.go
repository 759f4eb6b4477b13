package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rampartsec/rampart/pkg/models"
)

// IngestEventRequest is the body of POST /api/events. The organization
// comes from the caller's credentials, never from the body.
type IngestEventRequest struct {
	ID         string         `json:"id"`
	Type       string         `json:"type" binding:"required"`
	EntityID   int64          `json:"entity_id"`
	EntityType string         `json:"entity_type" binding:"required"`
	Timestamp  *time.Time     `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// IngestEvent handles POST /api/events: appends the event to the
// durable stream and fans it out locally. 202 means the event is
// persisted; trigger evaluation happens asynchronously.
func (s *Server) IngestEvent(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entityType := models.EntityType(req.EntityType)
	switch entityType {
	case models.EntityAlert, models.EntityIncident, models.EntityPlaybook:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity_type " + req.EntityType})
		return
	}

	ev := models.Event{
		ID:             req.ID,
		Type:           req.Type,
		EntityID:       req.EntityID,
		EntityType:     entityType,
		OrganizationID: credentials(c).OrganizationID,
		Timestamp:      time.Now(),
		Data:           req.Data,
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	streamID, err := s.publisher.Publish(c.Request.Context(), ev)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event could not be persisted"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":  ev.ID,
		"stream_id": streamID,
	})
}
