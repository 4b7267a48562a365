package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inklight/inklight-backend/internal/bus"
	"github.com/inklight/inklight-backend/internal/http/middleware"
	"github.com/inklight/inklight-backend/internal/http/response"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/services"
)

// RealtimeHandler serves progress events over SSE. A subscriber gets the
// topic's last event first, then the live stream.
type RealtimeHandler struct {
	hub *bus.Hub
	svc *services.WorkflowService
	log *logger.Logger
}

func NewRealtimeHandler(hub *bus.Hub, svc *services.WorkflowService, baseLog *logger.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		hub: hub,
		svc: svc,
		log: baseLog.With("handler", "RealtimeHandler"),
	}
}

// StreamWorkflow streams one workflow's events.
// GET /api/workflows/:id/stream
func (h *RealtimeHandler) StreamWorkflow(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid-input", err)
		return
	}
	// Ownership check before attaching to the topic.
	if _, err := h.svc.Get(c.Request.Context(), userID, id); err != nil {
		response.RespondFault(c, err)
		return
	}
	h.serve(c, bus.WorkflowTopic(id))
}

// Stream streams a project's events, or the caller's own topic when no
// project is given.
// GET /api/stream?project_id=...
func (h *RealtimeHandler) Stream(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	topic := bus.UserTopic(userID)
	if raw := c.Query("project_id"); raw != "" {
		projectID, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid-input", err)
			return
		}
		if _, err := h.svc.ListByProject(c.Request.Context(), userID, projectID); err != nil {
			response.RespondFault(c, err)
			return
		}
		topic = bus.ProjectTopic(projectID)
	}
	h.serve(c, topic)
}

func (h *RealtimeHandler) serve(c *gin.Context, topic string) {
	sub := h.hub.Subscribe(topic)
	defer h.hub.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	h.log.Debug("sse stream open", "topic", topic)
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("event marshal failed", "error", err)
				return true
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
			return true
		}
	})
	h.log.Debug("sse stream closed", "topic", topic)
}
