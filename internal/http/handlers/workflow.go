package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/http/middleware"
	"github.com/inklight/inklight-backend/internal/http/response"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/services"
)

type WorkflowHandler struct {
	svc *services.WorkflowService
	log *logger.Logger
}

func NewWorkflowHandler(svc *services.WorkflowService, baseLog *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		svc: svc,
		log: baseLog.With("handler", "WorkflowHandler"),
	}
}

// Start kicks off processing for a project.
// POST /api/projects/:projectId/workflow
func (h *WorkflowHandler) Start(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	projectID, err := uuid.Parse(c.Param("projectId"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid-input", err)
		return
	}

	var cfg types.WorkflowConfig
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&cfg); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid-input", err)
			return
		}
	}

	wf, err := h.svc.Start(c.Request.Context(), userID, projectID, cfg)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondCreated(c, wf)
}

// Get returns one workflow.
// GET /api/workflows/:id
func (h *WorkflowHandler) Get(c *gin.Context) {
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
	wf, err := h.svc.Get(c.Request.Context(), userID, id)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, wf)
}

// Cancel requests cooperative cancellation.
// DELETE /api/workflows/:id
func (h *WorkflowHandler) Cancel(c *gin.Context) {
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
	wf, err := h.svc.Cancel(c.Request.Context(), userID, id)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, wf)
}

// Restart re-runs a settled workflow's project with its old config.
// POST /api/workflows/:id/restart
func (h *WorkflowHandler) Restart(c *gin.Context) {
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
	wf, err := h.svc.Restart(c.Request.Context(), userID, id)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondCreated(c, wf)
}

// List returns the caller's workflows.
// GET /api/workflows
func (h *WorkflowHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	rows, err := h.svc.ListByUser(c.Request.Context(), userID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"workflows": rows})
}

// ListByProject returns a project's workflow history.
// GET /api/projects/:projectId/workflows
func (h *WorkflowHandler) ListByProject(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	projectID, err := uuid.Parse(c.Param("projectId"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid-input", err)
		return
	}
	rows, err := h.svc.ListByProject(c.Request.Context(), userID, projectID)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"workflows": rows})
}
