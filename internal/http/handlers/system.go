package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	wfrepo "github.com/inklight/inklight-backend/internal/data/repos/workflow"
	"github.com/inklight/inklight-backend/internal/http/response"
	"github.com/inklight/inklight-backend/internal/monitor"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// SystemHandler exposes the monitor's view of the engine.
type SystemHandler struct {
	mon    *monitor.Monitor
	alerts wfrepo.AlertRepo
	log    *logger.Logger
}

func NewSystemHandler(mon *monitor.Monitor, alerts wfrepo.AlertRepo, baseLog *logger.Logger) *SystemHandler {
	return &SystemHandler{
		mon:    mon,
		alerts: alerts,
		log:    baseLog.With("handler", "SystemHandler"),
	}
}

// Health returns the last health check result.
// GET /api/system/health
func (h *SystemHandler) Health(c *gin.Context) {
	health := h.mon.Health()
	status := http.StatusOK
	if health.Status == monitor.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// Metrics returns the last metric sweep's snapshot.
// GET /api/system/metrics
func (h *SystemHandler) Metrics(c *gin.Context) {
	response.RespondOK(c, h.mon.Metrics())
}

// Alerts lists open alerts, or recent ones with ?since_hours=N.
// GET /api/system/alerts
func (h *SystemHandler) Alerts(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	if raw := c.Query("since_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid-input", err)
			return
		}
		rows, err := h.alerts.ListRecent(dbc, time.Now().Add(-time.Duration(hours)*time.Hour), 200)
		if err != nil {
			response.RespondFault(c, err)
			return
		}
		response.RespondOK(c, gin.H{"alerts": rows})
		return
	}

	rows, err := h.alerts.ListOpen(dbc)
	if err != nil {
		response.RespondFault(c, err)
		return
	}
	response.RespondOK(c, gin.H{"alerts": rows})
}
