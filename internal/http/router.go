package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/inklight/inklight-backend/internal/http/handlers"
	httpMW "github.com/inklight/inklight-backend/internal/http/middleware"
)

type RouterConfig struct {
	AuthMiddleware *httpMW.AuthMiddleware

	WorkflowHandler *httpH.WorkflowHandler
	RealtimeHandler *httpH.RealtimeHandler
	SystemHandler   *httpH.SystemHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.WorkflowHandler != nil {
			protected.POST("/projects/:projectId/workflow", cfg.WorkflowHandler.Start)
			protected.GET("/projects/:projectId/workflows", cfg.WorkflowHandler.ListByProject)
			protected.GET("/workflows", cfg.WorkflowHandler.List)
			protected.GET("/workflows/:id", cfg.WorkflowHandler.Get)
			protected.DELETE("/workflows/:id", cfg.WorkflowHandler.Cancel)
			protected.POST("/workflows/:id/restart", cfg.WorkflowHandler.Restart)
		}

		if cfg.RealtimeHandler != nil {
			protected.GET("/workflows/:id/stream", cfg.RealtimeHandler.StreamWorkflow)
			protected.GET("/stream", cfg.RealtimeHandler.Stream)
		}

		if cfg.SystemHandler != nil {
			protected.GET("/system/health", cfg.SystemHandler.Health)
			protected.GET("/system/metrics", cfg.SystemHandler.Metrics)
			protected.GET("/system/alerts", cfg.SystemHandler.Alerts)
		}
	}

	return r
}
