package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/inklight/inklight-backend/internal/db"
	httpx "github.com/inklight/inklight-backend/internal/http"
	httpH "github.com/inklight/inklight-backend/internal/http/handlers"
	httpMW "github.com/inklight/inklight-backend/internal/http/middleware"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Server   *httpx.Server
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services

	ctx    context.Context
	cancel context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	ctx, cancel := context.WithCancel(context.Background())

	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(ctx, cfg, reposet, log)
	if err != nil {
		cancel()
		log.Sync()
		return nil, err
	}

	srv := httpx.NewServer(wireHandlers(cfg, serviceset, reposet, log))

	return &App{
		Log:      log,
		DB:       theDB,
		Server:   srv,
		Router:   srv.Engine,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func wireHandlers(cfg Config, s Services, repos Repos, log *logger.Logger) httpx.RouterConfig {
	return httpx.RouterConfig{
		AuthMiddleware:  httpMW.NewAuthMiddleware(cfg.JWTSecret, log),
		WorkflowHandler: httpH.NewWorkflowHandler(s.WorkflowSvc, log),
		RealtimeHandler: httpH.NewRealtimeHandler(s.Hub, s.WorkflowSvc, log),
		SystemHandler:   httpH.NewSystemHandler(s.Monitor, repos.Alerts, log),
		HealthHandler:   httpH.NewHealthHandler(),
	}
}

// Start brings the engine online: workers begin leasing jobs, in-flight
// workflows from a previous process are re-attached, and the monitor
// loops begin. Call once before Run.
func (a *App) Start() error {
	if a == nil {
		return fmt.Errorf("app not initialized")
	}

	a.Services.Pool.Start(a.ctx)

	if err := a.Services.Orchestrator.Resume(a.ctx); err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}

	go func() {
		if err := a.Services.Monitor.Start(a.ctx); err != nil && a.ctx.Err() == nil {
			a.Log.Error("monitor stopped", "error", err)
		}
	}()

	if a.Services.Bridge != nil {
		if err := a.Services.Bridge.StartForwarder(a.ctx, a.Services.Hub); err != nil {
			return fmt.Errorf("start bridge forwarder: %w", err)
		}
	}
	return nil
}

func (a *App) Run(addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Pool != nil {
		a.Services.Pool.Stop()
	}
	if a.Services.Orchestrator != nil {
		a.Services.Orchestrator.Wait()
	}
	if a.Services.Bridge != nil {
		_ = a.Services.Bridge.Close()
	}
	if a.Services.BlobStore != nil {
		_ = a.Services.BlobStore.Close()
	}
	if a.Services.Vision != nil {
		_ = a.Services.Vision.Close()
	}
	if a.Services.Cache != nil {
		_ = a.Services.Cache.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
