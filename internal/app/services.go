package app

import (
	"context"
	"fmt"
	"time"

	"github.com/inklight/inklight-backend/internal/bus"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/monitor"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/queue"
	"github.com/inklight/inklight-backend/internal/services"
	"github.com/inklight/inklight-backend/internal/worker"
	"github.com/inklight/inklight-backend/internal/workflow"
)

type Services struct {
	Hub    *bus.Hub
	Bridge bus.Bridge

	Queue        *queue.Service
	Registry     *workflow.Registry
	Checkpointer *workflow.Checkpointer
	Orchestrator *workflow.Orchestrator
	Executors    *executor.Registry
	Pool         *worker.Pool
	Monitor      *monitor.Monitor

	WorkflowSvc *services.WorkflowService

	BlobStore services.BlobStore
	Vision    *services.VisionProvider
	LLM       services.OpenAIClient
	Cache     services.Cache
}

// workerConfig overlays the configured per-type concurrency and stage
// timeouts on the pool defaults.
func workerConfig(cfg Config) worker.Config {
	wcfg := worker.DefaultConfig()
	for t, n := range cfg.WorkerConcurrency {
		if n > 0 {
			wcfg.Concurrency[t] = n
		}
	}
	for t, d := range cfg.StageTimeouts {
		if d > 0 {
			wcfg.Timeout[t] = d
		}
	}
	return wcfg
}

// queueConfig derives per-type lease TTLs from the stage timeouts, 20%
// longer than the timeout so a job is never redelivered while its
// executor is still allowed to run. Explicit TTLs win over the derived
// ones.
func queueConfig(cfg Config, wcfg worker.Config) queue.Config {
	lease := make(map[string]time.Duration, len(wcfg.Timeout))
	for t, d := range wcfg.Timeout {
		lease[t] = d * 6 / 5
	}
	for t, d := range cfg.LeaseTTLs {
		if d > 0 {
			lease[t] = d
		}
	}
	return queue.Config{
		LeaseTTL: lease,
		Backoff:  queue.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
	}
}

func monitorConfig(cfg Config) monitor.Config {
	return monitor.Config{
		MetricInterval:      cfg.MetricInterval,
		HealthInterval:      cfg.HealthInterval,
		StuckThreshold:      cfg.StuckThreshold,
		CheckpointRetention: cfg.CheckpointRetention,
	}
}

// wireServices builds the engine: queue, registry, checkpointer,
// orchestrator, executors over the provider services, worker pool and
// monitor. Storage and vision are required; the model and the embedding
// cache degrade to fallbacks when unconfigured.
func wireServices(ctx context.Context, cfg Config, repos Repos, log *logger.Logger) (Services, error) {
	hub := bus.NewHub(cfg.BusBuffer, log)

	var bridge bus.Bridge
	if cfg.RedisAddr != "" {
		b, err := bus.NewRedisBridge(cfg.RedisAddr, cfg.RedisChannel, log)
		if err != nil {
			return Services{}, fmt.Errorf("init redis bridge: %w", err)
		}
		bridge = b
		hub.AttachForwarder(func(ev bus.Event) {
			if perr := bridge.Publish(ctx, ev); perr != nil {
				log.Warn("bridge publish failed", "topic", ev.Topic, "error", perr)
			}
		})
	}

	wcfg := workerConfig(cfg)
	q := queue.NewService(repos.Jobs, queueConfig(cfg, wcfg), log)
	registry := workflow.NewRegistry(repos.Workflows, hub, cfg.TerminalTTL, log)
	checkpointer := workflow.NewCheckpointer(
		repos.Checkpoints,
		repos.Projects, repos.Images, repos.Notes, repos.Clusters, repos.Summaries,
		log,
	)
	orchestrator := workflow.NewOrchestrator(registry, q, checkpointer, repos.Projects,
		workflow.OrchestratorConfig{SettlePoll: cfg.SettlePoll}, log)

	blobs, err := services.NewGCSBlobStore(ctx, log)
	if err != nil {
		return Services{}, fmt.Errorf("init blob store: %w", err)
	}
	vision, err := services.NewVisionProvider(ctx, log)
	if err != nil {
		return Services{}, fmt.Errorf("init vision provider: %w", err)
	}

	llm, err := services.NewOpenAIClient(log)
	if err != nil {
		log.Warn("openai client unavailable, summaries fall back to deterministic output", "error", err)
		llm = nil
	}
	var cache services.Cache
	if cfg.RedisAddr != "" {
		cache, err = services.NewRedisCache(log)
		if err != nil {
			log.Warn("redis cache unavailable, embeddings are recomputed per run", "error", err)
			cache = nil
		}
	}

	cleaner := services.NewCleaner()
	clusterer := services.NewClusteringProvider(llm, cache, log)
	summarizer := services.NewSummarizer(llm, log)
	renderer := services.NewExportRenderer(log)

	executors := executor.NewRegistry()
	executors.Register(executor.NewVerifyExecutor(repos.Projects, repos.Images, blobs, log))
	executors.Register(executor.NewOCRExecutor(repos.Images, blobs, vision, log))
	executors.Register(executor.NewCleanExecutor(repos.Images, repos.Notes, cleaner, log))
	executors.Register(executor.NewClusterExecutor(repos.Notes, repos.Clusters, clusterer, log))
	executors.Register(executor.NewSummarizeExecutor(repos.Clusters, repos.Notes, repos.Summaries, summarizer, log))
	executors.Register(executor.NewExportExecutor(
		repos.Projects, repos.Notes, repos.Clusters, repos.Summaries, repos.Artifacts,
		renderer, blobs, log,
	))

	pool := worker.NewPool(q, executors, wcfg, log)

	mon := monitor.New(
		repos.Workflows, repos.Alerts, q, hub,
		registry, repos.Checkpoints, orchestrator,
		monitorConfig(cfg), log,
	)

	workflowSvc := services.NewWorkflowService(repos.Projects, repos.Images, registry, orchestrator, log)

	return Services{
		Hub:          hub,
		Bridge:       bridge,
		Queue:        q,
		Registry:     registry,
		Checkpointer: checkpointer,
		Orchestrator: orchestrator,
		Executors:    executors,
		Pool:         pool,
		Monitor:      mon,
		WorkflowSvc:  workflowSvc,
		BlobStore:    blobs,
		Vision:       vision,
		LLM:          llm,
		Cache:        cache,
	}, nil
}
