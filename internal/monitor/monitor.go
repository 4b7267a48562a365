// Package monitor watches the registry and queue out-of-band: periodic
// metric sweeps, health classification, stuck-workflow detection, and
// retention cleanup.
package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/inklight/inklight-backend/internal/bus"
	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/queue"
)

const (
	DefaultMetricInterval  = 30 * time.Second
	DefaultHealthInterval  = 60 * time.Second
	DefaultCleanupInterval = time.Hour
	DefaultStuckThreshold  = 30 * time.Minute
	DefaultAlertRetention  = 24 * time.Hour

	DefaultCheckpointRetention = 7 * 24 * time.Hour

	// errorRateCeiling is the failed share above which the monitor warns.
	errorRateCeiling = 0.10
	// throughputFloor is completions per hour below which the monitor
	// warns, once any workflows exist at all.
	throughputFloor = 1.0
)

// Alert kinds the monitor emits. One unresolved alert per (workflow,
// kind); system alerts carry a nil workflow id.
const (
	AlertKindErrorRate  = "error-rate"
	AlertKindThroughput = "throughput"
	AlertKindStuck      = "workflow-stuck"
)

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// WorkflowSource is the slice of the workflow repo the monitor reads.
type WorkflowSource interface {
	ListByStatus(dbc dbctx.Context, statuses []string) ([]*types.Workflow, error)
}

// AlertSink is the slice of the alert repo the monitor writes.
type AlertSink interface {
	UpsertOpen(dbc dbctx.Context, workflowID *uuid.UUID, kind, alertType, message string, metadata datatypes.JSON) (*types.Alert, bool, error)
	Resolve(dbc dbctx.Context, workflowID *uuid.UUID, kind string) (int64, error)
	DeleteResolvedOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error)
}

// TerminalSweeper evicts terminal workflows past retention. The registry
// satisfies this.
type TerminalSweeper interface {
	SweepTerminal(ctx context.Context) (int64, error)
}

// CheckpointJanitor deletes old checkpoints during cleanup.
type CheckpointJanitor interface {
	DeleteOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error)
}

// StateValidator is asked to look at workflows the monitor thinks are
// stuck. The orchestrator satisfies this by re-attaching lost drivers.
type StateValidator interface {
	Validate(ctx context.Context, workflowID uuid.UUID) error
}

// Metrics is one sweep's snapshot.
type Metrics struct {
	Timestamp             time.Time        `json:"timestamp"`
	TotalWorkflows        int              `json:"total_workflows"`
	ByStatus              map[string]int   `json:"by_status"`
	StageHistogram        map[string]int   `json:"stage_histogram"`
	MeanCompletionSeconds float64          `json:"mean_completion_seconds"`
	MeanRunningSeconds    float64          `json:"mean_running_seconds"`
	ErrorRate             float64          `json:"error_rate"`
	ThroughputPerHour     float64          `json:"throughput_per_hour"`
	Queue                 map[string]int64 `json:"queue"`
	QueuePaused           []string         `json:"queue_paused,omitempty"`
}

// Health is the latest component classification.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

type Config struct {
	MetricInterval  time.Duration
	HealthInterval  time.Duration
	CleanupInterval time.Duration
	StuckThreshold  time.Duration
	AlertRetention  time.Duration

	// CheckpointRetention bounds how long stage checkpoints for terminal
	// workflows are kept for restart and debugging.
	CheckpointRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MetricInterval <= 0 {
		c.MetricInterval = DefaultMetricInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = DefaultAlertRetention
	}
	if c.CheckpointRetention <= 0 {
		c.CheckpointRetention = DefaultCheckpointRetention
	}
	return c
}

type Monitor struct {
	workflows   WorkflowSource
	alerts      AlertSink
	queue       *queue.Service
	hub         *bus.Hub
	sweeper     TerminalSweeper
	checkpoints CheckpointJanitor
	validator   StateValidator
	cfg         Config
	log         *logger.Logger

	mu      sync.RWMutex
	metrics Metrics
	health  Health
}

func New(
	workflows WorkflowSource,
	alerts AlertSink,
	q *queue.Service,
	hub *bus.Hub,
	sweeper TerminalSweeper,
	checkpoints CheckpointJanitor,
	validator StateValidator,
	cfg Config,
	baseLog *logger.Logger,
) *Monitor {
	return &Monitor{
		workflows:   workflows,
		alerts:      alerts,
		queue:       q,
		hub:         hub,
		sweeper:     sweeper,
		checkpoints: checkpoints,
		validator:   validator,
		cfg:         cfg.withDefaults(),
		log:         baseLog.With("component", "Monitor"),
	}
}

// Start runs the sweep loops until ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(ctx, m.cfg.MetricInterval, m.Sweep) })
	g.Go(func() error { return m.loop(ctx, m.cfg.HealthInterval, m.CheckHealth) })
	g.Go(func() error { return m.loop(ctx, m.cfg.CleanupInterval, m.Cleanup) })
	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, f func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := f(ctx); err != nil {
			m.log.Error("monitor pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep recomputes the metrics snapshot, raises or resolves the rate
// alerts, runs stuck detection, and releases expired leases.
func (m *Monitor) Sweep(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := m.workflows.ListByStatus(dbc, []string{
		domwf.StatusPending, domwf.StatusRunning,
		domwf.StatusCompleted, domwf.StatusFailed, domwf.StatusCancelled,
	})
	if err != nil {
		return err
	}
	queueCounts, err := m.queue.Counts(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	snap := Metrics{
		Timestamp:      now,
		TotalWorkflows: len(rows),
		ByStatus:       map[string]int{},
		StageHistogram: map[string]int{},
		Queue:          queueCounts,
		QueuePaused:    m.queue.PausedTypes(),
	}
	var completionSum, runningSum float64
	var completions, running, recentCompletions int
	for _, wf := range rows {
		snap.ByStatus[wf.Status]++
		snap.StageHistogram[wf.CurrentStage]++
		switch wf.Status {
		case domwf.StatusCompleted:
			if wf.CompletedAt != nil {
				completionSum += wf.CompletedAt.Sub(wf.StartedAt).Seconds()
				completions++
				if wf.CompletedAt.After(now.Add(-time.Hour)) {
					recentCompletions++
				}
			}
		case domwf.StatusRunning:
			runningSum += now.Sub(wf.StartedAt).Seconds()
			running++
		}
	}
	if completions > 0 {
		snap.MeanCompletionSeconds = completionSum / float64(completions)
	}
	if running > 0 {
		snap.MeanRunningSeconds = runningSum / float64(running)
	}
	if len(rows) > 0 {
		snap.ErrorRate = float64(snap.ByStatus[domwf.StatusFailed]) / float64(len(rows))
	}
	snap.ThroughputPerHour = float64(recentCompletions)

	m.mu.Lock()
	m.metrics = snap
	m.mu.Unlock()

	if err := m.rateAlerts(dbc, snap); err != nil {
		return err
	}
	if err := m.detectStuck(ctx, dbc, rows, now); err != nil {
		return err
	}
	_, err = m.queue.ReleaseExpired(ctx)
	return err
}

func (m *Monitor) rateAlerts(dbc dbctx.Context, snap Metrics) error {
	if snap.TotalWorkflows == 0 {
		return nil
	}
	if snap.ErrorRate > errorRateCeiling {
		msg := fmt.Sprintf("workflow error rate at %.0f%%", snap.ErrorRate*100)
		meta := datatypes.JSON(fmt.Sprintf(`{"error_rate":%.4f,"total":%d}`, snap.ErrorRate, snap.TotalWorkflows))
		if _, created, err := m.alerts.UpsertOpen(dbc, nil, AlertKindErrorRate, domwf.AlertWarning, msg, meta); err != nil {
			return err
		} else if created {
			m.log.Warn("error rate alert raised", "rate", snap.ErrorRate)
		}
	} else {
		if _, err := m.alerts.Resolve(dbc, nil, AlertKindErrorRate); err != nil {
			return err
		}
	}
	if snap.ThroughputPerHour < throughputFloor {
		msg := fmt.Sprintf("throughput at %.1f completions/hour", snap.ThroughputPerHour)
		meta := datatypes.JSON(fmt.Sprintf(`{"throughput":%.2f}`, snap.ThroughputPerHour))
		if _, created, err := m.alerts.UpsertOpen(dbc, nil, AlertKindThroughput, domwf.AlertWarning, msg, meta); err != nil {
			return err
		} else if created {
			m.log.Warn("throughput alert raised", "per_hour", snap.ThroughputPerHour)
		}
	} else {
		if _, err := m.alerts.Resolve(dbc, nil, AlertKindThroughput); err != nil {
			return err
		}
	}
	return nil
}

// detectStuck flags running workflows past the stuck threshold and asks
// the validator to look at them. A repeated flag escalates the alert.
func (m *Monitor) detectStuck(ctx context.Context, dbc dbctx.Context, rows []*types.Workflow, now time.Time) error {
	for _, wf := range rows {
		if wf.Status != domwf.StatusRunning {
			continue
		}
		age := now.Sub(wf.StartedAt)
		if age < m.cfg.StuckThreshold {
			if _, err := m.alerts.Resolve(dbc, &wf.ID, AlertKindStuck); err != nil {
				return err
			}
			continue
		}
		msg := fmt.Sprintf("workflow running for %s in stage %s", age.Round(time.Minute), wf.CurrentStage)
		meta := datatypes.JSON(fmt.Sprintf(`{"stage":%q,"progress":%d,"age_seconds":%d}`,
			wf.CurrentStage, wf.Progress, int64(math.Round(age.Seconds()))))
		id := wf.ID
		if _, _, err := m.alerts.UpsertOpen(dbc, &id, AlertKindStuck, domwf.AlertWarning, msg, meta); err != nil {
			return err
		}
		m.log.Warn("stuck workflow detected", "workflow_id", wf.ID, "stage", wf.CurrentStage, "age", age)
		if m.validator != nil {
			if err := m.validator.Validate(ctx, wf.ID); err != nil {
				m.log.Error("stuck validation failed", "workflow_id", wf.ID, "error", err)
			}
		}
	}
	return nil
}

// CheckHealth classifies the system from component reachability.
func (m *Monitor) CheckHealth(ctx context.Context) error {
	components := map[string]string{}
	down := 0

	if _, err := m.queue.Counts(ctx); err != nil {
		components["queue"] = "down"
		down++
	} else if paused := m.queue.PausedTypes(); len(paused) > 0 {
		components["queue"] = "paused: " + strings.Join(paused, ",")
	} else {
		components["queue"] = "up"
	}
	if _, err := m.workflows.ListByStatus(dbctx.Context{Ctx: ctx}, []string{domwf.StatusRunning}); err != nil {
		components["registry"] = "down"
		down++
	} else {
		components["registry"] = "up"
	}
	if m.hub == nil {
		components["bus"] = "down"
		down++
	} else {
		components["bus"] = "up"
	}

	status := HealthHealthy
	switch {
	case down == 0:
		status = HealthHealthy
	case down == 1 && components["queue"] != "down":
		status = HealthDegraded
	default:
		status = HealthUnhealthy
	}

	m.mu.Lock()
	m.health = Health{Status: status, Components: components, CheckedAt: time.Now()}
	m.mu.Unlock()
	if status != HealthHealthy {
		m.log.Warn("health check", "status", status, "components", components)
	}
	return nil
}

// Cleanup applies the retention policy to alerts, checkpoints, terminal
// workflows, and settled jobs.
func (m *Monitor) Cleanup(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}
	cutoff := time.Now().Add(-m.cfg.AlertRetention)

	if n, err := m.alerts.DeleteResolvedOlderThan(dbc, cutoff); err != nil {
		return err
	} else if n > 0 {
		m.log.Info("pruned resolved alerts", "count", n)
	}
	if m.checkpoints != nil {
		ckptCutoff := time.Now().Add(-m.cfg.CheckpointRetention)
		if n, err := m.checkpoints.DeleteOlderThan(dbc, ckptCutoff); err != nil {
			return err
		} else if n > 0 {
			m.log.Info("pruned checkpoints", "count", n)
		}
	}
	if m.sweeper != nil {
		if n, err := m.sweeper.SweepTerminal(ctx); err != nil {
			return err
		} else if n > 0 {
			m.log.Info("swept terminal workflows", "count", n)
		}
	}
	if _, err := m.queue.Clean(ctx, "", m.cfg.AlertRetention); err != nil {
		return err
	}
	return nil
}

// Metrics returns the latest sweep snapshot.
func (m *Monitor) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Health returns the latest classification.
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}
