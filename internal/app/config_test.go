package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/worker"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestLoadConfigEngineFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	raw := []byte(`
backoff_base_ms: 2000
backoff_cap_ms: 45000
stuck_threshold_minutes: 10
metric_interval_seconds: 15
concurrency:
  ocr: 6
stage_timeout_seconds:
  ocr: 120
lease_ttl_seconds:
  clean: 90
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENGINE_CONFIG_PATH", path)
	t.Setenv("BACKOFF_BASE", "3s")

	cfg, err := LoadConfig(testLogger(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackoffBase != 3*time.Second {
		t.Fatalf("env must win over the file, got base %s", cfg.BackoffBase)
	}
	if cfg.BackoffCap != 45*time.Second {
		t.Fatalf("expected cap 45s from file, got %s", cfg.BackoffCap)
	}
	if cfg.StuckThreshold != 10*time.Minute {
		t.Fatalf("expected stuck threshold 10m, got %s", cfg.StuckThreshold)
	}
	if cfg.MetricInterval != 15*time.Second {
		t.Fatalf("expected metric interval 15s, got %s", cfg.MetricInterval)
	}
	if cfg.HealthInterval != 60*time.Second {
		t.Fatalf("expected default health interval, got %s", cfg.HealthInterval)
	}
	if got := cfg.WorkerConcurrency[domjobs.TypeOCR]; got != 6 {
		t.Fatalf("expected ocr concurrency 6, got %d", got)
	}
	if got := cfg.StageTimeouts[domjobs.TypeOCR]; got != 2*time.Minute {
		t.Fatalf("expected ocr timeout 2m, got %s", got)
	}
	if got := cfg.LeaseTTLs[domjobs.TypeClean]; got != 90*time.Second {
		t.Fatalf("expected clean lease ttl 90s, got %s", got)
	}
}

func TestWorkerConfigOverlaysDefaults(t *testing.T) {
	wcfg := workerConfig(Config{
		WorkerConcurrency: map[string]int{domjobs.TypeOCR: 1},
		StageTimeouts:     map[string]time.Duration{domjobs.TypeClean: 4 * time.Minute},
	})
	if wcfg.Concurrency[domjobs.TypeOCR] != 1 {
		t.Fatalf("expected ocr concurrency 1, got %d", wcfg.Concurrency[domjobs.TypeOCR])
	}
	if wcfg.Concurrency[domjobs.TypeClean] != 8 {
		t.Fatalf("unconfigured types keep defaults, got %d", wcfg.Concurrency[domjobs.TypeClean])
	}
	if wcfg.Timeout[domjobs.TypeClean] != 4*time.Minute {
		t.Fatalf("expected clean timeout 4m, got %s", wcfg.Timeout[domjobs.TypeClean])
	}
	if wcfg.Timeout[domjobs.TypeOCR] != 5*time.Minute {
		t.Fatalf("unconfigured timeouts keep defaults, got %s", wcfg.Timeout[domjobs.TypeOCR])
	}
}

func TestQueueConfigDerivesLeaseTTLs(t *testing.T) {
	wcfg := worker.DefaultConfig()
	qcfg := queueConfig(Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  20 * time.Second,
		LeaseTTLs:   map[string]time.Duration{domjobs.TypeExport: 10 * time.Minute},
	}, wcfg)

	for jobType, timeout := range wcfg.Timeout {
		if jobType == domjobs.TypeExport {
			continue
		}
		ttl := qcfg.LeaseTTL[jobType]
		if ttl < timeout*6/5 {
			t.Fatalf("%s lease ttl %s must outlive timeout %s with slack", jobType, ttl, timeout)
		}
	}
	if qcfg.LeaseTTL[domjobs.TypeExport] != 10*time.Minute {
		t.Fatalf("explicit lease ttl must win, got %s", qcfg.LeaseTTL[domjobs.TypeExport])
	}
	if qcfg.Backoff.Base != 2*time.Second || qcfg.Backoff.Cap != 20*time.Second {
		t.Fatalf("backoff not carried: %+v", qcfg.Backoff)
	}
}

func TestMonitorConfigCarriesSweepKnobs(t *testing.T) {
	mcfg := monitorConfig(Config{
		MetricInterval:      15 * time.Second,
		HealthInterval:      45 * time.Second,
		StuckThreshold:      10 * time.Minute,
		CheckpointRetention: 48 * time.Hour,
	})
	if mcfg.MetricInterval != 15*time.Second || mcfg.HealthInterval != 45*time.Second {
		t.Fatalf("sweep intervals not carried: %+v", mcfg)
	}
	if mcfg.StuckThreshold != 10*time.Minute {
		t.Fatalf("stuck threshold not carried: %s", mcfg.StuckThreshold)
	}
	if mcfg.CheckpointRetention != 48*time.Hour {
		t.Fatalf("checkpoint retention not carried: %s", mcfg.CheckpointRetention)
	}
}
