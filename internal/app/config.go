package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inklight/inklight-backend/internal/platform/envutil"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type Config struct {
	HTTPAddr  string
	JWTSecret string

	SettlePoll          time.Duration
	TerminalTTL         time.Duration
	CheckpointRetention time.Duration
	BusBuffer           int

	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StuckThreshold time.Duration
	MetricInterval time.Duration
	HealthInterval time.Duration

	// Per-job-type maps, set from the engine config file. Types absent
	// from a map keep the component defaults.
	WorkerConcurrency map[string]int
	StageTimeouts     map[string]time.Duration
	LeaseTTLs         map[string]time.Duration

	RedisAddr    string
	RedisChannel string
}

// engineFile is the optional tuning file named by ENGINE_CONFIG_PATH.
// Environment variables win over file values.
type engineFile struct {
	SettlePollMS       int `yaml:"settle_poll_ms"`
	TerminalTTLHours   int `yaml:"terminal_ttl_hours"`
	CheckpointRetHours int `yaml:"checkpoint_retention_hours"`
	BusBuffer          int `yaml:"bus_buffer"`

	BackoffBaseMS         int `yaml:"backoff_base_ms"`
	BackoffCapMS          int `yaml:"backoff_cap_ms"`
	StuckThresholdMinutes int `yaml:"stuck_threshold_minutes"`
	MetricIntervalSeconds int `yaml:"metric_interval_seconds"`
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`

	Concurrency         map[string]int `yaml:"concurrency"`
	StageTimeoutSeconds map[string]int `yaml:"stage_timeout_seconds"`
	LeaseTTLSeconds     map[string]int `yaml:"lease_ttl_seconds"`
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := Config{
		HTTPAddr:            envutil.GetEnv("HTTP_ADDR", ":8080", log),
		JWTSecret:           envutil.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		SettlePoll:          envutil.GetEnvAsDuration("SETTLE_POLL", time.Second, log),
		TerminalTTL:         envutil.GetEnvAsDuration("TERMINAL_TTL", time.Hour, log),
		CheckpointRetention: envutil.GetEnvAsDuration("CHECKPOINT_RETENTION", 7*24*time.Hour, log),
		BusBuffer:           envutil.GetEnvAsInt("BUS_BUFFER", 128, log),
		BackoffBase:         envutil.GetEnvAsDuration("BACKOFF_BASE", time.Second, log),
		BackoffCap:          envutil.GetEnvAsDuration("BACKOFF_CAP", 30*time.Second, log),
		StuckThreshold:      envutil.GetEnvAsDuration("STUCK_THRESHOLD", 30*time.Minute, log),
		MetricInterval:      envutil.GetEnvAsDuration("METRIC_INTERVAL", 30*time.Second, log),
		HealthInterval:      envutil.GetEnvAsDuration("HEALTH_INTERVAL", 60*time.Second, log),
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisChannel:        envutil.GetEnv("REDIS_CHANNEL", "progress", log),
	}

	path := strings.TrimSpace(os.Getenv("ENGINE_CONFIG_PATH"))
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read engine config %s: %w", path, err)
	}
	var file engineFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return cfg, fmt.Errorf("parse engine config %s: %w", path, err)
	}
	applyEngineFile(&cfg, file)
	log.Info("engine config file applied", "path", path)
	return cfg, nil
}

// applyEngineFile folds file values into cfg. Scalars already set
// through the environment are left alone; the per-type maps exist only
// in the file.
func applyEngineFile(cfg *Config, file engineFile) {
	if file.SettlePollMS > 0 && os.Getenv("SETTLE_POLL") == "" {
		cfg.SettlePoll = time.Duration(file.SettlePollMS) * time.Millisecond
	}
	if file.TerminalTTLHours > 0 && os.Getenv("TERMINAL_TTL") == "" {
		cfg.TerminalTTL = time.Duration(file.TerminalTTLHours) * time.Hour
	}
	if file.CheckpointRetHours > 0 && os.Getenv("CHECKPOINT_RETENTION") == "" {
		cfg.CheckpointRetention = time.Duration(file.CheckpointRetHours) * time.Hour
	}
	if file.BusBuffer > 0 && os.Getenv("BUS_BUFFER") == "" {
		cfg.BusBuffer = file.BusBuffer
	}
	if file.BackoffBaseMS > 0 && os.Getenv("BACKOFF_BASE") == "" {
		cfg.BackoffBase = time.Duration(file.BackoffBaseMS) * time.Millisecond
	}
	if file.BackoffCapMS > 0 && os.Getenv("BACKOFF_CAP") == "" {
		cfg.BackoffCap = time.Duration(file.BackoffCapMS) * time.Millisecond
	}
	if file.StuckThresholdMinutes > 0 && os.Getenv("STUCK_THRESHOLD") == "" {
		cfg.StuckThreshold = time.Duration(file.StuckThresholdMinutes) * time.Minute
	}
	if file.MetricIntervalSeconds > 0 && os.Getenv("METRIC_INTERVAL") == "" {
		cfg.MetricInterval = time.Duration(file.MetricIntervalSeconds) * time.Second
	}
	if file.HealthIntervalSeconds > 0 && os.Getenv("HEALTH_INTERVAL") == "" {
		cfg.HealthInterval = time.Duration(file.HealthIntervalSeconds) * time.Second
	}
	if len(file.Concurrency) > 0 {
		cfg.WorkerConcurrency = file.Concurrency
	}
	if len(file.StageTimeoutSeconds) > 0 {
		cfg.StageTimeouts = map[string]time.Duration{}
		for t, secs := range file.StageTimeoutSeconds {
			if secs > 0 {
				cfg.StageTimeouts[t] = time.Duration(secs) * time.Second
			}
		}
	}
	if len(file.LeaseTTLSeconds) > 0 {
		cfg.LeaseTTLs = map[string]time.Duration{}
		for t, secs := range file.LeaseTTLSeconds {
			if secs > 0 {
				cfg.LeaseTTLs[t] = time.Duration(secs) * time.Second
			}
		}
	}
}
