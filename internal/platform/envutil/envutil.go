package envutil

import (
	"os"
	"strconv"
	"time"

	"github.com/inklight/inklight-backend/internal/platform/logger"
)

func GetEnv(key, fallback string, log *logger.Logger) string {
	v := os.Getenv(key)
	if v == "" {
		if log != nil {
			log.Debug("env var unset, using default", "key", key, "default", fallback)
		}
		return fallback
	}
	return v
}

func GetEnvAsInt(key string, fallback int, log *logger.Logger) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("env var not an int, using default", "key", key, "value", v, "default", fallback)
		}
		return fallback
	}
	return i
}

func GetEnvAsDuration(key string, fallback time.Duration, log *logger.Logger) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if log != nil {
			log.Warn("env var not a duration, using default", "key", key, "value", v, "default", fallback)
		}
		return fallback
	}
	return d
}

func GetEnvAsBool(key string, fallback bool, log *logger.Logger) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if log != nil {
			log.Warn("env var not a bool, using default", "key", key, "value", v, "default", fallback)
		}
		return fallback
	}
	return b
}
