// Package config loads daemon settings from environment variables, in the
// plain-os.Getenv style the rest of the pack uses (no Viper, no flags
// library beyond the standard one, which cmd/ binaries layer on top for
// positional project/order arguments).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the Daemon's tunable knobs. Every field has a default so a
// bare-env deployment still runs.
type Config struct {
	DBPath string

	MaxWorkers   int
	CPUThreshold float64
	MemThreshold float64

	PollMinInterval time.Duration
	PollMaxInterval time.Duration

	WorkerTimeout     time.Duration
	ReviewerTimeout   time.Duration
	EscalatedTimeout  time.Duration
	MaxRework         int
	WorkerMaxStale    time.Duration

	RunnerCmd      string
	WorkerBinary   string
	ReviewerBinary string

	HeartbeatPath string
}

// Load reads Config from the environment, defaulting anything unset.
func Load() Config {
	return Config{
		DBPath: getenv("AIPM_DB_PATH", "aipm.db"),

		MaxWorkers:   getenvInt("AIPM_MAX_WORKERS", 4),
		CPUThreshold: getenvFloat("AIPM_CPU_THRESHOLD", 85.0),
		MemThreshold: getenvFloat("AIPM_MEM_THRESHOLD", 85.0),

		PollMinInterval: getenvDuration("AIPM_POLL_MIN_INTERVAL", time.Second),
		PollMaxInterval: getenvDuration("AIPM_POLL_MAX_INTERVAL", 30*time.Second),

		WorkerTimeout:    getenvDuration("AIPM_WORKER_TIMEOUT", 20*time.Minute),
		ReviewerTimeout:  getenvDuration("AIPM_REVIEWER_TIMEOUT", 10*time.Minute),
		EscalatedTimeout: getenvDuration("AIPM_ESCALATED_TIMEOUT", 30*time.Minute),
		MaxRework:        getenvInt("AIPM_MAX_REWORK", 3),
		WorkerMaxStale:   getenvDuration("AIPM_WORKER_MAX_STALE", 5*time.Minute),

		RunnerCmd:      getenv("AIPM_RUNNER_CMD", "claude --print --dangerously-skip-permissions"),
		WorkerBinary:   getenv("AIPM_WORKER_BINARY", "aipm-worker"),
		ReviewerBinary: getenv("AIPM_REVIEWER_BINARY", "aipm-reviewer"),

		HeartbeatPath: getenv("AIPM_HEARTBEAT_PATH", ".aipm-heartbeat.json"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
