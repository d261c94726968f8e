package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"AIPM_DB_PATH", "AIPM_MAX_WORKERS", "AIPM_CPU_THRESHOLD", "AIPM_WORKER_TIMEOUT",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	assert.Equal(t, "aipm.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 85.0, cfg.CPUThreshold)
	assert.Equal(t, 20*time.Minute, cfg.WorkerTimeout)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Setenv("AIPM_MAX_WORKERS", "8")
	os.Setenv("AIPM_CPU_THRESHOLD", "70.5")
	os.Setenv("AIPM_WORKER_TIMEOUT", "45m")
	defer func() {
		os.Unsetenv("AIPM_MAX_WORKERS")
		os.Unsetenv("AIPM_CPU_THRESHOLD")
		os.Unsetenv("AIPM_WORKER_TIMEOUT")
	}()

	cfg := Load()
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 70.5, cfg.CPUThreshold)
	assert.Equal(t, 45*time.Minute, cfg.WorkerTimeout)
}

func TestLoadIgnoresUnparsableValue(t *testing.T) {
	os.Setenv("AIPM_MAX_WORKERS", "not-a-number")
	defer os.Unsetenv("AIPM_MAX_WORKERS")

	cfg := Load()
	assert.Equal(t, 4, cfg.MaxWorkers)
}
