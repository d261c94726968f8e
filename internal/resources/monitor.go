// Package resources samples host CPU and memory and exposes admission
// verdicts per spec.md §4.5. Grounded on the teacher's resilience sliding
// window shape (internal/resilience) for the trend buffer, applied here to
// utilization samples instead of success/failure outcomes.
package resources

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler abstracts host sampling so tests can inject synthetic values
// without touching the real machine.
type Sampler interface {
	SampleCPUPercent(ctx context.Context) (float64, error)
	SampleMemPercent(ctx context.Context) (float64, error)
}

// GopsutilSampler is the production Sampler.
type GopsutilSampler struct{}

func (GopsutilSampler) SampleCPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (GopsutilSampler) SampleMemPercent(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// Monitor tracks a short trend window of recent samples so
// RecommendedWorkerCount lags rather than flapping on a single noisy sample.
type Monitor struct {
	mu      sync.Mutex
	sampler Sampler

	cpuThreshold float64
	memThreshold float64

	trend []sample // ring of the last N ticks, oldest first
	cap   int
}

type sample struct {
	cpuPct, memPct float64
}

// NewMonitor constructs a Monitor with the given admission thresholds
// (defaults per spec.md §4.5 are 85/85) and a trend window of trendSize
// samples.
func NewMonitor(sampler Sampler, cpuThreshold, memThreshold float64, trendSize int) *Monitor {
	if trendSize <= 0 {
		trendSize = 5
	}
	return &Monitor{
		sampler:      sampler,
		cpuThreshold: cpuThreshold,
		memThreshold: memThreshold,
		cap:          trendSize,
	}
}

// Tick samples the host once and appends it to the trend window.
func (m *Monitor) Tick(ctx context.Context) error {
	cpuPct, err := m.sampler.SampleCPUPercent(ctx)
	if err != nil {
		return err
	}
	memPct, err := m.sampler.SampleMemPercent(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.trend = append(m.trend, sample{cpuPct: cpuPct, memPct: memPct})
	if len(m.trend) > m.cap {
		m.trend = m.trend[len(m.trend)-m.cap:]
	}
	return nil
}

// CanLaunchWorker is the single-shot admission check against the most
// recent sample.
func (m *Monitor) CanLaunchWorker() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.trend) == 0 {
		return true, ""
	}
	latest := m.trend[len(m.trend)-1]
	if latest.cpuPct >= m.cpuThreshold {
		return false, "cpu utilization above threshold"
	}
	if latest.memPct >= m.memThreshold {
		return false, "memory utilization above threshold"
	}
	return true, ""
}

// Trend returns the CPU-percent samples currently in the window, oldest
// first, for the Daemon's heartbeat `resource_trend` field.
func (m *Monitor) Trend() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.trend))
	for i, s := range m.trend {
		out[i] = s.cpuPct
	}
	return out
}

// RecommendedWorkerCount scales max down under sustained pressure, averaged
// over the trend window so a single spike doesn't starve admission.
func (m *Monitor) RecommendedWorkerCount(current, max int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.trend) == 0 {
		return max
	}

	var cpuSum, memSum float64
	for _, s := range m.trend {
		cpuSum += s.cpuPct
		memSum += s.memPct
	}
	avgCPU := cpuSum / float64(len(m.trend))
	avgMem := memSum / float64(len(m.trend))
	pressure := avgCPU / m.cpuThreshold
	if memPressure := avgMem / m.memThreshold; memPressure > pressure {
		pressure = memPressure
	}

	switch {
	case pressure >= 1.0:
		return 0
	case pressure >= 0.9:
		return min(max/4, current)
	case pressure >= 0.75:
		return min(max/2, max)
	default:
		return max
	}
}
