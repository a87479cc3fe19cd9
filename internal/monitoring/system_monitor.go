package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent  float64   // Current process CPU usage percentage
	MemoryBytes uint64    // Current resident memory in bytes
	MemoryMB    float64   // Current resident memory in MB
	Goroutines  int       // Current goroutine count
	Timestamp   time.Time // When these metrics were captured
}

// SystemMonitor centralizes process resource monitoring.
//
// Single source of truth for CPU/memory: measure once per interval, query
// many times via Snapshot. Feeds the CPUPercent/MemoryBytes gauges so the
// resource cost of the radio workload shows up next to the transport metrics.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	wg sync.WaitGroup
}

// NewSystemMonitor creates a monitor bound to the current process.
func NewSystemMonitor(logger zerolog.Logger) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	return &SystemMonitor{
		proc:   proc,
		logger: logger.With().Str("component", "system_monitor").Logger(),
	}, nil
}

// Run begins periodic metric updates and blocks until ctx is cancelled.
// Typically launched as `go monitor.Run(ctx, interval)`.
func (sm *SystemMonitor) Run(ctx context.Context, interval time.Duration) {
	sm.wg.Add(1)
	defer sm.wg.Done()

	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sm.logger.Info().
		Dur("interval", interval).
		Msg("System monitor started")

	// Initial update so Snapshot never returns zeros after startup
	sm.update()

	for {
		select {
		case <-ticker.C:
			sm.update()
		case <-ctx.Done():
			sm.logger.Info().Msg("System monitor stopped")
			return
		}
	}
}

// update performs a single measurement of process resources
func (sm *SystemMonitor) update() {
	var metrics SystemMetrics

	cpuPercent, err := sm.proc.CPUPercent()
	if err != nil {
		LogError(sm.logger, err, "Failed to get CPU usage", nil)
	} else {
		metrics.CPUPercent = cpuPercent
	}

	memInfo, err := sm.proc.MemoryInfo()
	if err != nil {
		LogError(sm.logger, err, "Failed to get memory usage", nil)
	} else if memInfo != nil {
		metrics.MemoryBytes = memInfo.RSS
		metrics.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}

	metrics.Goroutines = runtime.NumGoroutine()
	metrics.Timestamp = time.Now()

	sm.mu.Lock()
	sm.metrics = metrics
	sm.mu.Unlock()

	CPUPercent.Set(metrics.CPUPercent)
	MemoryBytes.Set(float64(metrics.MemoryBytes))

	sm.logger.Debug().
		Float64("cpu_percent", metrics.CPUPercent).
		Float64("memory_mb", metrics.MemoryMB).
		Int("goroutines", metrics.Goroutines).
		Msg("System metrics updated")
}

// Snapshot returns the most recent measurements.
func (sm *SystemMonitor) Snapshot() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}
