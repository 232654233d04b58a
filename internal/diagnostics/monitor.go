package diagnostics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/logging"
)

const (
	defaultInterval    = 30 * time.Second
	defaultHistorySize = 120 // one hour at 30s intervals
)

// ResourceSnapshot captures process resource state at a point in time.
type ResourceSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	OpenFDs       int       `json:"open_fds"`
	RSSMB         float64   `json:"rss_mb"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	HeapInUseMB   float64   `json:"heap_in_use_mb"`
	NumGC         uint32    `json:"num_gc"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	ActiveRuns    int       `json:"active_runs"`
}

// ResourceTrend captures resource usage trends over time.
type ResourceTrend struct {
	FDGrowthRate        float64  `json:"fd_growth_per_hour"`
	GoroutineGrowthRate float64  `json:"goroutine_growth_per_hour"`
	MemoryGrowthRate    float64  `json:"memory_growth_mb_per_hour"`
	IsHealthy           bool     `json:"healthy"`
	Warnings            []string `json:"warnings,omitempty"`
}

// HealthWarning represents a single threshold breach.
type HealthWarning struct {
	Level   string  `json:"level"` // "warning" or "critical"
	Type    string  `json:"type"`  // "goroutine", "memory"
	Message string  `json:"message"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
}

// MonitorConfig configures a ResourceMonitor. Zero thresholds disable the
// corresponding check.
type MonitorConfig struct {
	Interval           time.Duration
	GoroutineThreshold int
	MemoryThresholdMB  int
	HistorySize        int
}

// ResourceMonitor tracks process resource usage over time.
type ResourceMonitor struct {
	cfg        MonitorConfig
	logger     *logging.Logger
	activeRuns func() int
	proc       *process.Process

	history []ResourceSnapshot
	mu      sync.RWMutex

	stopCh  chan struct{}
	stopped atomic.Bool
	started time.Time
}

// NewResourceMonitor creates a monitor. activeRuns may be nil.
func NewResourceMonitor(cfg MonitorConfig, logger *logging.Logger, activeRuns func() int) *ResourceMonitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	// NewProcess fails only for pids that do not exist.
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &ResourceMonitor{
		cfg:        cfg,
		logger:     logger,
		activeRuns: activeRuns,
		proc:       proc,
		history:    make([]ResourceSnapshot, 0, cfg.HistorySize),
		stopCh:     make(chan struct{}),
		started:    time.Now(),
	}
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (m *ResourceMonitor) Start(ctx context.Context) {
	go func() {
		m.recordSnapshot(m.TakeSnapshot())

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.recordSnapshot(m.TakeSnapshot())
				for _, w := range m.CheckHealth() {
					m.logger.Warn("resource warning",
						"type", w.Type,
						"level", w.Level,
						"value", w.Value,
						"limit", w.Limit,
						"message", w.Message,
					)
				}
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *ResourceMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

// TakeSnapshot captures current resource state. Process counters that the
// platform cannot report are left at zero.
func (m *ResourceMonitor) TakeSnapshot() ResourceSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := ResourceSnapshot{
		Timestamp:     time.Now(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(memStats.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:   float64(memStats.HeapInuse) / 1024 / 1024,
		NumGC:         memStats.NumGC,
		UptimeSeconds: time.Since(m.started).Seconds(),
	}
	if m.proc != nil {
		if n, err := m.proc.NumFDs(); err == nil {
			s.OpenFDs = int(n)
		}
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			s.RSSMB = float64(mi.RSS) / 1024 / 1024
		}
	}
	if m.activeRuns != nil {
		s.ActiveRuns = m.activeRuns()
	}
	return s
}

func (m *ResourceMonitor) recordSnapshot(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// History returns recorded snapshots, oldest first.
func (m *ResourceMonitor) History() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ResourceSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// Latest returns the most recent snapshot, taking one if none is recorded.
func (m *ResourceMonitor) Latest() ResourceSnapshot {
	m.mu.RLock()
	n := len(m.history)
	var last ResourceSnapshot
	if n > 0 {
		last = m.history[n-1]
	}
	m.mu.RUnlock()
	if n == 0 {
		return m.TakeSnapshot()
	}
	return last
}

// Trend analyzes recorded snapshots for steady growth.
func (m *ResourceMonitor) Trend() ResourceTrend {
	return trendOf(m.History())
}

func trendOf(history []ResourceSnapshot) ResourceTrend {
	if len(history) < 2 {
		return ResourceTrend{IsHealthy: true}
	}

	first := history[0]
	last := history[len(history)-1]
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours < 0.01 { // under 36 seconds
		return ResourceTrend{IsHealthy: true}
	}

	trend := ResourceTrend{
		FDGrowthRate:        float64(last.OpenFDs-first.OpenFDs) / hours,
		GoroutineGrowthRate: float64(last.Goroutines-first.Goroutines) / hours,
		MemoryGrowthRate:    (last.HeapAllocMB - first.HeapAllocMB) / hours,
		IsHealthy:           true,
	}

	if trend.FDGrowthRate > 10 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("FD count growing at %.1f/hour (potential leak)", trend.FDGrowthRate))
	}
	if trend.GoroutineGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("goroutine count growing at %.1f/hour (potential leak)", trend.GoroutineGrowthRate))
	}
	if trend.MemoryGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("memory growing at %.1f MB/hour", trend.MemoryGrowthRate))
	}
	return trend
}

// CheckHealth returns warnings for thresholds the latest snapshot exceeds.
func (m *ResourceMonitor) CheckHealth() []HealthWarning {
	return m.checkSnapshot(m.Latest())
}

func (m *ResourceMonitor) checkSnapshot(s ResourceSnapshot) []HealthWarning {
	var warnings []HealthWarning

	if limit := m.cfg.GoroutineThreshold; limit > 0 && s.Goroutines > limit {
		level := "warning"
		if s.Goroutines > limit*2 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "goroutine",
			Message: fmt.Sprintf("goroutine count at %d (threshold: %d)", s.Goroutines, limit),
			Value:   float64(s.Goroutines),
			Limit:   float64(limit),
		})
	}

	if limit := m.cfg.MemoryThresholdMB; limit > 0 && s.HeapAllocMB > float64(limit) {
		level := "warning"
		if s.HeapAllocMB > float64(limit)*1.5 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "memory",
			Message: fmt.Sprintf("heap usage at %.1f MB (threshold: %d MB)", s.HeapAllocMB, limit),
			Value:   s.HeapAllocMB,
			Limit:   float64(limit),
		})
	}

	return warnings
}
