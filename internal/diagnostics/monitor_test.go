package diagnostics

import (
	"context"
	"testing"
	"time"
)

func TestNewResourceMonitor_Defaults(t *testing.T) {
	monitor := NewResourceMonitor(MonitorConfig{}, nil, nil)

	if monitor.cfg.Interval != defaultInterval {
		t.Errorf("expected interval %v, got %v", defaultInterval, monitor.cfg.Interval)
	}
	if monitor.cfg.HistorySize != defaultHistorySize {
		t.Errorf("expected history size %d, got %d", defaultHistorySize, monitor.cfg.HistorySize)
	}
}

func TestResourceMonitor_TakeSnapshot(t *testing.T) {
	monitor := NewResourceMonitor(MonitorConfig{}, nil, func() int { return 3 })

	snapshot := monitor.TakeSnapshot()

	if snapshot.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
	if snapshot.Goroutines <= 0 {
		t.Error("expected positive goroutine count")
	}
	if snapshot.HeapAllocMB <= 0 {
		t.Error("expected positive heap allocation")
	}
	if snapshot.ActiveRuns != 3 {
		t.Errorf("expected 3 active runs, got %d", snapshot.ActiveRuns)
	}
}

func TestResourceMonitor_StartStop(t *testing.T) {
	monitor := NewResourceMonitor(MonitorConfig{Interval: 20 * time.Millisecond, HistorySize: 3}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	monitor.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	monitor.Stop()
	monitor.Stop() // second stop is a no-op

	history := monitor.History()
	if len(history) == 0 {
		t.Fatal("expected at least one snapshot in history")
	}
	if len(history) > 3 {
		t.Errorf("history should be trimmed to 3, got %d", len(history))
	}
}

func TestResourceMonitor_LatestWithoutHistory(t *testing.T) {
	monitor := NewResourceMonitor(MonitorConfig{}, nil, nil)
	if monitor.Latest().Timestamp.IsZero() {
		t.Error("Latest should take a snapshot when history is empty")
	}
}

func TestResourceMonitor_CheckSnapshot(t *testing.T) {
	monitor := NewResourceMonitor(MonitorConfig{GoroutineThreshold: 10, MemoryThresholdMB: 100}, nil, nil)

	tests := []struct {
		name   string
		snap   ResourceSnapshot
		levels map[string]string
	}{
		{"healthy", ResourceSnapshot{Goroutines: 5, HeapAllocMB: 50}, map[string]string{}},
		{"goroutine warning", ResourceSnapshot{Goroutines: 15, HeapAllocMB: 50}, map[string]string{"goroutine": "warning"}},
		{"goroutine critical", ResourceSnapshot{Goroutines: 25}, map[string]string{"goroutine": "critical"}},
		{"memory critical", ResourceSnapshot{Goroutines: 1, HeapAllocMB: 200}, map[string]string{"memory": "critical"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings := monitor.checkSnapshot(tt.snap)
			if len(warnings) != len(tt.levels) {
				t.Fatalf("expected %d warnings, got %+v", len(tt.levels), warnings)
			}
			for _, w := range warnings {
				if tt.levels[w.Type] != w.Level {
					t.Errorf("%s: expected level %q, got %q", w.Type, tt.levels[w.Type], w.Level)
				}
			}
		})
	}
}

func TestTrendOf(t *testing.T) {
	now := time.Now()

	if trend := trendOf(nil); !trend.IsHealthy {
		t.Error("empty history should be healthy")
	}

	short := []ResourceSnapshot{{Timestamp: now}, {Timestamp: now.Add(time.Second), Goroutines: 1000}}
	if trend := trendOf(short); !trend.IsHealthy {
		t.Error("short windows should be treated as healthy")
	}

	leaking := []ResourceSnapshot{
		{Timestamp: now, Goroutines: 10, OpenFDs: 10, HeapAllocMB: 10},
		{Timestamp: now.Add(time.Hour), Goroutines: 500, OpenFDs: 15, HeapAllocMB: 20},
	}
	trend := trendOf(leaking)
	if trend.IsHealthy {
		t.Error("expected unhealthy trend")
	}
	if len(trend.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", trend.Warnings)
	}
	if trend.GoroutineGrowthRate != 490 {
		t.Errorf("expected goroutine growth 490/h, got %v", trend.GoroutineGrowthRate)
	}
}

func TestHostCollector_Collect(t *testing.T) {
	c := NewHostCollector("")
	first := c.Collect()
	second := c.Collect()

	if first.DiskPath == "" {
		t.Error("expected disk path to be resolved")
	}
	if second.CPUPercent < 0 || second.CPUPercent > 100 {
		t.Errorf("cpu percent out of range: %v", second.CPUPercent)
	}
	if first.CPUThreads != second.CPUThreads {
		t.Error("hardware info should be cached between calls")
	}
}
