package diagnostics

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetrics holds host-wide resource usage.
type HostMetrics struct {
	CPUModel   string  `json:"cpu_model,omitempty"`
	CPUThreads int     `json:"cpu_threads"`
	CPUPercent float64 `json:"cpu_percent"`

	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	// Disk holding the run store.
	DiskPath    string  `json:"disk_path"`
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskUsedGB  float64 `json:"disk_used_gb"`
	DiskPercent float64 `json:"disk_percent"`

	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`
}

// HostCollector gathers host statistics. CPU percent is computed between
// consecutive calls, so the first Collect reports zero.
type HostCollector struct {
	diskPath string

	mu           sync.Mutex
	lastCPUTotal float64
	lastCPUIdle  float64

	infoCollected bool
	cpuModel      string
	cpuThreads    int
}

// NewHostCollector reports disk usage for the filesystem containing path.
// An empty path uses the working directory.
func NewHostCollector(path string) *HostCollector {
	dir := "."
	if strings.TrimSpace(path) != "" {
		dir = filepath.Dir(path)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &HostCollector{diskPath: dir}
}

// Collect gathers current host statistics. Unavailable values stay zero.
func (c *HostCollector) Collect() HostMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var m HostMetrics
	c.collectHardwareInfo(&m)
	c.collectMemory(&m)
	c.collectCPU(&m)
	c.collectDisk(&m)
	c.collectLoad(&m)
	return m
}

func (c *HostCollector) collectHardwareInfo(m *HostMetrics) {
	if !c.infoCollected {
		if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
			c.cpuModel = strings.TrimSpace(infos[0].ModelName)
		}
		if threads, err := cpu.Counts(true); err == nil && threads > 0 {
			c.cpuThreads = threads
		}
		c.infoCollected = true
	}
	m.CPUModel = c.cpuModel
	m.CPUThreads = c.cpuThreads
}

func (c *HostCollector) collectMemory(m *HostMetrics) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	m.MemTotalMB = float64(vm.Total) / 1024 / 1024
	m.MemUsedMB = float64(vm.Used) / 1024 / 1024
	m.MemPercent = vm.UsedPercent
}

func (c *HostCollector) collectCPU(m *HostMetrics) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}

	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	if c.lastCPUTotal > 0 {
		totalDelta := total - c.lastCPUTotal
		idleDelta := idle - c.lastCPUIdle
		if totalDelta > 0 {
			m.CPUPercent = (1 - idleDelta/totalDelta) * 100
		}
	}
	c.lastCPUTotal = total
	c.lastCPUIdle = idle
}

func (c *HostCollector) collectDisk(m *HostMetrics) {
	m.DiskPath = c.diskPath
	usage, err := disk.Usage(c.diskPath)
	if err != nil {
		return
	}
	m.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
	m.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
	m.DiskPercent = usage.UsedPercent
}

func (c *HostCollector) collectLoad(m *HostMetrics) {
	avg, err := load.Avg()
	if err != nil {
		return
	}
	m.LoadAvg1 = avg.Load1
	m.LoadAvg5 = avg.Load5
	m.LoadAvg15 = avg.Load15
}
