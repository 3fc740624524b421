package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"vms-recorder/metrics"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

type ResourceUsage struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsedMB  float64 `json:"memoryUsedMb"`
	MemoryTotalMB float64 `json:"memoryTotalMb"`
	MemoryPercent float64 `json:"memoryPercent"`
	NumGoroutines int     `json:"goroutines"`
}

// Monitor samples the recorder's own CPU and memory use
type Monitor struct {
	proc *process.Process
	log  logrus.FieldLogger
}

// NewMonitor attaches to the current process
func NewMonitor(log logrus.FieldLogger) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to get process: %w", err)
	}
	return &Monitor{proc: proc, log: log.WithField("module", "resource_monitor")}, nil
}

// Run samples resource usage once, publishes it as gauges and logs it at debug level
func (m *Monitor) Run(ctx context.Context) {
	usage, err := m.Usage(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to get resource usage")
		return
	}

	metrics.ProcessCPUPercent.Set(usage.CPUPercent)
	metrics.ProcessRSSBytes.Set(usage.MemoryUsedMB * 1024 * 1024)
	metrics.Goroutines.Set(float64(usage.NumGoroutines))

	m.log.WithFields(logrus.Fields{
		"cpu_percent":    fmt.Sprintf("%.2f", usage.CPUPercent),
		"memory_mb":      fmt.Sprintf("%.2f", usage.MemoryUsedMB),
		"memory_percent": fmt.Sprintf("%.2f", usage.MemoryPercent),
		"goroutines":     usage.NumGoroutines,
	}).Debug("resource usage")
}

// Usage returns the current resource usage of the process
func (m *Monitor) Usage(ctx context.Context) (ResourceUsage, error) {
	var usage ResourceUsage

	cpuPercent, err := m.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %w", err)
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %w", err)
	}

	procMem, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %w", err)
	}

	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	if virtualMem.Total > 0 {
		usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	}
	usage.NumGoroutines = runtime.NumGoroutine()

	return usage, nil
}
