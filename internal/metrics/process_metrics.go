package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures for a single process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads CPU and memory usage of pid.
func SampleProcess(ctx context.Context, pid int) (ProcessMetrics, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("process %d: %w", pid, err)
	}
	m := ProcessMetrics{PID: int32(pid), Timestamp: time.Now()}
	if name, err := p.NameWithContext(ctx); err == nil {
		m.Name = name
	}
	if c, err := p.CPUPercentWithContext(ctx); err == nil {
		m.CPUPercent = c
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("memory info %d: %w", pid, err)
	}
	m.MemoryRSS = mi.RSS
	m.MemoryMB = float64(mi.RSS) / 1024 / 1024
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		m.NumThreads = n
	}
	return m, nil
}

// Resources is a host usage sample in percent.
type Resources struct {
	CPU    float64 `json:"cpu_percent"`
	Memory float64 `json:"memory_percent"`
	Disk   float64 `json:"disk_percent"`
}

// Over lists the resources at or above threshold percent.
func (r Resources) Over(threshold float64) []string {
	var out []string
	if r.CPU >= threshold {
		out = append(out, "cpu")
	}
	if r.Memory >= threshold {
		out = append(out, "memory")
	}
	if r.Disk >= threshold {
		out = append(out, "disk")
	}
	return out
}

// SampleResources measures host CPU, memory and the disk holding diskPath.
// Each figure is best effort; the first error is returned alongside the rest.
func SampleResources(ctx context.Context, diskPath string) (Resources, error) {
	var r Resources
	var first error
	keep := func(err error) {
		if first == nil {
			first = err
		}
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		keep(fmt.Errorf("cpu: %w", err))
	} else if len(pcts) > 0 {
		r.CPU = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		keep(fmt.Errorf("memory: %w", err))
	} else {
		r.Memory = vm.UsedPercent
	}
	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		keep(fmt.Errorf("disk %s: %w", diskPath, err))
	} else {
		r.Disk = du.UsedPercent
	}
	return r, first
}
