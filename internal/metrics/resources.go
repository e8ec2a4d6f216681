package metrics

import (
	"fmt"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is a point-in-time view of a supervised child's resource use.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads CPU and memory figures for pid and publishes the RSS gauge
// under name. Thread count is best-effort and left zero where unsupported.
func SampleProcess(name string, pid int) (ResourceSample, error) {
	if pid <= 0 {
		return ResourceSample{}, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return ResourceSample{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info %d: %w", pid, err)
	}
	cpu, _ := p.CPUPercent()
	threads, _ := p.NumThreads()
	s := ResourceSample{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	SetResidentMemory(name, mem.RSS)
	return s, nil
}
