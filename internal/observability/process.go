package observability

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time view of the gateway process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

var startedAt = time.Now()

// SampleProcess reads resource usage for the current process. Fields the
// platform cannot report are left zero.
func SampleProcess() (ProcessStats, error) {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(startedAt).Round(time.Second).String(),
	}

	p, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats, err
	}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		stats.Threads = n
	}
	return stats, nil
}
