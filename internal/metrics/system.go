package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// System periodically samples host-wide CPU usage and the process's heap
// memory usage and pushes
// them onto the Prometheus gauges in Metrics. CPU readings are smoothed with
// an exponential moving average so a single busy sample doesn't spike the
// gauge.
type System struct {
	metrics    *Metrics
	interval   time.Duration
	cpuPercent float64
}

// NewSystem builds a sampler that reports into metrics every interval.
func NewSystem(metrics *Metrics, interval time.Duration) *System {
	return &System{metrics: metrics, interval: interval}
}

// Run samples system metrics every interval until ctx is canceled.
func (s *System) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *System) sample() {
	s.metrics.setGoroutines(runtime.NumGoroutine())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.metrics.setMemoryUsageBytes(float64(mem.HeapAlloc))

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]
	if s.cpuPercent == 0 {
		s.cpuPercent = current
	} else {
		const alpha = 0.3
		s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
	}
	s.metrics.setCPUPercent(s.cpuPercent)
}
