package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the process reported by the status API.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

const (
	metricCPUSeconds = "/cpu/classes/total:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker derives CPU usage from the CPU time spent between two
// snapshots.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	numCPU  float64

	lastCPUSeconds float64
	lastSample     time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{numCPU: float64(runtime.NumCPU())}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{
			{Name: metricCPUSeconds},
			{Name: metricHeapBytes},
			{Name: metricGoroutines},
		}
	}
	if r.numCPU == 0 {
		r.numCPU = float64(runtime.NumCPU())
	}
	metrics.Read(r.samples)

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	now := time.Now()
	for _, s := range r.samples {
		switch s.Name {
		case metricCPUSeconds:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpuSeconds := s.Value.Float64()
			if !r.lastSample.IsZero() {
				if wall := now.Sub(r.lastSample).Seconds(); wall > 0 {
					usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpuSeconds
		case metricHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case metricGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	r.lastSample = now

	if usage.CPUPercent < 0 {
		usage.CPUPercent = 0
	}
	return usage
}
