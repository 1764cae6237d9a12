package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	"github.com/drblury/nameko/internal/runtime/wire"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// EntrypointStats accumulates processing statistics for one RPC method or
// event handler. It is safe for concurrent use and marshals to JSON.
type EntrypointStats struct {
	mu sync.Mutex `json:"-"`

	Kind  EntrypointKind `json:"kind"`
	Name  string         `json:"name"`
	Queue string         `json:"queue"`

	Processed           uint64    `json:"processed"`
	Failed              uint64    `json:"failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	InFlight   uint64            `json:"in_flight"`
	MaxFlight  uint64            `json:"max_in_flight"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by their wire kind.
type ErrorBreakdown struct {
	ByKind    map[string]uint64 `json:"by_kind,omitempty"`
	Cancelled uint64            `json:"cancelled"`
	LastError string            `json:"last_error,omitempty"`
}

func newEntrypointStats(kind EntrypointKind, name, queue string) *EntrypointStats {
	return &EntrypointStats{
		Kind:             kind,
		Name:             name,
		Queue:            queue,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *EntrypointStats) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.InFlight++
	if s.InFlight > s.MaxFlight {
		s.MaxFlight = s.InFlight
	}
}

func (s *EntrypointStats) onFinish(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}
	s.Processed++
	if err != nil {
		s.Failed++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	snapshot := s.latencyWindow.Snapshot()
	snapshot.AverageNs = s.TotalProcessingTime / int64(s.Processed)
	s.Latency = snapshot

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	s.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}

	s.Errors.Record(err)
}

// Snapshot returns a copy that is safe to read without locking.
func (s *EntrypointStats) Snapshot() *EntrypointStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &EntrypointStats{
		Kind:                s.Kind,
		Name:                s.Name,
		Queue:               s.Queue,
		Processed:           s.Processed,
		Failed:              s.Failed,
		TotalProcessingTime: s.TotalProcessingTime,
		LastProcessedAt:     s.LastProcessedAt,
		Latency:             s.Latency,
		Throughput:          s.Throughput,
		Errors:              s.Errors,
		InFlight:            s.InFlight,
		MaxFlight:           s.MaxFlight,
	}
	if s.Errors.ByKind != nil {
		cp.Errors.ByKind = make(map[string]uint64, len(s.Errors.ByKind))
		for k, v := range s.Errors.ByKind {
			cp.Errors.ByKind[k] = v
		}
	}
	return cp
}

func (s *EntrypointStats) MarshalJSON() ([]byte, error) {
	snapshot := s.Snapshot()
	type Alias EntrypointStats
	return wire.Marshal((*Alias)(snapshot))
}

func (e *ErrorBreakdown) Record(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.Cancelled++
	} else {
		if e.ByKind == nil {
			e.ByKind = make(map[string]uint64)
		}
		e.ByKind[errspkg.Kind(err)]++
	}
	e.LastError = err.Error()
}

// statsMiddleware feeds the stats of the entrypoint named by the invocation.
func statsMiddleware(lookup func(kind EntrypointKind, name string) *EntrypointStats) EntrypointMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			stats := lookup(inv.Kind, inv.Name)
			if stats == nil {
				return next(ctx, inv)
			}
			start := time.Now()
			stats.onStart()
			result, err := next(ctx, inv)
			stats.onFinish(time.Since(start), err)
			return result, err
		}
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
