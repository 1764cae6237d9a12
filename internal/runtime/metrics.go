package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
)

const metricsNamespace = "nameko"

// Call outcomes used as the outcome label.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// UnknownMethodLabel replaces the method label of requests for methods the
// service does not expose.
const UnknownMethodLabel = "unknown"

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics exposes Prometheus collectors for a runner and its containers. A
// nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	rpcServed        *prometheus.CounterVec
	rpcServeDuration *prometheus.HistogramVec
	rpcCalls         *prometheus.CounterVec
	rpcCallDuration  *prometheus.HistogramVec
	pendingCalls     *prometheus.GaugeVec
	eventsHandled    *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	eventsDispatched *prometheus.CounterVec
	runnerState      *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   durationBuckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. They are registered on registerer, or
// the default registerer when nil, by Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		rpcServed:        newCounterVec("rpc", "served_total", "RPC requests served, by outcome and exc_type", []string{"service", "method", "outcome", "exc_type"}),
		rpcServeDuration: newHistogramVec("rpc", "serve_duration_seconds", "Time spent running RPC methods", []string{"service", "method"}),
		rpcCalls:         newCounterVec("rpc", "calls_total", "Outgoing RPC calls, by outcome", []string{"service", "target", "method", "outcome"}),
		rpcCallDuration:  newHistogramVec("rpc", "call_duration_seconds", "Round trip time of outgoing RPC calls", []string{"service", "target", "method"}),
		pendingCalls:     newGaugeVec("rpc", "pending_calls", "Outgoing RPC calls waiting for a reply", []string{"service"}),
		eventsHandled:    newCounterVec("events", "handled_total", "Events handled, by outcome", []string{"service", "event", "outcome"}),
		eventDuration:    newHistogramVec("events", "handle_duration_seconds", "Time spent in event handlers", []string{"service", "event"}),
		eventsDispatched: newCounterVec("events", "dispatched_total", "Events dispatched, by outcome", []string{"service", "event", "outcome"}),
		runnerState:      newGaugeVec("runner", "state", "1 for the current runner state", []string{"state"}),
	}
}

// Register registers the collectors. Safe to call multiple times, and
// collectors already registered by another Metrics are tolerated.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.rpcServed,
		m.rpcServeDuration,
		m.rpcCalls,
		m.rpcCallDuration,
		m.pendingCalls,
		m.eventsHandled,
		m.eventDuration,
		m.eventsDispatched,
		m.runnerState,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveEntrypoint records one served RPC call or handled event.
func (m *Metrics) ObserveEntrypoint(inv *Invocation, d time.Duration, err error) {
	if m == nil || inv == nil {
		return
	}
	outcome := OutcomeOK
	excType := ""
	if err != nil {
		outcome = OutcomeError
		excType = errspkg.Kind(err)
	}
	switch inv.Kind {
	case EntrypointRPC:
		method := inv.Name
		if errors.Is(err, errspkg.ErrUnknownMethod) {
			// The name comes from the caller's routing key.
			method = UnknownMethodLabel
		}
		m.rpcServed.WithLabelValues(inv.Service, method, outcome, excType).Inc()
		m.rpcServeDuration.WithLabelValues(inv.Service, method).Observe(d.Seconds())
	case EntrypointEvent:
		m.eventsHandled.WithLabelValues(inv.Service, inv.Name, outcome).Inc()
		m.eventDuration.WithLabelValues(inv.Service, inv.Name).Observe(d.Seconds())
	}
}

// ObserveCall records the outcome of an outgoing RPC call.
func (m *Metrics) ObserveCall(service, target, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(service, target, method, callOutcome(err)).Inc()
	m.rpcCallDuration.WithLabelValues(service, target, method).Observe(d.Seconds())
}

// AddPending adjusts the pending call gauge of service.
func (m *Metrics) AddPending(service string, delta float64) {
	if m == nil {
		return
	}
	m.pendingCalls.WithLabelValues(service).Add(delta)
}

// ObserveDispatch records one dispatched event.
func (m *Metrics) ObserveDispatch(service, event string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.eventsDispatched.WithLabelValues(service, event, outcome).Inc()
}

// SetRunnerState flips the state gauge to state.
func (m *Metrics) SetRunnerState(state RunnerState) {
	if m == nil {
		return
	}
	for _, s := range allRunnerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.runnerState.WithLabelValues(string(s)).Set(v)
	}
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errspkg.ErrCallTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
