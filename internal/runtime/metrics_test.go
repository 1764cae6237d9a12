package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
)

func TestMetricsNilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Register())
	m.ObserveEntrypoint(testInvocation(), time.Millisecond, nil)
	m.ObserveCall("a", "b", "c", time.Millisecond, nil)
	m.AddPending("a", 1)
	m.ObserveDispatch("a", "e", nil)
	m.SetRunnerState(StateRunning)
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second instance on the same registry tolerates the duplicates.
	require.NoError(t, NewMetrics(reg).Register())

	m.ObserveDispatch("svc", "ping", nil)
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "nameko_events_dispatched_total")
}

func TestMetricsObserveCall(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveCall("caller", "greeter", "hello", time.Millisecond, nil)
	m.ObserveCall("caller", "greeter", "hello", time.Millisecond, &errspkg.CallTimeoutError{})
	m.ObserveCall("caller", "greeter", "hello", time.Millisecond, context.Canceled)
	m.ObserveCall("caller", "greeter", "hello", time.Millisecond, errors.New("x"))

	for _, outcome := range []string{OutcomeOK, OutcomeTimeout, OutcomeCancelled, OutcomeError} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCalls.WithLabelValues("caller", "greeter", "hello", outcome)), outcome)
	}
	// One series per label set; all four calls land in it.
	assert.Equal(t, 1, testutil.CollectAndCount(m.rpcCallDuration))
	assert.Equal(t, uint64(4), histogramSampleCount(t, m.rpcCallDuration))
}

func TestMetricsUnknownMethodLabel(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	for _, name := range []string{"nope", "also_nope", "still_nope"} {
		inv := &Invocation{Service: "greeter", Kind: EntrypointRPC, Name: name}
		m.ObserveEntrypoint(inv, time.Millisecond, &errspkg.UnknownMethodError{Service: "greeter", Method: name})
	}
	m.ObserveEntrypoint(&Invocation{Service: "greeter", Kind: EntrypointRPC, Name: "hello"}, time.Millisecond, nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.rpcServed.WithLabelValues("greeter", UnknownMethodLabel, OutcomeError, errspkg.KindUnknownMethod)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.rpcServed))
	assert.Equal(t, 2, testutil.CollectAndCount(m.rpcServeDuration))
}

func histogramSampleCount(t *testing.T, c prometheus.Collector) uint64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var total uint64
	for metric := range ch {
		var pb dto.Metric
		require.NoError(t, metric.Write(&pb))
		total += pb.GetHistogram().GetSampleCount()
	}
	return total
}

func TestMetricsPendingAndDispatch(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddPending("svc", 1)
	m.AddPending("svc", 1)
	m.AddPending("svc", -1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingCalls.WithLabelValues("svc")))

	m.ObserveDispatch("svc", "ping", nil)
	m.ObserveDispatch("svc", "ping", errors.New("x"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDispatched.WithLabelValues("svc", "ping", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDispatched.WithLabelValues("svc", "ping", OutcomeError)))
}

func TestMetricsRunnerState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetRunnerState(StateError)
	for _, s := range allRunnerStates {
		want := 0.0
		if s == StateError {
			want = 1
		}
		assert.Equal(t, want, testutil.ToFloat64(m.runnerState.WithLabelValues(string(s))), string(s))
	}
}

func TestCallOutcome(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{fmt.Errorf("wrapped: %w", &errspkg.CallTimeoutError{}), OutcomeTimeout},
		{context.DeadlineExceeded, OutcomeCancelled},
		{&errspkg.RemoteError{Kind: "ValueError"}, OutcomeError},
	}
	for _, tc := range cases {
		if got := callOutcome(tc.err); got != tc.want {
			t.Fatalf("callOutcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
