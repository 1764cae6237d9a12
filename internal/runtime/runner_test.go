package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/nameko/internal/runtime/config"
	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	transportpkg "github.com/drblury/nameko/internal/runtime/transport"
	"github.com/drblury/nameko/transport"
	"github.com/drblury/nameko/transport/memory"
)

func newTestRunner(t *testing.T, broker *memory.Broker, deps RunnerDependencies) (*Runner, *recordingLogger) {
	t.Helper()
	logger := newRecordingLogger()
	if deps.TransportFactory == nil {
		deps.TransportFactory = transportpkg.DialerFactory(broker.Dialer(), "memory")
	}
	r := NewRunner(testConfig(), logger, deps)
	t.Cleanup(func() {
		if r.State() == StateRunning {
			_ = r.Stop(context.Background())
		}
	})
	return r, logger
}

func TestRunnerAddService(t *testing.T) {
	r, _ := newTestRunner(t, memory.NewBroker(), RunnerDependencies{})

	require.NoError(t, r.AddService(greeterDefinition()))
	require.NoError(t, r.AddService(ServiceDefinition{Name: "caller", ProxyTargets: []string{"greeter"}}))
	assert.Equal(t, []string{"greeter", "caller"}, r.ServiceNames())

	err := r.AddService(ServiceDefinition{})
	assert.True(t, errors.Is(err, errspkg.ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "Service has no name")

	err = r.AddService(greeterDefinition())
	assert.True(t, errors.Is(err, errspkg.ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "Service 'greeter' already registered")

	c, ok := r.Container("greeter")
	require.True(t, ok)
	assert.Equal(t, "greeter", c.ServiceName())
	_, ok = r.Container("missing")
	assert.False(t, ok)
}

func TestRunnerAddServiceWhileRunning(t *testing.T) {
	r, _ := newTestRunner(t, memory.NewBroker(), RunnerDependencies{})
	require.NoError(t, r.AddService(greeterDefinition()))
	require.NoError(t, r.Start(context.Background()))

	err := r.AddService(ServiceDefinition{Name: "late"})
	assert.True(t, errors.Is(err, errspkg.ErrInvalidState))
	assert.Contains(t, err.Error(), "Cannot add service on a non stopped runner")
}

func TestRunnerLifecycle(t *testing.T) {
	broker := memory.NewBroker()
	r, logger := newTestRunner(t, broker, RunnerDependencies{})
	require.NoError(t, r.AddService(greeterDefinition()))
	require.NoError(t, r.AddService(ServiceDefinition{Name: "caller", ProxyTargets: []string{"greeter"}}))
	assert.Equal(t, StateStopped, r.State())

	err := r.Stop(context.Background())
	assert.True(t, errors.Is(err, errspkg.ErrInvalidState))

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRunning, r.State())
	assert.True(t, logger.has("info", "Service 'greeter' started"))
	assert.True(t, logger.has("info", "Service 'caller' started"))

	err = r.Start(context.Background())
	assert.True(t, errors.Is(err, errspkg.ErrInvalidState))

	caller, _ := r.Container("caller")
	proxy, err := caller.Proxy("greeter")
	require.NoError(t, err)
	result, err := proxy.Call(context.Background(), "hello", "runner")
	require.NoError(t, err)
	assert.Equal(t, "hello runner", result)

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 0, broker.ConnectionCount())
	assert.True(t, logger.has("info", "Service 'greeter' stopped"))

	// A stopped runner starts again.
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunnerUnknownSchemeMovesToError(t *testing.T) {
	conf := testConfig()
	conf.AMQPURL = "kafka://localhost:9092"
	r := NewRunner(conf, nil, RunnerDependencies{})
	require.NoError(t, r.AddService(greeterDefinition()))

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrNoDialer))
	assert.Equal(t, StateError, r.State())

	err = r.Start(context.Background())
	assert.True(t, errors.Is(err, errspkg.ErrInvalidState))
}

func TestRunnerRejectsInvalidConfig(t *testing.T) {
	broker := memory.NewBroker()
	conf := testConfig()
	conf.RPCTimeout = -time.Second
	logger := newRecordingLogger()
	r := NewRunner(conf, logger, RunnerDependencies{
		TransportFactory: transportpkg.DialerFactory(broker.Dialer(), "memory"),
	})
	assert.True(t, logger.has("error", "Invalid service runner configuration"))

	err := r.AddService(greeterDefinition())
	assert.True(t, errors.Is(err, errspkg.ErrInvalidConfiguration))

	err = r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "rpc: timeout must be positive")
	assert.Equal(t, StateError, r.State())
	assert.Equal(t, 0, broker.ConnectionCount())
}

func TestRunnerKeepsRunningWhenAContainerFails(t *testing.T) {
	broker := memory.NewBroker()
	var dials atomic.Int64
	dialer := func(ctx context.Context, url string) (transport.Connection, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return broker.Dial(ctx, url)
	}
	r, logger := newTestRunner(t, broker, RunnerDependencies{
		TransportFactory: transportpkg.DialerFactory(dialer, "flaky"),
	})
	require.NoError(t, r.AddService(ServiceDefinition{Name: "a", RPCMethods: map[string]RPCMethod{"m": echoMethod()}}))
	require.NoError(t, r.AddService(ServiceDefinition{Name: "b", RPCMethods: map[string]RPCMethod{"m": echoMethod()}}))

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRunning, r.State())
	assert.True(t, logger.has("error", "Unable to start service"))

	a, _ := r.Container("a")
	b, _ := r.Container("b")
	assert.True(t, a.Started() != b.Started(), "exactly one container should be running")

	require.NoError(t, r.Stop(context.Background()))
	assert.False(t, a.Started())
	assert.False(t, b.Started())
}

func TestRunnerConcurrentStart(t *testing.T) {
	r, _ := newTestRunner(t, memory.NewBroker(), RunnerDependencies{})
	require.NoError(t, r.AddService(greeterDefinition()))

	var wg sync.WaitGroup
	var ok, invalid atomic.Int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Start(context.Background())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errspkg.ErrInvalidState):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(4), invalid.Load())
}

func TestRunnerRun(t *testing.T) {
	broker := memory.NewBroker()
	r, _ := newTestRunner(t, broker, RunnerDependencies{})
	require.NoError(t, r.AddService(greeterDefinition()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Second) }()

	require.Eventually(t, func() bool { return r.State() == StateRunning }, waitFor, tick)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 0, broker.ConnectionCount())
}

func TestRunnerMetrics(t *testing.T) {
	broker := memory.NewBroker()
	metrics := NewMetrics(prometheus.NewRegistry())
	r, _ := newTestRunner(t, broker, RunnerDependencies{Metrics: metrics})
	require.NoError(t, r.AddService(greeterDefinition()))
	require.NoError(t, r.AddService(ServiceDefinition{Name: "caller", ProxyTargets: []string{"greeter"}}))
	require.NoError(t, r.Start(context.Background()))
	assert.Same(t, metrics, r.Metrics())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runnerState.WithLabelValues(string(StateRunning))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.runnerState.WithLabelValues(string(StateStopped))))

	caller, _ := r.Container("caller")
	proxy, err := caller.Proxy("greeter")
	require.NoError(t, err)
	_, err = proxy.Call(context.Background(), "hello", "m")
	require.NoError(t, err)
	_, err = proxy.Call(context.Background(), "fail")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rpcServed.WithLabelValues("greeter", "hello", OutcomeOK, "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rpcServed.WithLabelValues("greeter", "fail", OutcomeError, "ValueError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rpcCalls.WithLabelValues("caller", "greeter", "hello", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rpcCalls.WithLabelValues("caller", "greeter", "fail", OutcomeError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.pendingCalls.WithLabelValues("caller")))

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runnerState.WithLabelValues(string(StateStopped))))
}

func TestNewRunnerAppliesDefaults(t *testing.T) {
	r := NewRunner(nil, nil, RunnerDependencies{})
	assert.Equal(t, configpkg.DefaultAMQPURL, r.Conf.AMQPURL)
	assert.Equal(t, configpkg.DefaultRPCTimeout, r.Conf.RPCTimeout)
	assert.Nil(t, r.Metrics())

	conf := &configpkg.Config{MetricsEnabled: true}
	r = NewRunner(conf, nil, RunnerDependencies{})
	assert.NotNil(t, r.Metrics())
	assert.Empty(t, conf.AMQPURL, "caller config must not be modified")
}
