package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/nameko/internal/runtime/config"
	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	transportpkg "github.com/drblury/nameko/internal/runtime/transport"
)

// RunnerState is the lifecycle state of a Runner.
type RunnerState string

const (
	StateStopped  RunnerState = "stopped"
	StateStarting RunnerState = "starting"
	StateRunning  RunnerState = "running"
	StateStopping RunnerState = "stopping"
	StateError    RunnerState = "error"
)

var allRunnerStates = []RunnerState{StateStopped, StateStarting, StateRunning, StateStopping, StateError}

// RunnerDependencies holds the optional collaborators of a Runner.
type RunnerDependencies struct {
	// TransportFactory resolves the broker dialer. Defaults to the URL scheme
	// registry.
	TransportFactory transportpkg.Factory
	// Metrics overrides the collectors created when Conf.MetricsEnabled is
	// set.
	Metrics                   *Metrics
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
}

// Runner hosts several service containers and drives their lifecycle
// together.
type Runner struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	factory transportpkg.Factory
	metrics *Metrics
	deps    ContainerDependencies

	// lifecycle serializes AddService, Start and Stop; mu guards the fields
	// below it.
	lifecycle  sync.Mutex
	mu         sync.RWMutex
	state      RunnerState
	names      []string
	containers map[string]*Container
	startedAt  time.Time

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	resources *resourceTracker
	// confErr holds the validation failure of Conf; Start reports it.
	confErr error
}

// NewRunner creates a stopped runner. conf defaults are applied to a copy.
func NewRunner(conf *configpkg.Config, logger loggingpkg.ServiceLogger, deps RunnerDependencies) *Runner {
	if conf == nil {
		conf = configpkg.Default()
	} else {
		cp := *conf
		conf = cp.WithDefaults()
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	metrics := deps.Metrics
	if metrics == nil && conf.MetricsEnabled {
		metrics = NewMetrics(nil)
	}

	r := &Runner{
		Conf:       conf,
		Logger:     logger,
		factory:    factory,
		metrics:    metrics,
		state:      StateStopped,
		containers: make(map[string]*Container),
		resources:  newResourceTracker(),
		deps: ContainerDependencies{
			Metrics:                   metrics,
			Middlewares:               deps.Middlewares,
			DisableDefaultMiddlewares: deps.DisableDefaultMiddlewares,
		},
	}
	logger.Info("Creating service runner", loggingpkg.LogFields{"config": conf.String()})
	if err := conf.Validate(); err != nil {
		r.confErr = errspkg.NewConfigValidationError(err)
		logger.Error("Invalid service runner configuration", r.confErr, nil)
	}
	return r
}

// AddService registers a service. Only allowed while stopped.
func (r *Runner) AddService(def ServiceDefinition) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateStopped {
		return errspkg.InvalidState("Cannot add service on a non stopped runner")
	}
	if def.Name == "" {
		return errspkg.InvalidConfiguration("Service has no name")
	}
	if _, exists := r.containers[def.Name]; exists {
		return errspkg.InvalidConfiguration("Service '%s' already registered", def.Name)
	}

	c, err := NewContainer(def, r.Conf, r.Logger, r.deps)
	if err != nil {
		return err
	}
	r.containers[def.Name] = c
	r.names = append(r.names, def.Name)
	return nil
}

// ServiceNames returns the registered services in registration order.
func (r *Runner) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Container returns the container of a registered service.
func (r *Runner) Container(name string) (*Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[name]
	return c, ok
}

// State returns the current lifecycle state.
func (r *Runner) State() RunnerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Metrics returns the collectors in use, nil when metrics are disabled.
func (r *Runner) Metrics() *Metrics {
	return r.metrics
}

func (r *Runner) setState(state RunnerState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.metrics.SetRunnerState(state)
}

type namedContainer struct {
	name      string
	container *Container
}

func (r *Runner) snapshot() []namedContainer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namedContainer, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, namedContainer{name: name, container: r.containers[name]})
	}
	return out
}

// Setup prepares every container. Start calls it.
func (r *Runner) Setup() error {
	var errs []error
	for _, nc := range r.snapshot() {
		if err := nc.container.Setup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start starts every container concurrently. A container that fails to
// start is logged and left stopped; the runner still reaches running. A
// failure that concerns the runner as a whole, such as no transport for the
// broker URL, moves it to the error state and is returned.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if state := r.State(); state != StateStopped {
		return errspkg.InvalidState("Service runner is not stopped (state %s)", state)
	}
	r.Logger.Debug("Starting service runner", nil)
	r.setState(StateStarting)

	if err := r.prepareLocked(); err != nil {
		r.Logger.Error("Error while starting service runner", err, nil)
		r.setState(StateError)
		return err
	}

	dialer, err := r.factory.Dialer(ctx, r.Conf)
	if err != nil {
		r.Logger.Error("Error while starting service runner", err, nil)
		r.setState(StateError)
		return err
	}

	r.eachContainer(func(name string, c *Container) {
		if err := c.Start(ctx, dialer); err != nil {
			r.Logger.Error(fmt.Sprintf("Unable to start service '%s'", name), err, nil)
			return
		}
		r.Logger.Info(fmt.Sprintf("Service '%s' started", name), nil)
	})

	if err := r.startHTTPServersLocked(); err != nil {
		r.Logger.Error("Error while starting service runner", err, nil)
		r.stopHTTPServersLocked(ctx)
		r.stopContainers(ctx)
		r.setState(StateError)
		return err
	}

	r.mu.Lock()
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()
	r.setState(StateRunning)
	r.Logger.Debug("Service runner started", nil)
	return nil
}

func (r *Runner) prepareLocked() error {
	if r.confErr != nil {
		return r.confErr
	}
	if err := r.Setup(); err != nil {
		return err
	}
	if r.metrics != nil {
		if err := r.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if r.Conf.MetricsPort > 0 {
			r.RegisterHTTPHandler(r.Conf.MetricsPort, "/metrics", promhttp.Handler())
		}
	}
	r.registerStatusAPI()
	return nil
}

// Stop stops every container concurrently. Failures are logged; the runner
// always ends up stopped.
func (r *Runner) Stop(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if state := r.State(); state != StateRunning {
		return errspkg.InvalidState("Service runner is not running (state %s)", state)
	}
	r.Logger.Debug("Stopping service runner", nil)
	r.setState(StateStopping)

	r.stopContainers(ctx)
	r.stopHTTPServersLocked(ctx)

	r.setState(StateStopped)
	r.Logger.Debug("Service runner stopped", nil)
	return nil
}

func (r *Runner) stopContainers(ctx context.Context) {
	r.eachContainer(func(name string, c *Container) {
		if !c.Started() {
			return
		}
		if err := c.Stop(ctx); err != nil {
			r.Logger.Error(fmt.Sprintf("Unable to stop service '%s'", name), err, nil)
			return
		}
		r.Logger.Info(fmt.Sprintf("Service '%s' stopped", name), nil)
	})
}

func (r *Runner) eachContainer(fn func(name string, c *Container)) {
	var wg sync.WaitGroup
	for _, nc := range r.snapshot() {
		wg.Add(1)
		go func(name string, c *Container) {
			defer wg.Done()
			fn(name, c)
		}(nc.name, nc.container)
	}
	wg.Wait()
}

// Run starts the runner, blocks until ctx is done and stops it again with a
// fresh context bounded by stopTimeout.
func (r *Runner) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx := context.Background()
	if stopTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(stopCtx, stopTimeout)
		defer cancel()
	}
	return r.Stop(stopCtx)
}

// RegisterHTTPHandler serves handler on port once the runner starts.
func (r *Runner) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	r.httpServersMu.Lock()
	defer r.httpServersMu.Unlock()

	if r.httpServers == nil {
		r.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := r.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		r.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (r *Runner) startHTTPServersLocked() error {
	r.httpServersMu.Lock()
	defer r.httpServersMu.Unlock()
	defer func() { r.httpServers = nil }()

	for port, mux := range r.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.servers = append(r.servers, srv)
		r.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr)
	}
	return nil
}

func (r *Runner) stopHTTPServersLocked(ctx context.Context) {
	for _, srv := range r.servers {
		if err := srv.Shutdown(ctx); err != nil {
			r.Logger.Error("Failed to stop HTTP server", err, nil)
		}
	}
	r.servers = nil
}
