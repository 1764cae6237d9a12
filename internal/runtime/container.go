package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	configpkg "github.com/drblury/nameko/internal/runtime/config"
	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	"github.com/drblury/nameko/internal/runtime/wire"
	"github.com/drblury/nameko/transport"
)

// ContainerDependencies holds the optional collaborators of a Container.
// Leave fields nil to skip the related feature.
type ContainerDependencies struct {
	Metrics                   *Metrics
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
}

// Container runs one service on a single broker connection and channel.
type Container struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	def     ServiceDefinition
	deps    ContainerDependencies
	metrics *Metrics

	mu         sync.Mutex
	isSetup    bool
	started    bool
	sc         *ServiceContext
	pipeline   pipeline
	rpcServer  *RPCServer
	subscriber *EventSubscriber
	client     *ProxyClient
	proxies    map[string]*Proxy
	dispatcher *EventDispatcher
	conn       transport.Connection
	ch         transport.Channel

	stats map[string]*EntrypointStats
}

// NewContainer validates def and conf and returns a container for def. conf
// defaults are applied to a copy before validation.
func NewContainer(def ServiceDefinition, conf *configpkg.Config, logger loggingpkg.ServiceLogger, deps ContainerDependencies) (*Container, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if conf == nil {
		conf = configpkg.Default()
	} else {
		cp := *conf
		conf = cp.WithDefaults()
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &Container{
		Conf:    conf,
		Logger:  logger.With(loggingpkg.LogFields{"service": def.Name}),
		def:     def,
		deps:    deps,
		metrics: deps.Metrics,
	}, nil
}

// ServiceName returns the name of the contained service.
func (c *Container) ServiceName() string {
	return c.def.Name
}

// Definition returns the service definition.
func (c *Container) Definition() ServiceDefinition {
	return c.def
}

// Setup instantiates the entrypoints the definition needs. It is called by
// Start when needed and is idempotent.
func (c *Container) Setup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupLocked()
}

func (c *Container) setupLocked() error {
	if c.isSetup {
		return nil
	}

	var defaults []MiddlewareRegistration
	if !c.deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(c.deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, c.deps.Middlewares...)

	p, err := buildPipeline(c, registrations)
	if err != nil {
		return fmt.Errorf("setup %s: %w", c.def.Name, err)
	}
	p.middlewares = append([]EntrypointMiddleware{statsMiddleware(c.lookupStats)}, p.middlewares...)
	c.pipeline = p
	c.sc = newServiceContext(c)
	c.stats = make(map[string]*EntrypointStats)

	if c.def.hasRPC() {
		c.rpcServer = newRPCServer(c.def, c.Conf, c.Logger, c.pipeline.wrap, c.sc)
		for _, name := range sortedKeys(c.def.RPCMethods) {
			c.stats[statsKey(EntrypointRPC, name)] = newEntrypointStats(EntrypointRPC, name, c.rpcServer.Queue())
		}
	}
	if c.def.hasEvents() {
		sub, err := newEventSubscriber(c.def, c.Conf, c.Logger, c.pipeline.wrap, c.sc)
		if err != nil {
			return err
		}
		c.subscriber = sub
		for _, key := range sortedKeys(c.def.EventHandlers) {
			c.stats[statsKey(EntrypointEvent, key)] = newEntrypointStats(EntrypointEvent, key, "")
		}
	}
	if c.def.hasProxies() {
		c.client = NewProxyClient(c.def.Name, c.Conf, c.Logger, c.metrics)
		c.proxies = make(map[string]*Proxy, len(c.def.ProxyTargets))
		for _, target := range c.def.ProxyTargets {
			if target == c.def.Name {
				c.Logger.Warn("Create proxy on itself", loggingpkg.LogFields{"target": target})
			}
			c.proxies[target] = NewProxy(c.client, target)
		}
	}
	c.dispatcher = NewEventDispatcher(c.def.Name, c.Logger, c.metrics)

	c.isSetup = true
	return nil
}

func statsKey(kind EntrypointKind, name string) string {
	return string(kind) + ":" + name
}

func (c *Container) lookupStats(kind EntrypointKind, name string) *EntrypointStats {
	return c.stats[statsKey(kind, name)]
}

type startable interface {
	Start(ctx context.Context, ch transport.Channel) error
}

type stopFunc func(ctx context.Context) error

// Start dials the broker, opens one channel and starts the RPC server, the
// event subscriber, the proxy client and the dispatcher, in this order. When
// a step fails, everything started so far is stopped again and the error is
// returned.
func (c *Container) Start(ctx context.Context, dialer transport.Dialer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errspkg.InvalidState("service %q already started", c.def.Name)
	}
	if dialer == nil {
		return fmt.Errorf("start %s: %w", c.def.Name, errspkg.ErrNoDialer)
	}
	if err := c.setupLocked(); err != nil {
		return err
	}

	c.Logger.Debug("Starting service", nil)
	conn, err := dialer(ctx, c.Conf.AMQPURL)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.def.Name, err)
	}
	raw, err := conn.Channel(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel %s: %w", c.def.Name, err)
	}
	ch := newLockedChannel(raw)

	var stops []stopFunc
	steps := make([]startable, 0, 4)
	if c.rpcServer != nil {
		steps = append(steps, c.rpcServer)
	}
	if c.subscriber != nil {
		steps = append(steps, c.subscriber)
	}
	if c.client != nil {
		steps = append(steps, c.client)
	}
	steps = append(steps, c.dispatcher)

	for _, step := range steps {
		if err := step.Start(ctx, ch); err != nil {
			rollbackErr := c.rollback(ctx, stops, ch, conn)
			return errors.Join(fmt.Errorf("start %s: %w", c.def.Name, err), rollbackErr)
		}
		stops = append(stops, stopOf(step))
	}

	c.conn = conn
	c.ch = ch
	c.started = true
	c.Logger.Debug("Service started", nil)
	return nil
}

func stopOf(step startable) stopFunc {
	switch s := step.(type) {
	case *RPCServer:
		return s.Stop
	case *EventSubscriber:
		return s.Stop
	case *ProxyClient:
		return s.Stop
	case *EventDispatcher:
		return func(context.Context) error {
			s.Stop()
			return nil
		}
	default:
		return func(context.Context) error { return nil }
	}
}

func (c *Container) rollback(ctx context.Context, stops []stopFunc, ch transport.Channel, conn transport.Connection) error {
	var errs []error
	for _, stop := range stops {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

// Stop stops the entrypoints in start order, then closes the channel and the
// connection. It is a no-op when the container is not started.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.Logger.Debug("Stopping service", nil)

	var stops []stopFunc
	if c.rpcServer != nil {
		stops = append(stops, c.rpcServer.Stop)
	}
	if c.subscriber != nil {
		stops = append(stops, c.subscriber.Stop)
	}
	if c.client != nil {
		stops = append(stops, c.client.Stop)
	}
	stops = append(stops, stopOf(c.dispatcher))

	err := c.rollback(ctx, stops, c.ch, c.conn)
	c.ch = nil
	c.conn = nil
	c.started = false
	if err != nil {
		return fmt.Errorf("stop %s: %w", c.def.Name, err)
	}
	c.Logger.Debug("Service stopped", nil)
	return nil
}

// Started reports whether the container is running.
func (c *Container) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// DispatchEvent publishes an event from this service.
func (c *Container) DispatchEvent(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	dispatcher := c.dispatcher
	c.mu.Unlock()
	if dispatcher == nil {
		return fmt.Errorf("dispatch %s.%s: %w", c.def.Name, event, errspkg.ErrNotStarted)
	}
	return dispatcher.Dispatch(ctx, event, payload)
}

// Proxy returns the proxy for target, which must be listed in ProxyTargets.
func (c *Container) Proxy(target string) (*Proxy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setupLocked(); err != nil {
		return nil, err
	}
	p, ok := c.proxies[target]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a proxy target of %q", errspkg.ErrUnknownProxy, target, c.def.Name)
	}
	return p, nil
}

// ContainerStatus is a point-in-time view of a container.
type ContainerStatus struct {
	Service      string             `json:"service"`
	Started      bool               `json:"started"`
	RPCQueue     string             `json:"rpc_queue,omitempty"`
	RPCMethods   []string           `json:"rpc_methods,omitempty"`
	EventQueues  map[string]string  `json:"event_queues,omitempty"`
	EventsOut    string             `json:"events_exchange"`
	ReplyQueue   string             `json:"reply_queue,omitempty"`
	ProxyTargets []string           `json:"proxy_targets,omitempty"`
	PendingCalls int                `json:"pending_calls"`
	Entrypoints  []*EntrypointStats `json:"entrypoints"`
}

// Status reports the queues in use and the statistics of each entrypoint.
func (c *Container) Status() ContainerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := ContainerStatus{
		Service:      c.def.Name,
		Started:      c.started,
		RPCMethods:   sortedKeys(c.def.RPCMethods),
		EventsOut:    wire.EventsExchangeName(c.def.Name),
		ProxyTargets: append([]string(nil), c.def.ProxyTargets...),
	}
	if c.rpcServer != nil && c.started {
		status.RPCQueue = c.rpcServer.Queue()
	}
	var eventQueues map[string]string
	if c.subscriber != nil {
		eventQueues = c.subscriber.Queues()
		if len(eventQueues) > 0 {
			status.EventQueues = eventQueues
		}
	}
	if c.client != nil {
		status.ReplyQueue = c.client.ReplyQueue()
		status.PendingCalls = c.client.Pending()
	}

	keys := make([]string, 0, len(c.stats))
	for k := range c.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		snap := c.stats[k].Snapshot()
		if snap.Kind == EntrypointEvent {
			snap.Queue = eventQueues[snap.Name]
		}
		status.Entrypoints = append(status.Entrypoints, snap)
	}
	return status
}
