package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	configpkg "github.com/drblury/nameko/internal/runtime/config"
	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	idspkg "github.com/drblury/nameko/internal/runtime/ids"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	metadatapkg "github.com/drblury/nameko/internal/runtime/metadata"
	"github.com/drblury/nameko/internal/runtime/wire"
	"github.com/drblury/nameko/transport"
)

type callResult struct {
	value any
	err   error
}

// pendingCall is one outgoing call waiting for its reply. Whoever removes it
// from the table first (reply, timeout or cancellation) owns the outcome.
type pendingCall struct {
	target string
	method string
	result chan callResult
}

// ProxyClient sends RPC requests for a service and routes replies from its
// exclusive reply queue back to the waiting callers.
type ProxyClient struct {
	service  string
	exchange string
	prefix   string
	timeout  time.Duration
	limit    int
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics
	limiter  *rate.Limiter

	mu         sync.RWMutex
	ch         transport.Channel
	replyID    string
	replyQueue string
	tag        string

	pending      sync.Map
	pendingCount atomic.Int64
}

// NewProxyClient creates a client calling on behalf of service.
func NewProxyClient(service string, conf *configpkg.Config, logger loggingpkg.ServiceLogger, metrics *Metrics) *ProxyClient {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	c := &ProxyClient{
		service:  service,
		exchange: conf.RPCExchange,
		prefix:   conf.ReplyQueuePrefix,
		timeout:  conf.RPCTimeout,
		limit:    conf.ParentCallsTracked,
		logger:   logger,
		metrics:  metrics,
	}
	if conf.RPCCallRateLimit > 0 {
		burst := conf.RPCCallBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(conf.RPCCallRateLimit), burst)
	}
	return c
}

// ReplyQueue returns the reply queue name while started.
func (c *ProxyClient) ReplyQueue() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replyQueue
}

// Pending returns the number of calls waiting for a reply.
func (c *ProxyClient) Pending() int {
	return int(c.pendingCount.Load())
}

// Start declares the RPC exchange and a fresh exclusive reply queue bound
// with a random routing key, and begins consuming replies.
func (c *ProxyClient) Start(ctx context.Context, ch transport.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return errspkg.InvalidState("proxy consumer of %q already started", c.service)
	}

	err := ch.DeclareExchange(ctx, c.exchange, transport.ExchangeOptions{
		Kind:    transport.ExchangeTopic,
		Durable: true,
	})
	if err != nil {
		return fmt.Errorf("declare rpc exchange %s: %w", c.exchange, err)
	}

	replyID := idspkg.NewUUID()
	queue := wire.ReplyQueueName(c.prefix, c.service, replyID)
	if err := ch.DeclareQueue(ctx, queue, transport.QueueOptions{AutoDelete: true, Exclusive: true}); err != nil {
		return fmt.Errorf("declare reply queue %s: %w", queue, err)
	}
	if err := ch.BindQueue(ctx, queue, c.exchange, replyID); err != nil {
		return fmt.Errorf("bind reply queue %s: %w", queue, err)
	}
	tag, err := ch.Consume(ctx, queue, c.replyHandler(ch))
	if err != nil {
		return fmt.Errorf("consume reply queue %s: %w", queue, err)
	}

	c.ch = ch
	c.replyID = replyID
	c.replyQueue = queue
	c.tag = tag
	return nil
}

// Stop cancels the reply consumer. Calls still waiting run into their
// timeout or context.
func (c *ProxyClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return nil
	}
	err := c.ch.Cancel(ctx, c.tag)
	c.ch = nil
	c.tag = ""
	c.replyID = ""
	c.replyQueue = ""
	if err != nil {
		return fmt.Errorf("cancel reply consumer of %q: %w", c.service, err)
	}
	return nil
}

// Call invokes target.method and waits for the reply. nil args and kwargs
// are sent as an empty list and map.
func (c *ProxyClient) Call(ctx context.Context, target, method string, args []any, kwargs map[string]any) (result any, err error) {
	c.mu.RLock()
	ch, replyID := c.ch, c.replyID
	c.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("call %s.%s: %w", target, method, errspkg.ErrNotStarted)
	}
	if c.timeout <= 0 {
		return nil, errspkg.InvalidConfiguration("call %s.%s: rpc timeout must be positive, got %s", target, method, c.timeout)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("call %s.%s: %w", target, method, err)
		}
	}

	body, err := wire.EncodeRequest(args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode request %s.%s: %w", target, method, err)
	}

	correlationID := idspkg.NewUUID()
	ctx, span := otel.Tracer(TracerName).Start(ctx, "rpc.call "+wire.RPCRoutingKey(target, method),
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("rpc.service", target),
		attribute.String("rpc.method", method),
		attribute.String("nameko.correlation_id", correlationID),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveCall(c.service, target, method, time.Since(start), err)
	}()

	stack := metadatapkg.PushCallID(metadatapkg.CallIDStackFromContext(ctx),
		fmt.Sprintf("%s_proxy.call.%s.%s", c.prefix, target, method), c.limit)

	call := &pendingCall{target: target, method: method, result: make(chan callResult, 1)}
	c.pending.Store(correlationID, call)
	c.pendingCount.Add(1)
	c.metrics.AddPending(c.service, 1)

	err = ch.Publish(ctx, c.exchange, wire.RPCRoutingKey(target, method), transport.Publishing{
		ContentType:     wire.ContentType,
		ContentEncoding: wire.ContentEncoding,
		CorrelationID:   correlationID,
		ReplyTo:         replyID,
		Headers:         transport.Headers(metadatapkg.Metadata{}.WithCallIDStack(stack)),
		Body:            body,
	})
	if err != nil {
		c.take(correlationID)
		return nil, fmt.Errorf("publish request %s.%s: %w", target, method, err)
	}

	c.logger.Debug("Rpc call sent", loggingpkg.LogFields{
		"rpc":            wire.RPCRoutingKey(target, method),
		"correlation_id": correlationID,
	})

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-call.result:
		return res.value, res.err
	case <-timer.C:
		if c.take(correlationID) {
			return nil, &errspkg.CallTimeoutError{Service: target, Method: method, Timeout: c.timeout}
		}
	case <-ctx.Done():
		if c.take(correlationID) {
			return nil, fmt.Errorf("call %s.%s: %w", target, method, ctx.Err())
		}
	}
	// The reply handler removed the call first; its result is on the way.
	res := <-call.result
	return res.value, res.err
}

// take removes a pending call and reports whether this caller removed it.
func (c *ProxyClient) take(correlationID string) bool {
	if _, ok := c.pending.LoadAndDelete(correlationID); ok {
		c.pendingCount.Add(-1)
		c.metrics.AddPending(c.service, -1)
		return true
	}
	return false
}

func (c *ProxyClient) replyHandler(ch transport.Channel) transport.DeliveryHandler {
	return func(d transport.Delivery) {
		defer func() {
			if err := ch.Ack(d); err != nil {
				c.logger.Error("Failed to ack rpc reply", err, loggingpkg.LogFields{"correlation_id": d.CorrelationID})
			}
		}()

		v, ok := c.pending.LoadAndDelete(d.CorrelationID)
		if !ok {
			c.logger.Info("correlationId does not exist, reply sent twice or timed out",
				loggingpkg.LogFields{"correlation_id": d.CorrelationID})
			return
		}
		c.pendingCount.Add(-1)
		c.metrics.AddPending(c.service, -1)
		call := v.(*pendingCall)

		reply, err := wire.DecodeReply(d.Body)
		switch {
		case err != nil:
			call.result <- callResult{err: fmt.Errorf("%s.%s: %w", call.target, call.method, err)}
		case reply.Error != nil:
			call.result <- callResult{err: &errspkg.RemoteError{
				Kind:    reply.Error.ExcType,
				Args:    reply.Error.ExcArgs,
				Message: reply.Error.Value,
			}}
		default:
			call.result <- callResult{value: reply.Result}
		}
	}
}

// Proxy calls the methods of one target service through a ProxyClient.
type Proxy struct {
	client *ProxyClient
	target string
}

// NewProxy binds client to target.
func NewProxy(client *ProxyClient, target string) *Proxy {
	return &Proxy{client: client, target: target}
}

// Service returns the target service name.
func (p *Proxy) Service() string {
	return p.target
}

// Call invokes method with positional arguments.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	return p.client.Call(ctx, p.target, method, args, nil)
}

// CallWithKwargs invokes method with positional and keyword arguments.
func (p *Proxy) CallWithKwargs(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return p.client.Call(ctx, p.target, method, args, kwargs)
}
