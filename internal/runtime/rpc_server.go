package runtime

import (
	"context"
	"fmt"
	"sync"

	configpkg "github.com/drblury/nameko/internal/runtime/config"
	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	idspkg "github.com/drblury/nameko/internal/runtime/ids"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	metadatapkg "github.com/drblury/nameko/internal/runtime/metadata"
	"github.com/drblury/nameko/internal/runtime/wire"
	"github.com/drblury/nameko/transport"
)

// RPCServer serves the RPC methods of one service from "rpc-{service}".
type RPCServer struct {
	service  string
	methods  map[string]RPCMethod
	exchange string
	queue    string
	limit    int
	logger   loggingpkg.ServiceLogger
	wrap     func(InvokeFunc) InvokeFunc
	sc       *ServiceContext

	mu  sync.Mutex
	ch  transport.Channel
	tag string
}

func newRPCServer(def ServiceDefinition, conf *configpkg.Config, logger loggingpkg.ServiceLogger,
	wrap func(InvokeFunc) InvokeFunc, sc *ServiceContext) *RPCServer {
	return &RPCServer{
		service:  def.Name,
		methods:  def.RPCMethods,
		exchange: conf.RPCExchange,
		queue:    wire.RPCQueueName(def.Name),
		limit:    conf.ParentCallsTracked,
		logger:   logger,
		wrap:     wrap,
		sc:       sc,
	}
}

// Queue returns the request queue name.
func (s *RPCServer) Queue() string {
	return s.queue
}

// Start declares the RPC exchange and request queue and begins consuming.
func (s *RPCServer) Start(ctx context.Context, ch transport.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		return errspkg.InvalidState("rpc consumer of %q already started", s.service)
	}

	err := ch.DeclareExchange(ctx, s.exchange, transport.ExchangeOptions{
		Kind:    transport.ExchangeTopic,
		Durable: true,
	})
	if err != nil {
		return fmt.Errorf("declare rpc exchange %s: %w", s.exchange, err)
	}
	if err := ch.DeclareQueue(ctx, s.queue, transport.QueueOptions{Durable: true, AutoDelete: true}); err != nil {
		return fmt.Errorf("declare rpc queue %s: %w", s.queue, err)
	}
	if err := ch.BindQueue(ctx, s.queue, s.exchange, wire.RPCBindingKey(s.service)); err != nil {
		return fmt.Errorf("bind rpc queue %s: %w", s.queue, err)
	}

	tag, err := ch.Consume(ctx, s.queue, s.deliveryHandler(context.WithoutCancel(ctx), ch))
	if err != nil {
		return fmt.Errorf("consume rpc queue %s: %w", s.queue, err)
	}
	s.ch = ch
	s.tag = tag
	return nil
}

// Stop cancels the consumer. It is a no-op when not started.
func (s *RPCServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		return nil
	}
	err := s.ch.Cancel(ctx, s.tag)
	s.ch = nil
	s.tag = ""
	if err != nil {
		return fmt.Errorf("cancel rpc consumer of %q: %w", s.service, err)
	}
	return nil
}

func (s *RPCServer) deliveryHandler(base context.Context, ch transport.Channel) transport.DeliveryHandler {
	return func(d transport.Delivery) {
		defer func() {
			if err := ch.Ack(d); err != nil {
				s.logger.Error("Failed to ack rpc request", err, loggingpkg.LogFields{"routing_key": d.RoutingKey})
			}
		}()

		service, method := wire.SplitRoutingKey(d.RoutingKey)
		fields := loggingpkg.LogFields{
			"rpc":            d.RoutingKey,
			"correlation_id": d.CorrelationID,
		}
		s.logger.Debug("Received rpc request", fields)
		if service != s.service {
			s.logger.Warn(fmt.Sprintf("Message service name '%s' does not match local service '%s'", service, s.service), fields)
		}

		reply := s.serve(base, d, method)
		s.reply(base, ch, d, reply, fields)
	}
}

func (s *RPCServer) serve(base context.Context, d transport.Delivery, method string) wire.Reply {
	req, err := wire.DecodeRequest(d.Body)
	if err != nil {
		return errorReply(errspkg.WithKind(fmt.Errorf("%w: %w", errspkg.ErrMalformedRequest, err), errspkg.KindMalformedRequest), string(d.Body))
	}

	stack := metadatapkg.PushCallID(metadatapkg.Metadata(d.Headers).CallIDStack(),
		fmt.Sprintf("%s.%s.%s", s.service, method, idspkg.NewUUID()), s.limit)
	ctx := metadatapkg.ContextWithCallIDStack(base, stack)

	inv := &Invocation{
		Service:       s.service,
		Kind:          EntrypointRPC,
		Name:          method,
		Queue:         s.queue,
		CorrelationID: d.CorrelationID,
		CallIDStack:   stack,
		Args:          req.Args,
	}
	if len(req.Kwargs) > 0 {
		inv.Kwargs = req.Kwargs
	}

	result, err := s.wrap(s.invokeMethod)(ctx, inv)
	if err != nil {
		return errorReply(err, req)
	}
	return wire.Reply{Result: result}
}

func (s *RPCServer) invokeMethod(ctx context.Context, inv *Invocation) (any, error) {
	m, ok := s.methods[inv.Name]
	if !ok {
		return nil, &errspkg.UnknownMethodError{Service: s.service, Method: inv.Name}
	}
	return m.Invoke(ctx, s.sc, inv.Args, inv.Kwargs)
}

func (s *RPCServer) reply(ctx context.Context, ch transport.Channel, d transport.Delivery, reply wire.Reply, fields loggingpkg.LogFields) {
	if reply.Error != nil {
		errFields := loggingpkg.LogFields{"exc_type": reply.Error.ExcType, "value": reply.Error.Value}
		for k, v := range fields {
			errFields[k] = v
		}
		s.logger.Error(fmt.Sprintf("Error while handling rpc '%s'", d.RoutingKey), nil, errFields)
	}
	if d.ReplyTo == "" {
		s.logger.Warn("Dropping rpc reply without reply_to", fields)
		return
	}

	body, err := wire.EncodeReply(reply)
	if err != nil {
		body, err = wire.EncodeReply(errorReply(
			errspkg.WithKind(fmt.Errorf("result is not serializable: %w", err), errspkg.KindUnserializable), nil))
		if err != nil {
			s.logger.Error("Failed to encode rpc reply", err, fields)
			return
		}
	}

	err = ch.Publish(ctx, s.exchange, d.ReplyTo, transport.Publishing{
		ContentType:     wire.ContentType,
		ContentEncoding: wire.ContentEncoding,
		CorrelationID:   d.CorrelationID,
		Body:            body,
	})
	if err != nil {
		s.logger.Error("Failed to publish rpc reply", err, fields)
	}
}

func errorReply(err error, excArgs any) wire.Reply {
	return wire.Reply{Error: &wire.ErrorPayload{
		ExcType: errspkg.Kind(err),
		ExcArgs: excArgs,
		Value:   err.Error(),
	}}
}
