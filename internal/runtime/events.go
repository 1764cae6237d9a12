package runtime

import (
	"context"
	"errors"
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

// EventQueueName returns the queue an event handler of service consumes
// from. Broadcast queues get a fresh random suffix on every call.
func EventQueueName(policy DispatchPolicy, source, event, service, method string) (string, error) {
	if policy == "" {
		policy = Broadcast
	}
	broadcastID := ""
	if policy == Broadcast {
		broadcastID = idspkg.NewUUID()
	}
	return wire.EventQueueName(policy, source, event, service, method, broadcastID)
}

type eventEntrypoint struct {
	key     string
	source  string
	event   string
	method  string
	binding EventBinding
}

// EventSubscriber consumes the events a service listens to, one queue per
// handler.
type EventSubscriber struct {
	service     string
	entrypoints []eventEntrypoint
	logger      loggingpkg.ServiceLogger
	limit       int
	wrap        func(InvokeFunc) InvokeFunc
	sc          *ServiceContext

	mu     sync.Mutex
	ch     transport.Channel
	tags   []string
	queues map[string]string
}

func newEventSubscriber(def ServiceDefinition, conf *configpkg.Config, logger loggingpkg.ServiceLogger,
	wrap func(InvokeFunc) InvokeFunc, sc *ServiceContext) (*EventSubscriber, error) {
	s := &EventSubscriber{
		service: def.Name,
		logger:  logger,
		limit:   conf.ParentCallsTracked,
		wrap:    wrap,
		sc:      sc,
	}
	for _, key := range sortedKeys(def.EventHandlers) {
		source, event, err := wire.SplitEventKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidConfiguration, err)
		}
		binding := def.EventHandlers[key]
		method := binding.Method
		if method == "" {
			method = wire.DefaultMethodLabel(conf.EventMethodPrefix, event)
		}
		s.entrypoints = append(s.entrypoints, eventEntrypoint{
			key:     key,
			source:  source,
			event:   event,
			method:  method,
			binding: binding,
		})
	}
	return s, nil
}

// Queues maps each "{source}.{event}" key to the queue consumed for it while
// started.
func (s *EventSubscriber) Queues() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.queues))
	for k, v := range s.queues {
		out[k] = v
	}
	return out
}

// Start declares and binds one queue per handler and begins consuming. On
// failure the consumers started so far are cancelled.
func (s *EventSubscriber) Start(ctx context.Context, ch transport.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		return errspkg.InvalidState("event subscriber of %q already started", s.service)
	}

	s.ch = ch
	s.queues = make(map[string]string, len(s.entrypoints))

	base := context.WithoutCancel(ctx)
	for _, ep := range s.entrypoints {
		if err := s.startEntrypoint(ctx, base, ch, ep); err != nil {
			cancelErr := s.cancelLocked(ctx)
			return errors.Join(err, cancelErr)
		}
	}
	return nil
}

func (s *EventSubscriber) startEntrypoint(ctx, base context.Context, ch transport.Channel, ep eventEntrypoint) error {
	exchange := wire.EventsExchangeName(ep.source)
	err := ch.DeclareExchange(ctx, exchange, transport.ExchangeOptions{
		Kind:       transport.ExchangeTopic,
		Durable:    true,
		AutoDelete: true,
	})
	if err != nil {
		return fmt.Errorf("declare events exchange %s: %w", exchange, err)
	}

	queue, err := EventQueueName(ep.binding.policy(), ep.source, ep.event, s.service, ep.method)
	if err != nil {
		return err
	}
	if err := ch.DeclareQueue(ctx, queue, transport.QueueOptions{Durable: true, AutoDelete: true}); err != nil {
		return fmt.Errorf("declare event queue %s: %w", queue, err)
	}
	if err := ch.BindQueue(ctx, queue, exchange, ep.event); err != nil {
		return fmt.Errorf("bind event queue %s: %w", queue, err)
	}

	tag, err := ch.Consume(ctx, queue, s.deliveryHandler(base, ch, ep, queue))
	if err != nil {
		return fmt.Errorf("consume event queue %s: %w", queue, err)
	}
	s.tags = append(s.tags, tag)
	s.queues[ep.key] = queue

	s.logger.Debug("Event handler consuming", loggingpkg.LogFields{
		"event":  ep.key,
		"queue":  queue,
		"policy": string(ep.binding.policy()),
	})
	return nil
}

func (s *EventSubscriber) deliveryHandler(base context.Context, ch transport.Channel, ep eventEntrypoint, queue string) transport.DeliveryHandler {
	return func(d transport.Delivery) {
		defer func() {
			if err := ch.Ack(d); err != nil {
				s.logger.Error("Failed to ack event", err, loggingpkg.LogFields{"event": ep.key, "queue": queue})
			}
		}()

		var payload any
		if err := wire.Unmarshal(d.Body, &payload); err != nil {
			s.logger.Error("Dropping event with malformed payload", err, loggingpkg.LogFields{
				"event": ep.key,
				"queue": queue,
			})
			return
		}

		parent := metadatapkg.Metadata(d.Headers).CallIDStack()
		stack := metadatapkg.PushCallID(parent,
			fmt.Sprintf("%s.%s.%s", s.service, ep.method, idspkg.NewUUID()), s.limit)
		ctx := metadatapkg.ContextWithCallIDStack(base, stack)

		evt := &Event{
			Source:        ep.source,
			Name:          ep.event,
			Payload:       payload,
			Body:          d.Body,
			CorrelationID: d.MessageID,
			CallIDStack:   parent,
		}
		inv := &Invocation{
			Service:       s.service,
			Kind:          EntrypointEvent,
			Name:          ep.key,
			Queue:         queue,
			CorrelationID: d.MessageID,
			CallIDStack:   stack,
			Event:         evt,
		}

		handler := ep.binding.Handler
		_, err := s.wrap(func(ctx context.Context, inv *Invocation) (any, error) {
			return nil, handler.Handle(ctx, s.sc, *inv.Event)
		})(ctx, inv)
		if err != nil {
			s.logger.Error("Error while handling event", err, loggingpkg.LogFields{
				"event": ep.key,
				"queue": queue,
			})
		}
	}
}

// Stop cancels every consumer. It is a no-op when not started.
func (s *EventSubscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(ctx)
}

func (s *EventSubscriber) cancelLocked(ctx context.Context) error {
	if s.ch == nil {
		return nil
	}
	var errs []error
	for _, tag := range s.tags {
		if err := s.ch.Cancel(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("cancel consumer %s: %w", tag, err))
		}
	}
	s.tags = nil
	s.queues = nil
	s.ch = nil
	return errors.Join(errs...)
}
