package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	idspkg "github.com/drblury/nameko/internal/runtime/ids"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	metadatapkg "github.com/drblury/nameko/internal/runtime/metadata"
	"github.com/drblury/nameko/internal/runtime/wire"
	"github.com/drblury/nameko/transport"
)

// EventDispatcher publishes the events of one service on its
// "{service}.events" exchange.
type EventDispatcher struct {
	service  string
	exchange string
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics

	mu sync.RWMutex
	ch transport.Channel
}

// NewEventDispatcher creates a dispatcher for service. It does nothing until
// Start.
func NewEventDispatcher(service string, logger loggingpkg.ServiceLogger, metrics *Metrics) *EventDispatcher {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &EventDispatcher{
		service:  service,
		exchange: wire.EventsExchangeName(service),
		logger:   logger,
		metrics:  metrics,
	}
}

// Exchange returns the name of the exchange events are published on.
func (d *EventDispatcher) Exchange() string {
	return d.exchange
}

// Start declares the events exchange on ch.
func (d *EventDispatcher) Start(ctx context.Context, ch transport.Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ch != nil {
		return errspkg.InvalidState("event dispatcher of %q already started", d.service)
	}
	err := ch.DeclareExchange(ctx, d.exchange, transport.ExchangeOptions{
		Kind:       transport.ExchangeTopic,
		Durable:    true,
		AutoDelete: true,
	})
	if err != nil {
		return fmt.Errorf("declare events exchange %s: %w", d.exchange, err)
	}
	d.ch = ch
	return nil
}

// Stop forgets the channel. Later dispatches fail with ErrNotStarted.
func (d *EventDispatcher) Stop() {
	d.mu.Lock()
	d.ch = nil
	d.mu.Unlock()
}

// Started reports whether Start succeeded and Stop has not been called.
func (d *EventDispatcher) Started() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ch != nil
}

// Dispatch JSON-encodes payload and publishes it with the event name as
// routing key. The call id stack attached to ctx travels with the event.
func (d *EventDispatcher) Dispatch(ctx context.Context, event string, payload any) (err error) {
	d.mu.RLock()
	ch := d.ch
	d.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("dispatch %s.%s: %w", d.service, event, errspkg.ErrNotStarted)
	}

	ctx, span := otel.Tracer(TracerName).Start(ctx, "event.dispatch "+d.service+"."+event,
		trace.WithSpanKind(trace.SpanKindProducer))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		d.metrics.ObserveDispatch(d.service, event, err)
	}()

	body, err := wire.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s.%s: %w", d.service, event, err)
	}

	messageID := idspkg.CreateULID()
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", d.exchange),
		attribute.String("messaging.message.id", messageID),
	)

	headers := metadatapkg.Metadata{}.WithCallIDStack(metadatapkg.CallIDStackFromContext(ctx))
	msg := transport.Publishing{
		ContentType:     wire.ContentType,
		ContentEncoding: wire.ContentEncoding,
		DeliveryMode:    transport.Persistent,
		MessageID:       messageID,
		Body:            body,
	}
	if len(headers) > 0 {
		msg.Headers = transport.Headers(headers)
	}

	if err := ch.Publish(ctx, d.exchange, event, msg); err != nil {
		return fmt.Errorf("publish event %s.%s: %w", d.service, event, err)
	}

	d.logger.Debug("Event dispatched", loggingpkg.LogFields{
		"exchange":   d.exchange,
		"event":      event,
		"message_id": messageID,
	})
	return nil
}
