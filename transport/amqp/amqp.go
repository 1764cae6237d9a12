// Package amqp connects nameko containers to RabbitMQ (or any AMQP 0-9-1
// broker) through rabbitmq/amqp091-go. Importing it registers the amqp and
// amqps URL schemes with the default transport registry.
package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/nameko/internal/runtime/ids"
	"github.com/drblury/nameko/transport"
)

const (
	SchemeAMQP  = "amqp"
	SchemeAMQPS = "amqps"
)

// ConnectionName is advertised to the broker and shows up in the management UI.
var ConnectionName = "nameko-go"

// TLSConfig is used for amqps URLs when set. A nil value lets amqp091-go
// derive a default configuration from the URL host.
var TLSConfig *tls.Config

// Capabilities returns what this transport reports to the registry.
func Capabilities() transport.Capabilities {
	return transport.Capabilities{Name: "rabbitmq", Distributed: true, Durable: true, SupportsTLS: true}
}

// AMQPChannel is the subset of *amqp091.Channel used by the adapter.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

// AMQPConnection is the subset of *amqp091.Connection used by the adapter.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(url string, cfg amqp091.Config) (AMQPConnection, error) {
	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return connectionWrapper{conn: conn}, nil
}

type connectionWrapper struct {
	conn *amqp091.Connection
}

func (w connectionWrapper) Channel() (AMQPChannel, error) {
	ch, err := w.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (w connectionWrapper) Close() error {
	return w.conn.Close()
}

func init() {
	Register()
}

// Register adds the amqp and amqps schemes to the default registry.
func Register() {
	transport.RegisterWithCapabilities(SchemeAMQP, Dial, Capabilities())
	transport.RegisterWithCapabilities(SchemeAMQPS, Dial, Capabilities())
}

// Dial opens an AMQP connection to url.
func Dial(ctx context.Context, url string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(ConnectionName)

	conn, err := ConnectionFactory(url, amqp091.Config{
		Properties:      props,
		TLSClientConfig: TLSConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}
	return &Connection{conn: conn}, nil
}

// Connection adapts an AMQP connection to transport.Connection.
type Connection struct {
	conn AMQPConnection
}

func (c *Connection) Channel(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return &Channel{ch: ch, consumers: make(map[string]chan struct{})}, nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// Channel adapts an AMQP channel to transport.Channel.
type Channel struct {
	ch AMQPChannel

	mu        sync.Mutex
	consumers map[string]chan struct{}
}

func (c *Channel) DeclareExchange(_ context.Context, name string, opts transport.ExchangeOptions) error {
	kind := opts.Kind
	if kind == "" {
		kind = transport.ExchangeTopic
	}
	return c.ch.ExchangeDeclare(name, kind, opts.Durable, opts.AutoDelete, false, false, nil)
}

func (c *Channel) DeclareQueue(_ context.Context, name string, opts transport.QueueOptions) error {
	_, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
	return err
}

func (c *Channel) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		Headers:         toTable(msg.Headers),
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		CorrelationId:   msg.CorrelationID,
		ReplyTo:         msg.ReplyTo,
		MessageId:       msg.MessageID,
		Body:            msg.Body,
	})
}

// Consume runs handler in a new goroutine for every delivery.
func (c *Channel) Consume(_ context.Context, queue string, handler transport.DeliveryHandler) (string, error) {
	tag := ids.ConsumerTag(queue)
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return "", err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.consumers[tag] = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for d := range deliveries {
			go handler(fromDelivery(d))
		}
	}()
	return tag, nil
}

func (c *Channel) Ack(d transport.Delivery) error {
	return c.ch.Ack(d.DeliveryTag, false)
}

// Cancel stops the consumer and waits until its delivery loop has drained
// or ctx is done.
func (c *Channel) Cancel(ctx context.Context, consumerTag string) error {
	c.mu.Lock()
	done, ok := c.consumers[consumerTag]
	delete(c.consumers, consumerTag)
	c.mu.Unlock()

	if err := c.ch.Cancel(consumerTag, false); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Close() error {
	return c.ch.Close()
}

func fromDelivery(d amqp091.Delivery) transport.Delivery {
	return transport.Delivery{
		Publishing: transport.Publishing{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			DeliveryMode:    d.DeliveryMode,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			MessageID:       d.MessageId,
			Headers:         fromTable(d.Headers),
			Body:            d.Body,
		},
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		ConsumerTag: d.ConsumerTag,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
	}
}

func toTable(h transport.Headers) amqp091.Table {
	if len(h) == 0 {
		return nil
	}
	table := make(amqp091.Table, len(h))
	for k, v := range h {
		if list, ok := v.([]string); ok {
			values := make([]any, len(list))
			for i, s := range list {
				values[i] = s
			}
			table[k] = values
			continue
		}
		table[k] = v
	}
	return table
}

func fromTable(t amqp091.Table) transport.Headers {
	if len(t) == 0 {
		return nil
	}
	headers := make(transport.Headers, len(t))
	for k, v := range t {
		headers[k] = v
	}
	return headers
}
