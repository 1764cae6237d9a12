// Package transport defines the broker port used by nameko containers. Each
// implementation (amqp, memory) lives in its own sub-package and registers a
// Dialer for the URL schemes it serves.
package transport

import "context"

// Exchange kinds.
const (
	ExchangeTopic  = "topic"
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
)

// Delivery modes.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// ExchangeOptions configures DeclareExchange.
type ExchangeOptions struct {
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueOptions configures DeclareQueue.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Headers are AMQP table values. Lists are represented as []any.
type Headers map[string]any

// Publishing is an outgoing message.
type Publishing struct {
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	CorrelationID   string
	ReplyTo         string
	MessageID       string
	Headers         Headers
	Body            []byte
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Publishing

	Exchange    string
	RoutingKey  string
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
}

// DeliveryHandler receives deliveries for one consumer. Implementations call
// it from their own goroutines and may run several invocations concurrently.
type DeliveryHandler func(Delivery)

// Channel is a logical session on a broker connection.
type Channel interface {
	DeclareExchange(ctx context.Context, name string, opts ExchangeOptions) error
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
	// Consume starts delivering messages from queue and returns the consumer tag.
	Consume(ctx context.Context, queue string, handler DeliveryHandler) (string, error)
	Ack(d Delivery) error
	Cancel(ctx context.Context, consumerTag string) error
	Close() error
}

// Connection is a broker connection that hands out channels.
type Connection interface {
	Channel(ctx context.Context) (Channel, error)
	Close() error
}

// Dialer opens a connection to the broker at url.
type Dialer func(ctx context.Context, url string) (Connection, error)
