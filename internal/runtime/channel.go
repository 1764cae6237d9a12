package runtime

import (
	"context"
	"sync"

	"github.com/drblury/nameko/transport"
)

// lockedChannel serializes every broker call made on a shared channel. RPC
// server, subscriber, proxy client and dispatcher of a container all use the
// same one.
type lockedChannel struct {
	mu    sync.Mutex
	inner transport.Channel
}

func newLockedChannel(ch transport.Channel) *lockedChannel {
	return &lockedChannel{inner: ch}
}

func (l *lockedChannel) DeclareExchange(ctx context.Context, name string, opts transport.ExchangeOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.DeclareExchange(ctx, name, opts)
}

func (l *lockedChannel) DeclareQueue(ctx context.Context, name string, opts transport.QueueOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.DeclareQueue(ctx, name, opts)
}

func (l *lockedChannel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.BindQueue(ctx, queue, exchange, routingKey)
}

func (l *lockedChannel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Publish(ctx, exchange, routingKey, msg)
}

func (l *lockedChannel) Consume(ctx context.Context, queue string, handler transport.DeliveryHandler) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Consume(ctx, queue, handler)
}

func (l *lockedChannel) Ack(d transport.Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Ack(d)
}

func (l *lockedChannel) Cancel(ctx context.Context, consumerTag string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Cancel(ctx, consumerTag)
}

func (l *lockedChannel) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Close()
}
