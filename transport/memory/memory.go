// Package memory is an in-process AMQP-like broker. It implements topic,
// direct and fanout exchanges, competing consumers, auto-delete and exclusive
// queues so containers can be exercised without RabbitMQ. Each Broker is
// independent; tests should create their own with NewBroker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/nameko/internal/runtime/ids"
	"github.com/drblury/nameko/transport"
)

// Scheme is the URL scheme served by the default broker.
const Scheme = "memory"

var ErrClosed = errors.New("memory: channel or connection is closed")

// Default backs the memory:// scheme in the default registry.
var Default = NewBroker()

func init() {
	Register()
}

// Register adds the memory scheme, served by Default, to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Scheme, Default.Dial, Capabilities())
}

// Capabilities returns what this transport reports to the registry.
func Capabilities() transport.Capabilities {
	return transport.Capabilities{Name: "memory"}
}

// Broker holds exchanges, queues and connections.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Connection]struct{}
	nextTag   uint64
}

type exchange struct {
	name     string
	opts     transport.ExchangeOptions
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name      string
	opts      transport.QueueOptions
	owner     *Connection
	consumers []*consumer
	next      int
	backlog   []transport.Delivery
}

type consumer struct {
	tag     string
	channel *Channel
	handler transport.DeliveryHandler
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Connection]struct{}),
	}
}

// Dial opens a connection. The URL is ignored.
func (b *Broker) Dial(ctx context.Context, _ string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &Connection{broker: b}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	return conn, nil
}

// Dialer returns b.Dial as a transport.Dialer.
func (b *Broker) Dialer() transport.Dialer {
	return b.Dial
}

// Reset closes every connection and drops all exchanges and queues.
func (b *Broker) Reset() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	b.mu.Lock()
	b.exchanges = make(map[string]*exchange)
	b.queues = make(map[string]*queue)
	b.mu.Unlock()
}

// Exchanges lists declared exchange names in sorted order.
func (b *Broker) Exchanges() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.exchanges)
}

// ExchangeOptions returns the options an exchange was declared with.
func (b *Broker) ExchangeOptions(name string) (transport.ExchangeOptions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return transport.ExchangeOptions{}, false
	}
	return ex.opts, true
}

// Queues lists declared queue names in sorted order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.queues)
}

// QueueOptions returns the options a queue was declared with.
func (b *Broker) QueueOptions(name string) (transport.QueueOptions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return transport.QueueOptions{}, false
	}
	return q.opts, true
}

// Bindings lists "exchange:key" entries bound to queue.
func (b *Broker) Bindings(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ex := range b.exchanges {
		for _, bd := range ex.bindings {
			if bd.queue == queueName {
				out = append(out, ex.name+":"+bd.key)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ConsumerCount reports the consumers attached to queue.
func (b *Broker) ConsumerCount(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// BacklogLen reports the messages waiting in queue for a consumer.
func (b *Broker) BacklogLen(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.backlog)
	}
	return 0
}

// ConnectionCount reports open connections.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Connection is a broker connection.
type Connection struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	channels []*Channel
}

func (c *Connection) Channel(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &Channel{conn: c, broker: c.broker, unacked: make(map[uint64]struct{})}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close closes every channel and deletes the exclusive queues owned by c.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		if q.owner == c {
			b.deleteQueueLocked(name)
		}
	}
	delete(b.conns, c)
	return nil
}

// Channel is a session on a Connection.
type Channel struct {
	conn   *Connection
	broker *Broker

	mu      sync.Mutex
	closed  bool
	tags    []string
	unacked map[uint64]struct{}
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) DeclareExchange(_ context.Context, name string, opts transport.ExchangeOptions) error {
	if ch.isClosed() {
		return ErrClosed
	}
	if name == "" {
		return errors.New("memory: exchange name is required")
	}
	if opts.Kind == "" {
		opts.Kind = transport.ExchangeTopic
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = &exchange{name: name, opts: opts}
	}
	return nil
}

func (ch *Channel) DeclareQueue(_ context.Context, name string, opts transport.QueueOptions) error {
	if ch.isClosed() {
		return ErrClosed
	}
	if name == "" {
		return errors.New("memory: queue name is required")
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != ch.conn {
			return fmt.Errorf("memory: queue %q is exclusive to another connection", name)
		}
		return nil
	}
	q := &queue{name: name, opts: opts}
	if opts.Exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return nil
}

func (ch *Channel) BindQueue(_ context.Context, queueName, exchangeName, routingKey string) error {
	if ch.isClosed() {
		return ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("memory: no exchange %q", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("memory: no queue %q", queueName)
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == routingKey {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: routingKey})
	return nil
}

// Publish routes msg to every queue bound to exchange with a matching key.
// The empty exchange name routes directly to the queue named routingKey.
// Messages that match no queue are dropped.
func (ch *Channel) Publish(_ context.Context, exchangeName, routingKey string, msg transport.Publishing) error {
	if ch.isClosed() {
		return ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	var targets []string
	if exchangeName == "" {
		if _, ok := b.queues[routingKey]; ok {
			targets = append(targets, routingKey)
		}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return fmt.Errorf("memory: no exchange %q", exchangeName)
		}
		seen := make(map[string]struct{})
		for _, bd := range ex.bindings {
			if _, dup := seen[bd.queue]; dup {
				continue
			}
			if routes(ex.opts.Kind, bd.key, routingKey) {
				seen[bd.queue] = struct{}{}
				targets = append(targets, bd.queue)
			}
		}
	}

	for _, name := range targets {
		d := transport.Delivery{
			Publishing: clonePublishing(msg),
			Exchange:   exchangeName,
			RoutingKey: routingKey,
		}
		b.enqueueLocked(b.queues[name], d)
	}
	return nil
}

func (b *Broker) enqueueLocked(q *queue, d transport.Delivery) {
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, d)
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++

	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.ConsumerTag = c.tag

	c.channel.mu.Lock()
	c.channel.unacked[d.DeliveryTag] = struct{}{}
	c.channel.mu.Unlock()

	go c.handler(d)
}

func (ch *Channel) Consume(_ context.Context, queueName string, handler transport.DeliveryHandler) (string, error) {
	if ch.isClosed() {
		return "", ErrClosed
	}
	if handler == nil {
		return "", errors.New("memory: delivery handler is required")
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return "", fmt.Errorf("memory: no queue %q", queueName)
	}

	tag := ids.ConsumerTag(queueName)
	q.consumers = append(q.consumers, &consumer{tag: tag, channel: ch, handler: handler})

	ch.mu.Lock()
	ch.tags = append(ch.tags, tag)
	ch.mu.Unlock()

	backlog := q.backlog
	q.backlog = nil
	for _, d := range backlog {
		b.enqueueLocked(q, d)
	}
	return tag, nil
}

func (ch *Channel) Ack(d transport.Delivery) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	if _, ok := ch.unacked[d.DeliveryTag]; !ok {
		return fmt.Errorf("memory: unknown delivery tag %d", d.DeliveryTag)
	}
	delete(ch.unacked, d.DeliveryTag)
	return nil
}

// Cancel detaches a consumer. An auto-delete queue goes away with its last
// consumer.
func (ch *Channel) Cancel(_ context.Context, consumerTag string) error {
	if ch.isClosed() {
		return ErrClosed
	}
	ch.broker.cancelConsumer(consumerTag)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, tag := range ch.tags {
		if tag == consumerTag {
			ch.tags = append(ch.tags[:i], ch.tags[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Broker) cancelConsumer(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		for i, c := range q.consumers {
			if c.tag != tag {
				continue
			}
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.opts.AutoDelete && len(q.consumers) == 0 {
				b.deleteQueueLocked(name)
			}
			return
		}
	}
}

func (b *Broker) deleteQueueLocked(name string) {
	delete(b.queues, name)
	for exName, ex := range b.exchanges {
		kept := ex.bindings[:0]
		removed := false
		for _, bd := range ex.bindings {
			if bd.queue == name {
				removed = true
				continue
			}
			kept = append(kept, bd)
		}
		ex.bindings = kept
		if removed && ex.opts.AutoDelete && len(ex.bindings) == 0 {
			delete(b.exchanges, exName)
		}
	}
}

// Close cancels the channel's consumers. Unacked deliveries are dropped.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	tags := ch.tags
	ch.tags = nil
	ch.unacked = make(map[uint64]struct{})
	ch.mu.Unlock()

	for _, tag := range tags {
		ch.broker.cancelConsumer(tag)
	}
	return nil
}

func clonePublishing(msg transport.Publishing) transport.Publishing {
	out := msg
	if msg.Body != nil {
		out.Body = append([]byte(nil), msg.Body...)
	}
	if msg.Headers != nil {
		out.Headers = make(transport.Headers, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

func routes(kind, bindingKey, routingKey string) bool {
	switch kind {
	case transport.ExchangeFanout:
		return true
	case transport.ExchangeDirect:
		return bindingKey == routingKey
	default:
		return TopicMatch(bindingKey, routingKey)
	}
}

// TopicMatch reports whether routingKey matches an AMQP topic pattern, where
// "*" matches exactly one word and "#" matches zero or more words.
func TopicMatch(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
