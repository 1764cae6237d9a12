package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	"github.com/drblury/nameko/transport"
	"github.com/drblury/nameko/transport/memory"
)

func countingListener(name string, policy DispatchPolicy, counter *atomic.Int64) ServiceDefinition {
	return ServiceDefinition{
		Name: name,
		EventHandlers: map[string]EventBinding{
			"emitter.ping": OnEvent(policy, func(context.Context, *ServiceContext, Event) error {
				counter.Add(1)
				return nil
			}),
		},
	}
}

func startEmitter(t *testing.T, broker *memory.Broker) *Container {
	t.Helper()
	return startContainer(t, broker, ServiceDefinition{Name: "emitter"}, nil, ContainerDependencies{})
}

func dispatchN(t *testing.T, c *Container, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.DispatchEvent(context.Background(), "ping", map[string]any{"n": i}))
	}
}

func settle() { time.Sleep(50 * time.Millisecond) }

func TestEventsBroadcastReachesEveryInstance(t *testing.T) {
	broker := memory.NewBroker()
	var first, second atomic.Int64
	a := startContainer(t, broker, countingListener("listener", Broadcast, &first), nil, ContainerDependencies{})
	b := startContainer(t, broker, countingListener("listener", "", &second), nil, ContainerDependencies{})
	emitter := startEmitter(t, broker)

	dispatchN(t, emitter, 3)

	require.Eventually(t, func() bool { return first.Load() == 3 && second.Load() == 3 }, waitFor, tick)

	qa := a.Status().EventQueues["emitter.ping"]
	qb := b.Status().EventQueues["emitter.ping"]
	assert.True(t, strings.HasPrefix(qa, "evt-emitter-ping--listener.go_ping-"), qa)
	assert.NotEqual(t, qa, qb)
}

func TestEventsServicePoolSharesWithinService(t *testing.T) {
	broker := memory.NewBroker()
	var first, second, auditor atomic.Int64
	a := startContainer(t, broker, countingListener("listener", ServicePool, &first), nil, ContainerDependencies{})
	startContainer(t, broker, countingListener("listener", ServicePool, &second), nil, ContainerDependencies{})
	startContainer(t, broker, countingListener("auditor", ServicePool, &auditor), nil, ContainerDependencies{})
	emitter := startEmitter(t, broker)

	dispatchN(t, emitter, 4)

	require.Eventually(t, func() bool {
		return first.Load()+second.Load() == 4 && auditor.Load() == 4
	}, waitFor, tick)
	settle()
	assert.Equal(t, int64(4), first.Load()+second.Load())
	assert.Equal(t, "evt-emitter-ping--listener.go_ping", a.Status().EventQueues["emitter.ping"])
	assert.Equal(t, 2, broker.ConsumerCount("evt-emitter-ping--listener.go_ping"))
}

func TestEventsSingletonDeliversOnce(t *testing.T) {
	broker := memory.NewBroker()
	var listener, auditor atomic.Int64
	startContainer(t, broker, countingListener("listener", Singleton, &listener), nil, ContainerDependencies{})
	startContainer(t, broker, countingListener("auditor", Singleton, &auditor), nil, ContainerDependencies{})
	emitter := startEmitter(t, broker)

	dispatchN(t, emitter, 4)

	require.Eventually(t, func() bool { return listener.Load()+auditor.Load() == 4 }, waitFor, tick)
	settle()
	assert.Equal(t, int64(4), listener.Load()+auditor.Load())
	assert.Equal(t, 2, broker.ConsumerCount("evt-emitter-ping"))
}

func TestEventsHandlerReceivesEvent(t *testing.T) {
	broker := memory.NewBroker()
	received := make(chan Event, 1)
	startContainer(t, broker, ServiceDefinition{
		Name: "listener",
		EventHandlers: map[string]EventBinding{
			"emitter.ping": {
				Policy: ServicePool,
				Method: "on_ping",
				Handler: EventHandlerFunc(func(_ context.Context, _ *ServiceContext, evt Event) error {
					received <- evt
					return nil
				}),
			},
		},
	}, nil, ContainerDependencies{})
	emitter := startEmitter(t, broker)

	require.NoError(t, emitter.DispatchEvent(context.Background(), "ping", map[string]any{"id": "42"}))

	select {
	case evt := <-received:
		assert.Equal(t, "emitter", evt.Source)
		assert.Equal(t, "ping", evt.Name)
		assert.Equal(t, map[string]any{"id": "42"}, evt.Payload)
		assert.JSONEq(t, `{"id":"42"}`, string(evt.Body))
		assert.NotEmpty(t, evt.CorrelationID)
		assert.Empty(t, evt.CallIDStack)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	assert.Contains(t, broker.Queues(), "evt-emitter-ping--listener.on_ping")
}

func TestEventsCarryCallIDStackFromRPC(t *testing.T) {
	broker := memory.NewBroker()
	stacks := make(chan [2][]string, 1)
	startContainer(t, broker, ServiceDefinition{
		Name: "listener",
		EventHandlers: map[string]EventBinding{
			"greeter.greeted": OnEvent(ServicePool, func(ctx context.Context, sc *ServiceContext, evt Event) error {
				stacks <- [2][]string{evt.CallIDStack, sc.CallIDStack(ctx)}
				return nil
			}),
		},
	}, nil, ContainerDependencies{})
	startContainer(t, broker, ServiceDefinition{
		Name: "greeter",
		RPCMethods: map[string]RPCMethod{
			"greet": RPCMethodFunc(func(ctx context.Context, sc *ServiceContext, _ []any, _ map[string]any) (any, error) {
				return nil, sc.DispatchEvent(ctx, "greeted", "hi")
			}),
		},
	}, nil, ContainerDependencies{})
	proxy := callerFor(t, broker, "greeter", nil)

	_, err := proxy.Call(context.Background(), "greet")
	require.NoError(t, err)

	select {
	case s := <-stacks:
		parent, worker := s[0], s[1]
		require.Len(t, parent, 2)
		assert.Equal(t, "go_proxy.call.greeter.greet", parent[0])
		assert.True(t, strings.HasPrefix(parent[1], "greeter.greet."), parent[1])
		require.Len(t, worker, 3)
		assert.Equal(t, parent, worker[:2])
		assert.True(t, strings.HasPrefix(worker[2], "listener.go_greeted."), worker[2])
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
}

func TestEventsMalformedPayloadIsDropped(t *testing.T) {
	broker := memory.NewBroker()
	logger := newRecordingLogger()
	var handled atomic.Int64
	c, err := NewContainer(countingListener("listener", ServicePool, &handled), testConfig(), logger, ContainerDependencies{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), broker.Dialer()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	ch := rawChannel(t, broker)
	require.NoError(t, ch.Publish(context.Background(), "emitter.events", "ping", transport.Publishing{Body: []byte("{")}))
	require.NoError(t, ch.Publish(context.Background(), "emitter.events", "ping", transport.Publishing{Body: []byte(`{"ok":true}`)}))

	require.Eventually(t, func() bool { return handled.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return logger.has("error", "Dropping event with malformed payload") }, waitFor, tick)
	assert.Equal(t, 0, broker.BacklogLen("evt-emitter-ping--listener.go_ping"))
}

func TestEventsHandlerErrorIsLoggedAndSwallowed(t *testing.T) {
	broker := memory.NewBroker()
	logger := newRecordingLogger()
	var calls atomic.Int64
	c, err := NewContainer(ServiceDefinition{
		Name: "listener",
		EventHandlers: map[string]EventBinding{
			"emitter.ping": OnEvent(ServicePool, func(context.Context, *ServiceContext, Event) error {
				if calls.Add(1) == 1 {
					return errors.New("first one fails")
				}
				return nil
			}),
		},
	}, testConfig(), logger, ContainerDependencies{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), broker.Dialer()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	emitter := startEmitter(t, broker)

	dispatchN(t, emitter, 2)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return logger.has("error", "Error while handling event") }, waitFor, tick)

	require.Eventually(t, func() bool {
		stats := c.Status().Entrypoints
		return len(stats) == 1 && stats[0].Processed == 2
	}, waitFor, tick)
	stats := c.Status().Entrypoints[0]
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Errors.ByKind[errspkg.KindDefault])
	assert.Equal(t, "first one fails", stats.Errors.LastError)
	assert.Equal(t, "evt-emitter-ping--listener.go_ping", stats.Queue)
}

func TestEventDispatcherNotStarted(t *testing.T) {
	d := NewEventDispatcher("emitter", nil, nil)
	assert.Equal(t, "emitter.events", d.Exchange())
	assert.False(t, d.Started())

	err := d.Dispatch(context.Background(), "ping", nil)
	assert.True(t, errors.Is(err, errspkg.ErrNotStarted))
}

func TestEventDispatcherDeclaresExchange(t *testing.T) {
	broker := memory.NewBroker()
	d := NewEventDispatcher("emitter", nil, nil)
	ch := rawChannel(t, broker)

	require.NoError(t, d.Start(context.Background(), ch))
	assert.True(t, d.Started())
	opts, ok := broker.ExchangeOptions("emitter.events")
	require.True(t, ok)
	assert.Equal(t, transport.ExchangeOptions{Kind: transport.ExchangeTopic, Durable: true, AutoDelete: true}, opts)

	err := d.Start(context.Background(), ch)
	assert.True(t, errors.Is(err, errspkg.ErrInvalidState))

	d.Stop()
	assert.False(t, d.Started())
}

func TestEventDispatcherPublishesPersistentMessages(t *testing.T) {
	broker := memory.NewBroker()
	ch := rawChannel(t, broker)
	d := NewEventDispatcher("emitter", nil, nil)
	require.NoError(t, d.Start(context.Background(), ch))

	var mu sync.Mutex
	var got []transport.Delivery
	require.NoError(t, ch.DeclareQueue(context.Background(), "tap", transport.QueueOptions{}))
	require.NoError(t, ch.BindQueue(context.Background(), "tap", "emitter.events", "#"))
	_, err := ch.Consume(context.Background(), "tap", func(del transport.Delivery) {
		_ = ch.Ack(del)
		mu.Lock()
		got = append(got, del)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), "ping", []string{"a"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ping", got[0].RoutingKey)
	assert.Equal(t, transport.Persistent, got[0].DeliveryMode)
	assert.Equal(t, "application/json", got[0].ContentType)
	assert.NotEmpty(t, got[0].MessageID)
	assert.JSONEq(t, `["a"]`, string(got[0].Body))
	assert.Nil(t, got[0].Headers)
}
