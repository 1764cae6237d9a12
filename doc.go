// Package nameko hosts Go services that interoperate with Python nameko
// services over AMQP. Services speak the nameko wire contract: RPC requests
// on the "nameko-rpc" topic exchange with JSON {args, kwargs} bodies, replies
// shaped as {result, error} on per-client reply queues, and events published
// on "{service}.events" exchanges. The nameko.call_id_stack header is carried
// across RPC calls and events so call chains can be traced end to end.
//
// A Runner hosts one Container per ServiceDefinition. A definition names the
// service and lists its RPC methods, event handlers and the services it calls
// through proxies. Handlers receive a ServiceContext with the service logger,
// an event dispatcher and the configured proxies. A minimal setup fills
// Config, creates a Runner, adds definitions and calls Run.
//
// # Events
//
// Event handlers are bound with a dispatch policy:
//   - SERVICE_POOL: one queue per service and handler, instances share it
//   - SINGLETON: one queue per event, shared by every subscribing service
//   - BROADCAST: one exclusive queue per instance, every instance receives it
//
// Queue names follow nameko so Go and Python workers share them.
//
// # Transports
//
// The broker is chosen by the URL scheme of Config.AMQPURL:
//   - amqp, amqps: RabbitMQ through amqp091-go
//   - memory: an in-process broker for tests and examples
//
// The transport/rabbitmq package additionally bridges nameko events into
// Watermill publishers and subscribers.
//
// # Middleware
//
// Every RPC and event invocation runs through a middleware chain. The
// default chain adds OpenTelemetry spans and Prometheus metrics; panics are
// recovered into errors. Custom middleware is added via
// RunnerDependencies.Middlewares.
//
// # Handler Hooks
//
// HooksMiddleware runs OnStart, OnDone and OnError callbacks around every
// entrypoint. LoggingHooks, MetricsHooks and AlertingHooks cover the common
// cases.
//
// # Typed Handlers
//
// JSONMethod and ProtoMethod decode the first positional argument, or the
// kwargs, into a Go type. JSONEventHandler and ProtoEventHandler do the same
// for event payloads, and CallJSON and CallProto decode replies.
//
// # Status
//
// With WebUIEnabled the runner serves a JSON status API listing containers
// and per-entrypoint latency, throughput and error statistics.
package nameko
