/*
Package runtime hosts nameko-compatible services: RPC methods reachable on
the "nameko-rpc" exchange, event handlers bound to "{service}.events"
exchanges and RPC proxies calling other services.

# Package Structure

## Service definition (service.go, context.go)

A ServiceDefinition names a service and lists its RPC methods, event
bindings and proxy targets. Handlers receive a ServiceContext giving access
to the service logger, the event dispatcher and the proxies.

## Container (container.go, channel.go)

A Container runs one service on a single broker connection and channel:
  - RPCServer (rpc_server.go): consumes "rpc-{service}" and replies to ReplyTo
  - EventSubscriber (events.go): one queue per event binding, named by policy
  - ProxyClient (rpc_client.go): exclusive reply queue and pending call table
  - EventDispatcher (publisher.go): publishes events from the service

## Runner (runner.go, webui.go)

A Runner starts and stops several containers concurrently, serves /metrics
and the status API.

## Middleware (middleware.go, hooks.go)

Every entrypoint invocation runs through a middleware chain: statistics,
OpenTelemetry tracing, Prometheus metrics, optional logging and handler
hooks. Panics are recovered into errors.

## Stats & Monitoring (models.go, metrics.go, resources.go)

  - Latency percentiles (p50, p95, p99) and throughput per entrypoint
  - Errors by kind
  - Resource usage sampling

## Typed handlers (typed.go)

JSONMethod, ProtoMethod, JSONEventHandler and ProtoEventHandler decode
payloads into Go types; CallJSON and CallProto do the same for replies.

# Sub-packages

  - config/: Runner configuration from env, dotenv or YAML
  - errors/: Sentinel errors and wire error kinds
  - handlers/: JSON and protojson payload conversion
  - ids/: UUIDs for correlation and ULIDs for message ids
  - logging/: Logger interface and adapters
  - metadata/: The nameko.call_id_stack header
  - transport/: Dialer selection from the broker URL
  - wire/: Payload codec and queue naming

# Usage Example

	runner := nameko.NewRunner(nameko.DefaultConfig(), logger, nameko.RunnerDependencies{})

	runner.AddService(nameko.ServiceDefinition{
		Name: "greeter",
		RPCMethods: map[string]nameko.RPCMethod{
			"hello": nameko.RPCMethodFunc(hello),
		},
	})

	runner.Run(ctx, 10*time.Second)
*/
package runtime
