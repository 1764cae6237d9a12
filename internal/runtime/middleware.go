package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
)

// TracerName is the instrumentation name of every span the runtime starts.
const TracerName = "github.com/drblury/nameko"

// EntrypointKind tells RPC methods and event handlers apart.
type EntrypointKind string

const (
	EntrypointRPC   EntrypointKind = "rpc"
	EntrypointEvent EntrypointKind = "event"
)

// Invocation describes one call into service code. Middlewares may read it
// but must not retain it after returning.
type Invocation struct {
	Service       string
	Kind          EntrypointKind
	Name          string
	Queue         string
	CorrelationID string
	CallIDStack   []string

	// Args and Kwargs are set for RPC invocations, Event for event ones.
	Args   []any
	Kwargs map[string]any
	Event  *Event
}

// InvokeFunc runs an entrypoint. The result is the RPC return value and is
// nil for events.
type InvokeFunc func(ctx context.Context, inv *Invocation) (any, error)

// EntrypointMiddleware decorates an InvokeFunc.
type EntrypointMiddleware func(next InvokeFunc) InvokeFunc

// MiddlewareBuilder constructs a middleware for the container it will run in.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Container) (EntrypointMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to a container.
type MiddlewareRegistration struct {
	Name       string
	Middleware EntrypointMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain every container uses unless
// ContainerDependencies.DisableDefaultMiddlewares is set.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		MetricsMiddleware(),
	}
}

// TracerMiddleware wraps entrypoints in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// MetricsMiddleware records served calls and handled events on the
// container's Metrics. It is skipped when the container has none.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(c *Container) (EntrypointMiddleware, error) {
			if c.metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(c.metrics), nil
		},
	}
}

// LogInvocationsMiddleware logs every entrypoint with its duration and, on
// failure, its exc_type. A nil logger uses the container logger.
func LogInvocationsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_invocations",
		Builder: func(c *Container) (EntrypointMiddleware, error) {
			l := logger
			if l == nil {
				l = c.Logger
			}
			if l == nil {
				return nil, errors.New("log invocations middleware requires a logger")
			}
			return logInvocationsMiddleware(l), nil
		},
	}
}

func tracerMiddleware(next InvokeFunc) InvokeFunc {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		tracer := otel.Tracer(TracerName)
		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s.%s", inv.Kind, inv.Service, inv.Name),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		span.SetAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", inv.Queue),
			attribute.String("nameko.service", inv.Service),
			attribute.String("nameko.entrypoint", inv.Name),
			attribute.String("nameko.correlation_id", inv.CorrelationID),
		)

		result, err := next(ctx, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}
}

func metricsMiddleware(m *Metrics) EntrypointMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			m.ObserveEntrypoint(inv, time.Since(start), err)
			return result, err
		}
	}
}

func logInvocationsMiddleware(logger loggingpkg.ServiceLogger) EntrypointMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			fields := loggingpkg.LogFields{
				"service":        inv.Service,
				"entrypoint":     string(inv.Kind),
				"name":           inv.Name,
				"correlation_id": inv.CorrelationID,
				"duration_ms":    time.Since(start).Milliseconds(),
			}
			if err != nil {
				fields["exc_type"] = errspkg.Kind(err)
				logger.Warn("Entrypoint failed", fields)
			} else {
				logger.Info("Entrypoint handled", fields)
			}
			return result, err
		}
	}
}

// PanicError is returned in place of a panic raised by service code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// recoverInvoke converts panics of the wrapped entrypoint into PanicError.
// It always runs innermost, regardless of the configured middlewares.
func recoverInvoke(next InvokeFunc) InvokeFunc {
	return func(ctx context.Context, inv *Invocation) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = nil
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return next(ctx, inv)
	}
}

type pipeline struct {
	middlewares []EntrypointMiddleware
}

func (p pipeline) wrap(h InvokeFunc) InvokeFunc {
	h = recoverInvoke(h)
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

func buildPipeline(c *Container, registrations []MiddlewareRegistration) (pipeline, error) {
	var p pipeline
	for _, reg := range registrations {
		var mw EntrypointMiddleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(c)
			if err != nil {
				name := reg.Name
				if name == "" {
					name = "anonymous_middleware"
				}
				return pipeline{}, fmt.Errorf("failed to build middleware %s: %w", name, err)
			}
		default:
			return pipeline{}, errors.New("middleware registration requires Middleware or Builder")
		}
		if mw != nil {
			p.middlewares = append(p.middlewares, mw)
		}
	}
	return p, nil
}
