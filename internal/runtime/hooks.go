package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
)

// HandlerContext provides information about one entrypoint execution to hooks.
type HandlerContext struct {
	// Service is the name of the service that owns the entrypoint.
	Service string
	// Kind is either EntrypointRPC or EntrypointEvent.
	Kind EntrypointKind
	// Name is the RPC method or the "{source}.{event}" key.
	Name string
	// CorrelationID is the request correlation id or the event message id.
	CorrelationID string
	// CallIDStack is the stack of the worker, its own call id last.
	CallIDStack []string
	// Context is the context the entrypoint runs with.
	Context context.Context
	// StartedAt is when the entrypoint started.
	StartedAt time.Time
	// Duration is only set in OnDone and OnError.
	Duration time.Duration
}

// HandlerHooks defines callbacks around entrypoint executions.
// All hooks are optional.
type HandlerHooks struct {
	OnStart func(ctx HandlerContext)
	OnDone  func(ctx HandlerContext)
	// OnError receives the error returned (or the panic recovered) by the
	// handler.
	OnError func(ctx HandlerContext, err error)
}

// Merge combines two HandlerHooks. The hooks from other run after h's.
func (h HandlerHooks) Merge(other HandlerHooks) HandlerHooks {
	return HandlerHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(HandlerContext)) func(HandlerContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HandlerContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(HandlerContext, error)) func(HandlerContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HandlerContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware creates a middleware that invokes hooks around every
// entrypoint of the container.
func HooksMiddleware(hooks HandlerHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "handler_hooks",
		Middleware: hooksMiddleware(hooks),
	}
}

func hooksMiddleware(hooks HandlerHooks) EntrypointMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			hc := HandlerContext{
				Service:       inv.Service,
				Kind:          inv.Kind,
				Name:          inv.Name,
				CorrelationID: inv.CorrelationID,
				CallIDStack:   inv.CallIDStack,
				Context:       ctx,
				StartedAt:     time.Now(),
			}

			if hooks.OnStart != nil {
				hooks.OnStart(hc)
			}

			result, err := next(ctx, inv)

			hc.Duration = time.Since(hc.StartedAt)
			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(hc, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(hc)
			}

			return result, err
		}
	}
}

// LoggingHooks returns hooks that log entrypoint lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) HandlerHooks {
	fields := func(ctx HandlerContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"service":        ctx.Service,
			"entrypoint":     string(ctx.Kind),
			"name":           ctx.Name,
			"correlation_id": ctx.CorrelationID,
		}
	}
	return HandlerHooks{
		OnStart: func(ctx HandlerContext) {
			logger.Debug("Entrypoint started", fields(ctx))
		},
		OnDone: func(ctx HandlerContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Entrypoint completed", f)
		},
		OnError: func(ctx HandlerContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Entrypoint failed", err, f)
		},
	}
}

// MetricsHooks returns hooks that forward entrypoint outcomes to custom
// counters.
func MetricsHooks(onStart, onDone, onError func(service, name string)) HandlerHooks {
	return HandlerHooks{
		OnStart: func(ctx HandlerContext) {
			if onStart != nil {
				onStart(ctx.Service, ctx.Name)
			}
		},
		OnDone: func(ctx HandlerContext) {
			if onDone != nil {
				onDone(ctx.Service, ctx.Name)
			}
		},
		OnError: func(ctx HandlerContext, err error) {
			if onError != nil {
				onError(ctx.Service, ctx.Name)
			}
		},
	}
}

// AlertingHooks returns hooks that trigger alerts on entrypoint errors.
func AlertingHooks(alertFunc func(ctx HandlerContext, err error)) HandlerHooks {
	return HandlerHooks{
		OnError: alertFunc,
	}
}
