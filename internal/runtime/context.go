package runtime

import (
	"context"

	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	metadatapkg "github.com/drblury/nameko/internal/runtime/metadata"
)

// ServiceContext is handed to every RPC method and event handler. It gives
// service code access to its own container without global state.
type ServiceContext struct {
	container *Container
	logger    loggingpkg.ServiceLogger
}

func newServiceContext(c *Container) *ServiceContext {
	return &ServiceContext{
		container: c,
		logger:    c.Logger.With(loggingpkg.LogFields{"service": c.ServiceName()}),
	}
}

// ServiceName returns the name of the running service.
func (sc *ServiceContext) ServiceName() string {
	return sc.container.ServiceName()
}

// Logger returns the service logger tagged with the service name.
func (sc *ServiceContext) Logger() loggingpkg.ServiceLogger {
	return sc.logger
}

// DispatchEvent publishes an event on the service's events exchange. Pass
// the context received by the handler so the call id stack propagates.
func (sc *ServiceContext) DispatchEvent(ctx context.Context, event string, payload any) error {
	return sc.container.DispatchEvent(ctx, event, payload)
}

// Proxy returns the RPC proxy for a service listed in ProxyTargets.
func (sc *ServiceContext) Proxy(service string) (*Proxy, error) {
	return sc.container.Proxy(service)
}

// CallIDStack returns the call id stack of the current worker.
func (sc *ServiceContext) CallIDStack(ctx context.Context) []string {
	return metadatapkg.CallIDStackFromContext(ctx)
}
