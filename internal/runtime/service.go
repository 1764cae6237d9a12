package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"

	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	"github.com/drblury/nameko/internal/runtime/wire"
)

// DispatchPolicy selects how event deliveries are shared between instances.
type DispatchPolicy = wire.DispatchPolicy

const (
	ServicePool = wire.ServicePool
	Singleton   = wire.Singleton
	Broadcast   = wire.Broadcast
)

// RPCMethod is a callable exposed over RPC. kwargs is nil when the caller
// sent no keyword arguments.
type RPCMethod interface {
	Invoke(ctx context.Context, sc *ServiceContext, args []any, kwargs map[string]any) (any, error)
}

// RPCMethodFunc adapts a plain function to RPCMethod.
type RPCMethodFunc func(ctx context.Context, sc *ServiceContext, args []any, kwargs map[string]any) (any, error)

func (f RPCMethodFunc) Invoke(ctx context.Context, sc *ServiceContext, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, sc, args, kwargs)
}

// Event is one delivery received by an event handler.
type Event struct {
	Source  string
	Name    string
	Payload any
	// Body is the undecoded message body.
	Body []byte
	// CorrelationID is the message id the dispatcher stamped, if any.
	CorrelationID string
	CallIDStack   []string
}

// EventHandler consumes events. Returned errors are logged; the delivery is
// acknowledged either way.
type EventHandler interface {
	Handle(ctx context.Context, sc *ServiceContext, evt Event) error
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(ctx context.Context, sc *ServiceContext, evt Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, sc *ServiceContext, evt Event) error {
	return f(ctx, sc, evt)
}

// EventBinding attaches a handler to one "{source}.{event}" key. An empty
// Policy means Broadcast. Method overrides the label used in queue names.
type EventBinding struct {
	Handler EventHandler
	Policy  DispatchPolicy
	Method  string
}

func (b EventBinding) policy() DispatchPolicy {
	if b.Policy == "" {
		return Broadcast
	}
	return b.Policy
}

// OnEvent binds fn with the given policy.
func OnEvent(policy DispatchPolicy, fn EventHandlerFunc) EventBinding {
	return EventBinding{Handler: fn, Policy: policy}
}

// ServiceDefinition describes one service: its RPC methods, its event
// handlers keyed "{source}.{event}", and the services it calls.
type ServiceDefinition struct {
	Name          string
	RPCMethods    map[string]RPCMethod
	EventHandlers map[string]EventBinding
	ProxyTargets  []string
}

// Validate reports every problem with the definition at once.
func (d ServiceDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	for _, name := range sortedKeys(d.RPCMethods) {
		if name == "" {
			errs = append(errs, errors.New("rpc method name is required"))
		}
		if d.RPCMethods[name] == nil {
			errs = append(errs, fmt.Errorf("rpc method %q has no implementation", name))
		}
	}
	for _, key := range sortedKeys(d.EventHandlers) {
		binding := d.EventHandlers[key]
		if _, _, err := wire.SplitEventKey(key); err != nil {
			errs = append(errs, err)
		}
		if binding.Handler == nil {
			errs = append(errs, fmt.Errorf("event handler %q has no implementation", key))
		}
		if !binding.policy().Valid() {
			errs = append(errs, fmt.Errorf("event handler %q has unknown dispatch policy %q", key, binding.Policy))
		}
	}
	seen := make(map[string]struct{}, len(d.ProxyTargets))
	for _, target := range d.ProxyTargets {
		if target == "" {
			errs = append(errs, errors.New("proxy target name is required"))
			continue
		}
		if _, dup := seen[target]; dup {
			errs = append(errs, fmt.Errorf("proxy target %q listed twice", target))
		}
		seen[target] = struct{}{}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: service %q: %w", errspkg.ErrInvalidConfiguration, d.Name, errors.Join(errs...))
}

func (d ServiceDefinition) hasRPC() bool    { return len(d.RPCMethods) > 0 }
func (d ServiceDefinition) hasEvents() bool { return len(d.EventHandlers) > 0 }
func (d ServiceDefinition) hasProxies() bool {
	return len(d.ProxyTargets) > 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
