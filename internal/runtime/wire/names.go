package wire

import (
	"fmt"
	"strings"
)

// DefaultRPCExchange is the topic exchange shared by all nameko services.
const DefaultRPCExchange = "nameko-rpc"

// DispatchPolicy selects how event deliveries are shared between instances.
type DispatchPolicy string

const (
	// ServicePool delivers each event to one instance of each subscribing service.
	ServicePool DispatchPolicy = "SERVICE_POOL"
	// Singleton delivers each event to exactly one subscriber across all services.
	Singleton DispatchPolicy = "SINGLETON"
	// Broadcast delivers each event to every running subscriber instance.
	Broadcast DispatchPolicy = "BROADCAST"
)

// Valid reports whether p is one of the known policies.
func (p DispatchPolicy) Valid() bool {
	switch p {
	case ServicePool, Singleton, Broadcast:
		return true
	default:
		return false
	}
}

func RPCQueueName(service string) string {
	return "rpc-" + service
}

func RPCBindingKey(service string) string {
	return service + ".*"
}

func RPCRoutingKey(service, method string) string {
	return service + "." + method
}

// SplitRoutingKey splits "{service}.{method}" on the first dot.
func SplitRoutingKey(key string) (service, method string) {
	service, method, _ = strings.Cut(key, ".")
	return service, method
}

func EventsExchangeName(service string) string {
	return service + ".events"
}

// ReplyQueueName names the exclusive queue a proxy client receives replies on.
func ReplyQueueName(prefix, service, id string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, service, id} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return "rpc.reply-" + strings.Join(parts, "-")
}

// EventQueueName names the queue backing one event handler. broadcastID is
// only used by the Broadcast policy and must be unique per subscriber start.
func EventQueueName(policy DispatchPolicy, source, event, service, method, broadcastID string) (string, error) {
	base := fmt.Sprintf("evt-%s-%s", source, event)
	switch policy {
	case ServicePool:
		return fmt.Sprintf("%s--%s.%s", base, service, method), nil
	case Singleton:
		return base, nil
	case Broadcast:
		if broadcastID == "" {
			return "", fmt.Errorf("broadcast queue for %s.%s needs an id", source, event)
		}
		return fmt.Sprintf("%s--%s.%s-%s", base, service, method, broadcastID), nil
	default:
		return "", fmt.Errorf("unknown dispatch policy %q", policy)
	}
}

// SplitEventKey splits a "{source}.{event}" handler key on the first dot.
func SplitEventKey(key string) (source, event string, err error) {
	source, event, ok := strings.Cut(key, ".")
	if !ok || source == "" || event == "" {
		return "", "", fmt.Errorf("event handler key %q must look like {source}.{event}", key)
	}
	return source, event, nil
}

// DefaultMethodLabel builds the method label used in event queue names when a
// binding does not name one.
func DefaultMethodLabel(prefix, event string) string {
	if prefix == "" {
		return event
	}
	return prefix + "_" + event
}
