package transport

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Registry maps URL schemes to dialers and their capabilities. Transport
// packages register themselves from init.
type Registry struct {
	mu           sync.RWMutex
	dialers      map[string]Dialer
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[string]Dialer),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a dialer for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, dialer Dialer) {
	r.RegisterWithCapabilities(scheme, dialer, Capabilities{Name: scheme})
}

// RegisterWithCapabilities adds a dialer and the capabilities it reports.
func (r *Registry) RegisterWithCapabilities(scheme string, dialer Dialer, caps Capabilities) {
	scheme = strings.ToLower(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[scheme] = dialer
	r.capabilities[scheme] = caps
}

// GetCapabilities returns the capabilities registered for scheme, or a zero
// value carrying only the name.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[strings.ToLower(scheme)]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Dialer resolves the dialer serving rawURL's scheme.
func (r *Registry) Dialer(rawURL string) (Dialer, error) {
	scheme, err := Scheme(rawURL)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	dialer, ok := r.dialers[scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport scheme %q (registered: %v)", scheme, r.Names())
	}
	return dialer, nil
}

// Dial opens a connection using the dialer registered for rawURL's scheme.
func (r *Registry) Dial(ctx context.Context, rawURL string) (Connection, error) {
	dialer, err := r.Dialer(rawURL)
	if err != nil {
		return nil, err
	}
	return dialer(ctx, rawURL)
}

// Names returns the registered schemes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a dialer is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[strings.ToLower(scheme)]
	return ok
}

// Scheme extracts the lower-cased scheme of a broker URL.
func Scheme(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("broker url %q has no scheme", rawURL)
	}
	return strings.ToLower(parsed.Scheme), nil
}

// Register adds a dialer to the default registry.
func Register(scheme string, dialer Dialer) {
	DefaultRegistry.Register(scheme, dialer)
}

// RegisterWithCapabilities adds a dialer and its capabilities to the default registry.
func RegisterWithCapabilities(scheme string, dialer Dialer, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, dialer, caps)
}

// Dial opens a connection through the default registry.
func Dial(ctx context.Context, rawURL string) (Connection, error) {
	return DefaultRegistry.Dial(ctx, rawURL)
}
