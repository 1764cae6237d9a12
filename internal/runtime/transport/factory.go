// Package transport resolves the broker dialer a runner uses from its
// configuration.
package transport

import (
	"context"
	"fmt"

	"github.com/drblury/nameko/internal/runtime/config"
	errspkg "github.com/drblury/nameko/internal/runtime/errors"
	brokerpkg "github.com/drblury/nameko/transport"

	// Built-in transports register their URL schemes.
	_ "github.com/drblury/nameko/transport/amqp"
	_ "github.com/drblury/nameko/transport/memory"
)

// Factory abstracts how a runner obtains its broker dialer.
type Factory interface {
	Dialer(ctx context.Context, conf *config.Config) (brokerpkg.Dialer, error)
	// Describe names the transport serving conf, for status reporting.
	Describe(conf *config.Config) string
}

// DefaultFactory returns the factory backed by the default transport
// registry, selecting the dialer by the scheme of Config.AMQPURL.
func DefaultFactory() Factory {
	return RegistryFactory(brokerpkg.DefaultRegistry)
}

// RegistryFactory returns a factory resolving dialers from registry.
func RegistryFactory(registry *brokerpkg.Registry) Factory {
	return registryFactory{registry: registry}
}

type registryFactory struct {
	registry *brokerpkg.Registry
}

func (f registryFactory) Dialer(_ context.Context, conf *config.Config) (brokerpkg.Dialer, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: config is required", errspkg.ErrInvalidConfiguration)
	}
	dialer, err := f.registry.Dialer(conf.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrNoDialer, err)
	}
	return dialer, nil
}

func (f registryFactory) Describe(conf *config.Config) string {
	if conf == nil {
		return ""
	}
	scheme, err := brokerpkg.Scheme(conf.AMQPURL)
	if err != nil {
		return ""
	}
	return f.registry.GetCapabilities(scheme).Name
}

// DialerFactory always returns dialer. Tests use it to point a runner at an
// in-memory broker.
func DialerFactory(dialer brokerpkg.Dialer, name string) Factory {
	return fixedFactory{dialer: dialer, name: name}
}

type fixedFactory struct {
	dialer brokerpkg.Dialer
	name   string
}

func (f fixedFactory) Dialer(context.Context, *config.Config) (brokerpkg.Dialer, error) {
	if f.dialer == nil {
		return nil, errspkg.ErrNoDialer
	}
	return f.dialer, nil
}

func (f fixedFactory) Describe(*config.Config) string {
	return f.name
}
