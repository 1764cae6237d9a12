// Package transports imports all built-in transports for auto-registration.
// Import this package to have the amqp, amqps and memory schemes registered
// with the default registry.
package transports

import (
	_ "github.com/drblury/nameko/transport/amqp"
	_ "github.com/drblury/nameko/transport/memory"
)
