package transport

// Capabilities describes a broker backend for status reporting.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// Distributed is true when separate processes can share the broker.
	Distributed bool

	// Durable is true when durable queues and persistent messages survive a
	// broker restart.
	Durable bool

	// SupportsTLS is true when the transport can dial encrypted endpoints.
	SupportsTLS bool
}
