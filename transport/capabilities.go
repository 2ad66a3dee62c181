package transport

// Capabilities describes what a broker backend offers the gateway.
type Capabilities struct {
	Name string

	// SupportsConnectionEvents indicates Transport.Events reports disconnects,
	// letting the RPC client fail pending calls immediately instead of waiting
	// for their timeouts.
	SupportsConnectionEvents bool

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsAck indicates explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates negative acknowledgment triggers redelivery.
	SupportsNack bool

	// SupportsTracing indicates tracing headers travel with message metadata.
	SupportsTracing bool

	// SharedReplies indicates every subscriber of a topic sees every message.
	// Without it, gateway instances need instance-scoped reply topics.
	SharedReplies bool

	// MaxMessageSize is the maximum payload in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// NeedsInstanceScopedReplies reports whether concurrent gateway instances must
// scope reply topics by instance id to avoid stealing each other's replies.
func (c Capabilities) NeedsInstanceScopedReplies() bool {
	return !c.SharedReplies
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SharedReplies:    true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:                     "nats",
		SupportsConnectionEvents: true,
		SupportsTracing:          true,
		SharedReplies:            true,
		MaxMessageSize:           1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
