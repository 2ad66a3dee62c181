// Package transport defines the broker abstraction the gateway runs on. Each
// broker (nats, kafka, rabbitmq, aws, http, channel) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher and subscriber pair produced by a builder.
// Events is non-nil only for brokers that can observe their connection.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Events     *ConnectionEvents
}

// Close closes the subscriber first so in-flight consumers stop before the
// publisher goes away. Publisher and subscriber may be the same value.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		if same, ok := t.Publisher.(message.Subscriber); !ok || same != t.Subscriber {
			errs = append(errs, t.Publisher.Close())
		}
	}
	t.Events.Emit(ConnectionEvent{State: StateClosed})
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
