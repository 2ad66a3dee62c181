// Package nats provides the NATS Core transport. Core NATS delivers every
// message to every subscriber of a subject, so reply topics need no instance
// scoping, and the connection callbacks feed Transport.Events.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/protogate/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ClientName identifies gateway connections in NATS monitoring.
const ClientName = "protogate"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS Core transport. Publisher and subscriber hold separate
// connections and both report state changes on the returned Events.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	events := transport.NewConnectionEvents()
	options := ConnectionOptions(events, logger)

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         url,
			NatsOptions: options,
			Unmarshaler: marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Events:     events,
	}, nil
}

// ConnectionOptions maps nats.go connection callbacks onto events.
func ConnectionOptions(events *transport.ConnectionEvents, logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name(ClientName),
		natsgo.MaxReconnects(-1),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logger.Error("NATS connection lost", err, nil)
			events.Emit(transport.ConnectionEvent{State: transport.StateDisconnected, Err: err})
		}),
		natsgo.ReconnectHandler(func(conn *natsgo.Conn) {
			logger.Info("NATS connection restored", watermill.LogFields{"url": conn.ConnectedUrlRedacted()})
			events.Emit(transport.ConnectionEvent{State: transport.StateReconnected})
		}),
		natsgo.ClosedHandler(func(_ *natsgo.Conn) {
			events.Emit(transport.ConnectionEvent{State: transport.StateClosed})
		}),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
