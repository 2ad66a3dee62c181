/*
Package runtime hosts the gateway's event consumers.

# Architecture Overview

Backend services publish domain events as CloudEvents on broker topics. The
Service subscribes to those topics through a Watermill router and hands each
message to a consumer, which for the gateway is the realtime router.

## Core Service (service.go)

The Service struct wires together:
  - Message router (Watermill)
  - Publisher and subscriber of one broker transport
  - Middleware chain
  - HTTP server for Prometheus metrics

## Middleware (middleware.go)

Every consumed message runs through:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry consumer spans
  - Metrics: Watermill router metrics under the protogate namespace
  - Retry: Exponential backoff for retryable handler errors
  - PoisonQueue: Unroutable events are moved to the poison queue and counted
  - Recoverer: Panic recovery

## Publishing (publisher.go)

PublishEvent emits CloudEvents in structured mode.

# Sub-packages

  - cloudevents/: Event model, routing extensions and error classification
  - config/: Gateway configuration with validation
  - errors/: Gateway error taxonomy and public error mapping
  - ids/: ULID and session id generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metrics/: Prometheus collector helpers

# Usage Example

	tr, err := transport.DefaultRegistry.Build(ctx, &cfg, logging.NewWatermillAdapter(logger))
	svc, err := runtime.NewService(&cfg, logger, tr, runtime.ServiceDependencies{})
	err = svc.AddConsumer("realtime.payment.settled", "payment.settled", router.HandleEvent)
	err = svc.Start(ctx)
*/
package runtime
