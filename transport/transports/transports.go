// Package transports imports every built-in broker for registration with the
// default registry.
package transports

import (
	_ "github.com/drblury/protogate/transport/aws"
	_ "github.com/drblury/protogate/transport/channel"
	_ "github.com/drblury/protogate/transport/http"
	_ "github.com/drblury/protogate/transport/kafka"
	_ "github.com/drblury/protogate/transport/nats"
	_ "github.com/drblury/protogate/transport/rabbitmq"
)
