package protogate

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protogate/internal/rpc"
	runtimepkg "github.com/drblury/protogate/internal/runtime"
	ce "github.com/drblury/protogate/internal/runtime/cloudevents"
	configpkg "github.com/drblury/protogate/internal/runtime/config"
	errspkg "github.com/drblury/protogate/internal/runtime/errors"
	idspkg "github.com/drblury/protogate/internal/runtime/ids"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/protogate/internal/runtime/logging"
	transportpkg "github.com/drblury/protogate/transport"
	_ "github.com/drblury/protogate/transport/transports"
)

type (
	Config               = configpkg.Config
	Transport            = transportpkg.Transport
	TransportBuilder     = transportpkg.Builder
	TransportConfig      = transportpkg.Config
	TransportRegistry    = transportpkg.Registry
	Capabilities         = transportpkg.Capabilities
	ConnectionEvent      = transportpkg.ConnectionEvent
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	PoisonMetrics        = runtimepkg.PoisonMetrics
	PoisonSnapshot       = runtimepkg.PoisonSnapshot
	Event                = ce.Event
	Caller               = rpc.Caller
	RPCClient            = rpc.Client
	RPCOptions           = rpc.Options
	Responder            = rpc.Responder
	ResponderHandlerFunc = rpc.HandlerFunc
	UpstreamError        = errspkg.UpstreamError
	PolicyViolationError = errspkg.PolicyViolationError
	PublicError          = errspkg.PublicError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	NewService     = runtimepkg.NewService
	NewRPCClient   = rpc.New
	NewResponder   = rpc.NewResponder
	PublishEvent   = runtimepkg.PublishEvent
	IsRetryableRPC = rpc.IsRetryable
	ToPublic       = errspkg.ToPublic

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	GetCapabilities          = transportpkg.GetCapabilities

	NewEvent          = ce.New
	DecodeEvent       = ce.Decode
	ForUser           = ce.ForUser
	TargetUser        = ce.TargetUser
	WithCorrelationID = ce.WithCorrelationID

	ErrTimeout               = errspkg.ErrTimeout
	ErrConnectionLost        = errspkg.ErrConnectionLost
	ErrUpstreamRejected      = errspkg.ErrUpstreamRejected
	ErrModerationUnavailable = errspkg.ErrModerationUnavailable
	ErrPolicyViolation       = errspkg.ErrPolicyViolation
	ErrNotFound              = errspkg.ErrNotFound
	ErrUnroutable            = ce.ErrUnroutable
	ErrSkip                  = ce.ErrSkip

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// Event extension keys understood by the gateway.
const (
	// ExtUserID names the user an event is delivered to.
	ExtUserID = ce.ExtUserID

	// ExtCorrelationID ties an event to the request that caused it.
	ExtCorrelationID = ce.ExtCorrelationID
)

// BuildTransport builds the transport named by cfg.PubSubSystem from the
// default registry. Every bundled transport is registered; a nil log discards
// transport output.
func BuildTransport(ctx context.Context, cfg *Config, log ServiceLogger) (Transport, error) {
	return transportpkg.DefaultRegistry.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(loggingpkg.OrNop(log)))
}

// CallJSON sends req to topic and decodes the reply into Resp.
func CallJSON[Resp any](ctx context.Context, c Caller, topic string, req any, timeout time.Duration) (Resp, error) {
	return rpc.CallJSON[Resp](ctx, c, topic, req, timeout)
}

// ServeJSON answers topic with a typed handler. A nil result replies with
// JSON null, which the gateway reads as not found.
func ServeJSON[Req any, Resp any](ctx context.Context, r *Responder, topic string, handler func(context.Context, Req) (*Resp, error)) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.Serve(ctx, topic, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := jsoncodec.Unmarshal(payload, &req); err != nil {
			return nil, &UpstreamError{Reason: "malformed request"}
		}
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}
		return jsoncodec.Marshal(resp)
	})
}

// NewUserEventMessage builds the watermill message for an event addressed to userID.
func NewUserEventMessage(userID string, evt Event) (*message.Message, error) {
	return ce.ToMessage(ce.ForUser(evt, userID))
}
