package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protogate/internal/runtime/ids"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
)

// MetadataCorrelationID carries the correlation id in message metadata so
// brokers and middleware can see it without decoding the body.
const MetadataCorrelationID = "correlation_id"

// Envelope is the wire shape of both requests and replies. A reply carries
// either Payload or Error.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the failure payload a backend replies with.
type ErrorBody struct {
	Reason  string `json:"reason"`
	Details any    `json:"details,omitempty"`
}

// NewMessage encodes env into a Watermill message with the correlation id
// mirrored into metadata.
func NewMessage(env Envelope) (*message.Message, error) {
	body, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode envelope: %w", err)
	}
	msg := message.NewMessage(ids.CreateULID(), body)
	msg.Metadata.Set(MetadataCorrelationID, env.CorrelationID)
	return msg, nil
}

// DecodeEnvelope decodes a message body. A missing body correlation id falls
// back to the metadata value.
func DecodeEnvelope(msg *message.Message) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("rpc: decode envelope: %w", err)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = msg.Metadata.Get(MetadataCorrelationID)
	}
	if env.CorrelationID == "" {
		return Envelope{}, fmt.Errorf("rpc: envelope without correlation id")
	}
	return env, nil
}
