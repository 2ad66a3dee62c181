package rpc

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/logging"
)

// HandlerFunc answers one request payload.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Responder is the backend side of the protocol: it consumes a request topic
// and publishes each handler result to the request's replyTo topic. Returning
// an *errors.UpstreamError sends its reason and details; any other error sends
// its message as the reason.
type Responder struct {
	pub message.Publisher
	sub message.Subscriber
	log logging.ServiceLogger
}

// NewResponder builds a responder on a publisher/subscriber pair.
func NewResponder(pub message.Publisher, sub message.Subscriber, log logging.ServiceLogger) (*Responder, error) {
	if pub == nil {
		return nil, errors.ErrPublisherRequired
	}
	if sub == nil {
		return nil, errors.ErrSubscriberRequired
	}
	return &Responder{pub: pub, sub: sub, log: logging.OrNop(log)}, nil
}

// Serve subscribes topic and answers requests until ctx ends. It returns once
// the subscription exists; requests are handled concurrently.
func (r *Responder) Serve(ctx context.Context, topic string, handler HandlerFunc) error {
	if handler == nil {
		return errors.ErrHandlerRequired
	}
	messages, err := r.sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("rpc: subscribe %s: %w", topic, err)
	}
	go func() {
		for msg := range messages {
			env, err := DecodeEnvelope(msg)
			msg.Ack()
			if err != nil {
				r.log.Error("Discarding malformed request", err, logging.LogFields{"topic": topic})
				continue
			}
			go r.answer(ctx, topic, env, handler)
		}
	}()
	return nil
}

func (r *Responder) answer(ctx context.Context, topic string, req Envelope, handler HandlerFunc) {
	payload, err := handler(ctx, req.Payload)
	if req.ReplyTo == "" {
		return
	}
	if err := r.Reply(req, payload, err); err != nil {
		r.log.Error("Failed to publish reply", err, logging.LogFields{
			"topic":          topic,
			"correlation_id": req.CorrelationID,
		})
	}
}

// Reply publishes the outcome for req on its replyTo topic.
func (r *Responder) Reply(req Envelope, payload []byte, handlerErr error) error {
	reply := Envelope{CorrelationID: req.CorrelationID}
	if handlerErr != nil {
		reply.Error = errorBody(handlerErr)
	} else {
		reply.Payload = payload
	}
	msg, err := NewMessage(reply)
	if err != nil {
		return err
	}
	return r.pub.Publish(req.ReplyTo, msg)
}

func errorBody(err error) *ErrorBody {
	var upstream *errors.UpstreamError
	if stderrors.As(err, &upstream) {
		return &ErrorBody{Reason: upstream.Reason, Details: upstream.Details}
	}
	return &ErrorBody{Reason: err.Error()}
}
