package runtime

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protogate/internal/runtime/cloudevents"
	errspkg "github.com/drblury/protogate/internal/runtime/errors"
)

// PublishEvent encodes evt in structured mode and publishes it to topic.
func PublishEvent(ctx context.Context, publisher message.Publisher, topic string, evt cloudevents.Event) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := cloudevents.ToMessage(evt)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishEvent emits evt on the Service publisher.
func (s *Service) PublishEvent(ctx context.Context, topic string, evt cloudevents.Event) error {
	if s == nil {
		return errors.New("event service is nil")
	}
	return PublishEvent(ctx, s.publisher, topic, evt)
}
