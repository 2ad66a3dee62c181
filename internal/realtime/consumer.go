package realtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protogate/internal/runtime/cloudevents"
	"github.com/drblury/protogate/internal/runtime/logging"
)

// ConsumerHost registers broker consumers. runtime.Service implements it.
type ConsumerHost interface {
	AddConsumer(name, topic string, handler message.NoPublishHandlerFunc) error
}

// Consume subscribes HandleEvent to every topic on host.
func (r *Router) Consume(host ConsumerHost, topics ...string) error {
	for _, topic := range topics {
		if err := host.AddConsumer("realtime."+topic, topic, r.HandleEvent); err != nil {
			return fmt.Errorf("realtime: consume %s: %w", topic, err)
		}
	}
	return nil
}

// HandleEvent decodes a backend CloudEvent and delivers it to its target user.
// Events that cannot be decoded or name no user are unroutable.
func (r *Router) HandleEvent(msg *message.Message) error {
	evt, err := cloudevents.FromMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", cloudevents.ErrUnroutable, err)
	}
	userID := cloudevents.TargetUser(evt)
	if userID == "" {
		return fmt.Errorf("%w: event %s names no user", cloudevents.ErrUnroutable, evt.ID)
	}

	d, err := r.Deliver(userID, evt)
	if err != nil {
		return fmt.Errorf("%w: %w", cloudevents.ErrUnroutable, err)
	}
	r.log.Debug("Routed backend event", logging.LogFields{
		"event_id":       evt.ID,
		"event_type":     evt.Type,
		"user_id":        userID,
		"correlation_id": msg.Metadata.Get("correlation_id"),
		"stream":         d.Stream,
		"socket":         d.Session,
	})
	return nil
}
