// Package cloudevents implements the CloudEvents v1.0 JSON envelope backend
// services use for domain events, plus the gateway's routing extensions.
package cloudevents

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protogate/internal/runtime/ids"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentType is the structured-mode media type of an encoded event.
const ContentType = "application/cloudevents+json"

// Event is a CloudEvents v1.0 event. Extensions are flattened into the
// top-level JSON object on the wire.
type Event struct {
	SpecVersion string
	// Type describes the occurrence, e.g. payment.settled.
	Type   string
	Source string
	ID     string

	Time            time.Time
	DataContentType string
	// Subject is the routing fallback when the userid extension is absent.
	Subject string
	Data    any

	Extensions map[string]any
}

// New creates an event with a ULID id and the current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              ids.CreateULID(),
		Time:            Now(),
		DataContentType: "application/json",
		Data:            data,
		Extensions:      make(map[string]any),
	}
}

// WithSubject sets the subject and returns the event.
func (e Event) WithSubject(subject string) Event {
	e.Subject = subject
	return e
}

// WithExtension sets an extension attribute and returns the event.
func (e Event) WithExtension(key string, value any) Event {
	ext := make(map[string]any, len(e.Extensions)+1)
	for k, v := range e.Extensions {
		ext[k] = v
	}
	ext[key] = value
	e.Extensions = ext
	return e
}

// ExtensionString returns an extension as a string, or "" when absent.
func (e Event) ExtensionString(key string) string {
	switch v := e.Extensions[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

// Validate checks the required CloudEvents attributes.
func (e Event) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("type is required")
	case e.Source == "":
		return fmt.Errorf("source is required")
	case e.ID == "":
		return fmt.Errorf("id is required")
	}
	return nil
}

var reserved = map[string]bool{
	"specversion": true, "type": true, "source": true, "id": true,
	"time": true, "datacontenttype": true, "subject": true, "data": true,
}

// MarshalJSON encodes the event in structured-mode JSON.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extensions)+8)
	for k, v := range e.Extensions {
		if !reserved[k] {
			m[k] = v
		}
	}
	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = FormatTime(e.Time)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return jsoncodec.Marshal(m)
}

// UnmarshalJSON decodes structured-mode JSON. Unknown attributes become extensions.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}
	out := Event{Extensions: make(map[string]any)}
	for k, v := range m {
		switch k {
		case "data":
			out.Data = v
			continue
		case "time":
			s, _ := v.(string)
			t, err := ParseTime(s)
			if err != nil {
				return fmt.Errorf("invalid time: %w", err)
			}
			out.Time = t
			continue
		}
		if !reserved[k] {
			out.Extensions[k] = v
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("invalid %s: expected string, got %T", k, v)
		}
		switch k {
		case "specversion":
			out.SpecVersion = s
		case "type":
			out.Type = s
		case "source":
			out.Source = s
		case "id":
			out.ID = s
		case "datacontenttype":
			out.DataContentType = s
		case "subject":
			out.Subject = s
		}
	}
	*e = out
	return nil
}

// Decode parses and validates an encoded event.
func Decode(payload []byte) (Event, error) {
	var evt Event
	if err := jsoncodec.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("cloudevents: decode: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, fmt.Errorf("cloudevents: %w", err)
	}
	return evt, nil
}

// ToMessage encodes evt as a Watermill message whose UUID is the event id.
func ToMessage(evt Event) (*message.Message, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("cloudevents: %w", err)
	}
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("cloudevents: encode: %w", err)
	}
	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata.Set("content-type", ContentType)
	msg.Metadata.Set("ce_type", evt.Type)
	if cid := CorrelationID(evt); cid != "" {
		msg.Metadata.Set("correlation_id", cid)
	}
	return msg, nil
}

// FromMessage decodes the event carried by msg.
func FromMessage(msg *message.Message) (Event, error) {
	return Decode(msg.Payload)
}
