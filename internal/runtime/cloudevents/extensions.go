package cloudevents

import "strings"

// Extension attributes the gateway reads and writes. CloudEvents restricts
// extension names to lowercase alphanumerics.
const (
	// ExtUserID names the user a backend event is addressed to.
	ExtUserID        = "userid"
	ExtCorrelationID = "correlationid"
)

// TargetUser returns the user an event is addressed to: the userid extension,
// falling back to the subject. It returns "" when neither is set.
func TargetUser(evt Event) string {
	if id := strings.TrimSpace(evt.ExtensionString(ExtUserID)); id != "" {
		return id
	}
	return strings.TrimSpace(evt.Subject)
}

// ForUser addresses evt to userID.
func ForUser(evt Event, userID string) Event {
	return evt.WithExtension(ExtUserID, userID)
}

// CorrelationID returns the correlation id extension.
func CorrelationID(evt Event) string {
	return evt.ExtensionString(ExtCorrelationID)
}

// WithCorrelationID sets the correlation id extension.
func WithCorrelationID(evt Event, id string) Event {
	return evt.WithExtension(ExtCorrelationID, id)
}
