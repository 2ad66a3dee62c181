package cloudevents

import "errors"

var (
	// ErrUnroutable marks an event that can never be delivered, such as one
	// that fails to decode or names no user. It skips retries.
	ErrUnroutable = errors.New("protogate: unroutable event")

	// ErrSkip marks an event that is acknowledged without processing.
	ErrSkip = errors.New("protogate: skip event")
)

// ShouldPoison reports whether err sends a message straight to the poison queue.
func ShouldPoison(err error) bool {
	return err != nil && errors.Is(err, ErrUnroutable)
}

// IsRetryable reports whether a handler error is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnroutable) && !errors.Is(err, ErrSkip)
}
