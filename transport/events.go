package transport

import (
	"sync"
	"time"
)

// ConnectionState is the broker connection state reported by a transport.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateReconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnected:
		return "reconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lost reports whether in-flight request/reply exchanges can no longer complete.
func (s ConnectionState) Lost() bool {
	return s == StateDisconnected || s == StateReconnected || s == StateClosed
}

// ConnectionEvent is one connection state change.
type ConnectionEvent struct {
	State ConnectionState
	Err   error
	At    time.Time
}

// ConnectionEvents fans connection state changes out to listeners. A nil
// *ConnectionEvents is valid and never emits.
type ConnectionEvents struct {
	mu        sync.RWMutex
	listeners map[int]func(ConnectionEvent)
	next      int
}

// NewConnectionEvents returns an empty notifier.
func NewConnectionEvents() *ConnectionEvents {
	return &ConnectionEvents{listeners: make(map[int]func(ConnectionEvent))}
}

// OnChange registers fn and returns a function that removes it. Listeners run
// synchronously on the emitting goroutine and must not block.
func (e *ConnectionEvents) OnChange(fn func(ConnectionEvent)) (cancel func()) {
	if e == nil || fn == nil {
		return func() {}
	}
	e.mu.Lock()
	id := e.next
	e.next++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit delivers ev to every listener.
func (e *ConnectionEvents) Emit(ev ConnectionEvent) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.RLock()
	fns := make([]func(ConnectionEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
