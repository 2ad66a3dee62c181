package realtime

import (
	"sync"
)

// Stream is one user's attached server-push channel. Events buffered on it are
// JSON encoded. Done is closed once the stream is replaced or torn down.
type Stream struct {
	userID string
	events chan []byte
	done   chan struct{}
	once   sync.Once
}

func newStream(userID string, buffer int) *Stream {
	return &Stream{
		userID: userID,
		events: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Stream) UserID() string        { return s.userID }
func (s *Stream) Events() <-chan []byte { return s.events }
func (s *Stream) Done() <-chan struct{} { return s.done }
func (s *Stream) close()                { s.once.Do(func() { close(s.done) }) }

// Closed reports whether the stream was replaced or torn down.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// StreamRegistry holds at most one push stream per user.
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	buffer  int
	metrics *routerMetrics
}

func newStreamRegistry(buffer int, m *routerMetrics) *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[string]*Stream),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe attaches a new stream for userID. A stream already attached for
// the same user is closed and stops receiving events.
func (r *StreamRegistry) Subscribe(userID string) *Stream {
	s := newStream(userID, r.buffer)

	r.mu.Lock()
	old, replaced := r.streams[userID]
	r.streams[userID] = s
	r.mu.Unlock()

	if replaced {
		old.close()
	} else {
		r.metrics.channels.WithLabelValues(TransportStream).Inc()
	}
	return s
}

// Unsubscribe tears down whatever stream is attached for userID, including one
// attached by a subscribe that raced the teardown.
func (r *StreamRegistry) Unsubscribe(userID string) {
	r.mu.Lock()
	s, ok := r.streams[userID]
	delete(r.streams, userID)
	r.mu.Unlock()

	if ok {
		s.close()
		r.metrics.channels.WithLabelValues(TransportStream).Dec()
	}
}

// Push forwards event to the user's stream. It reports false when no stream
// is attached or the stream buffer is full; the event is dropped either way.
func (r *StreamRegistry) Push(userID string, event []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[userID]
	if !ok {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// Attached reports whether userID currently has a stream.
func (r *StreamRegistry) Attached(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.streams[userID]
	return ok
}

func (r *StreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
