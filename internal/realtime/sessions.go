package realtime

import (
	"sync"

	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/runtime/ids"
)

// Session is one socket connection. Sessions whose credential did not resolve
// stay open but are never bound to a user.
type Session struct {
	id     string
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *Session) ID() string              { return s.id }
func (s *Session) UserID() string          { return s.userID }
func (s *Session) Authenticated() bool     { return s.userID != "" }
func (s *Session) Outbound() <-chan []byte { return s.send }
func (s *Session) Done() <-chan struct{}   { return s.done }

func (s *Session) close() { s.once.Do(func() { close(s.done) }) }

// enqueue queues frame for the session writer without blocking.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// SessionRegistry binds user ids to their socket session.
type SessionRegistry struct {
	mu       sync.RWMutex
	byUser   map[string]*Session
	identity identity.Resolver
	buffer   int
	metrics  *routerMetrics
}

func newSessionRegistry(resolver identity.Resolver, buffer int, m *routerMetrics) *SessionRegistry {
	return &SessionRegistry{
		byUser:   make(map[string]*Session),
		identity: resolver,
		buffer:   buffer,
		metrics:  m,
	}
}

// Connect opens a session for credential. When the credential resolves to a
// user the session is bound to that user, replacing any earlier binding.
func (r *SessionRegistry) Connect(credential string) *Session {
	s := &Session{
		id:   ids.NewSessionID(),
		send: make(chan []byte, r.buffer),
		done: make(chan struct{}),
	}
	if r.identity == nil {
		return s
	}
	userID, ok := r.identity.ResolveUserID(credential)
	if !ok {
		return s
	}
	s.userID = userID

	r.mu.Lock()
	_, rebound := r.byUser[userID]
	r.byUser[userID] = s
	r.mu.Unlock()

	if !rebound {
		r.metrics.channels.WithLabelValues(TransportSocket).Inc()
	}
	return s
}

// Disconnect closes s and unbinds its user, unless a newer session has taken
// over the binding in the meantime.
func (r *SessionRegistry) Disconnect(s *Session) {
	if s == nil {
		return
	}
	s.close()
	if !s.Authenticated() {
		return
	}

	r.mu.Lock()
	current, ok := r.byUser[s.userID]
	removed := ok && current.id == s.id
	if removed {
		delete(r.byUser, s.userID)
	}
	r.mu.Unlock()

	if removed {
		r.metrics.channels.WithLabelValues(TransportSocket).Dec()
	}
}

// DeliverToUser emits event on the session bound to userID. Events for users
// without a session, or whose send buffer is full, are dropped.
func (r *SessionRegistry) DeliverToUser(userID string, event []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byUser[userID]
	if !ok {
		return false
	}
	return s.enqueue(event)
}

// Bound reports whether userID currently has a session.
func (r *SessionRegistry) Bound(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
