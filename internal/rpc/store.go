package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/protogate/internal/runtime/errors"
)

// PendingCall is one in-flight request. It is settled exactly once, by a reply,
// its deadline, or connection loss; later attempts are ignored.
type PendingCall struct {
	CorrelationID string
	RequestTopic  string
	ReplyTopic    string
	CreatedAt     time.Time
	Deadline      time.Time

	once    sync.Once
	done    chan struct{}
	payload []byte
	err     error
}

// Done is closed once the call is settled.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled outcome. It must only be read after Done is closed.
func (p *PendingCall) Result() ([]byte, error) {
	return p.payload, p.err
}

func (p *PendingCall) settle(payload []byte, err error) bool {
	settled := false
	p.once.Do(func() {
		p.payload, p.err = payload, err
		close(p.done)
		settled = true
	})
	return settled
}

// Store tracks pending calls by correlation id. Removal from the map is the
// single gate to settlement, so a reply racing a timeout settles at most once.
type Store struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
	clock clock.Clock
}

// NewStore returns an empty store. A nil clock uses the wall clock.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{calls: make(map[string]*PendingCall), clock: clk}
}

// Register inserts a new pending call. Correlation ids must be unique.
func (s *Store) Register(correlationID, requestTopic, replyTopic string, timeout time.Duration) (*PendingCall, error) {
	now := s.clock.Now()
	call := &PendingCall{
		CorrelationID: correlationID,
		RequestTopic:  requestTopic,
		ReplyTopic:    replyTopic,
		CreatedAt:     now,
		Deadline:      now.Add(timeout),
		done:          make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[correlationID]; exists {
		return nil, fmt.Errorf("rpc: correlation id %q already pending", correlationID)
	}
	s.calls[correlationID] = call
	return call, nil
}

// Settle removes the call and settles it. It reports false when no call with
// that id is pending, which covers late and duplicate replies.
func (s *Store) Settle(correlationID string, payload []byte, err error) bool {
	s.mu.Lock()
	call, ok := s.calls[correlationID]
	if ok {
		delete(s.calls, correlationID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	return call.settle(payload, err)
}

// Lookup returns the pending call for id without settling it.
func (s *Store) Lookup(correlationID string) (*PendingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[correlationID]
	return call, ok
}

// FailAll settles every pending call with err and returns how many it settled.
func (s *Store) FailAll(err error) int {
	s.mu.Lock()
	calls := s.calls
	s.calls = make(map[string]*PendingCall)
	s.mu.Unlock()

	n := 0
	for _, call := range calls {
		if call.settle(nil, err) {
			n++
		}
	}
	return n
}

// SweepExpired settles every call whose deadline has passed with ErrTimeout.
func (s *Store) SweepExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []*PendingCall
	for id, call := range s.calls {
		if !now.Before(call.Deadline) {
			expired = append(expired, call)
			delete(s.calls, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, call := range expired {
		if call.settle(nil, timeoutError(call.RequestTopic, call.Deadline.Sub(call.CreatedAt))) {
			n++
		}
	}
	return n
}

// Len returns the number of pending calls.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func timeoutError(topic string, after time.Duration) error {
	return fmt.Errorf("%w: %s after %s", errors.ErrTimeout, topic, after)
}
