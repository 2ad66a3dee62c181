// Package realtime pushes backend events to connected clients over two
// independent per-user channels: a server-push stream and a socket session.
package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/internal/runtime/logging"
	"github.com/drblury/protogate/internal/runtime/metrics"
)

const (
	TransportStream = "stream"
	TransportSocket = "socket"

	defaultBuffer    = 32
	defaultHeartbeat = 25 * time.Second
)

// Options configures a Router.
type Options struct {
	// Identity resolves socket and stream credentials. Without one every
	// socket session stays unauthenticated.
	Identity identity.Resolver
	Buffer   int
	// Heartbeat is the keepalive interval for streams and socket pings.
	Heartbeat time.Duration
	// CheckOrigin validates websocket upgrade origins. Nil accepts any origin.
	CheckOrigin func(*http.Request) bool
	Logger      logging.ServiceLogger
	Registerer  prometheus.Registerer
}

// Delivery reports which channels accepted an event.
type Delivery struct {
	Stream  bool
	Session bool
}

// Delivered reports whether any channel accepted the event.
func (d Delivery) Delivered() bool { return d.Stream || d.Session }

type routerMetrics struct {
	deliveries *prometheus.CounterVec
	channels   *prometheus.GaugeVec
}

// Router owns both channel registries and fans events out to them.
type Router struct {
	streams   *StreamRegistry
	sessions  *SessionRegistry
	identity  identity.Resolver
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	log       logging.ServiceLogger
	metrics   *routerMetrics
}

func New(opts Options) (*Router, error) {
	m := &routerMetrics{
		deliveries: metrics.CounterVec("realtime", "deliveries_total", "Event deliveries by channel and result", "transport", "result"),
		channels:   metrics.GaugeVec("realtime", "channels", "Bound user channels by transport", "transport"),
	}
	if err := metrics.Register(opts.Registerer, m.deliveries, m.channels); err != nil {
		return nil, err
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Router{
		streams:   newStreamRegistry(buffer, m),
		sessions:  newSessionRegistry(opts.Identity, buffer, m),
		identity:  opts.Identity,
		heartbeat: heartbeat,
		upgrader:  websocket.Upgrader{CheckOrigin: checkOrigin},
		log:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "realtime"}),
		metrics:   m,
	}, nil
}

func (r *Router) Streams() *StreamRegistry   { return r.streams }
func (r *Router) Sessions() *SessionRegistry { return r.sessions }

// Deliver encodes event once and pushes it to the user's stream and socket
// session. Users with neither attached lose the event.
func (r *Router) Deliver(userID string, event any) (Delivery, error) {
	frame, err := encodeEvent(event)
	if err != nil {
		return Delivery{}, err
	}

	d := Delivery{
		Stream:  r.streams.Push(userID, frame),
		Session: r.sessions.DeliverToUser(userID, frame),
	}
	r.metrics.deliveries.WithLabelValues(TransportStream, result(d.Stream)).Inc()
	r.metrics.deliveries.WithLabelValues(TransportSocket, result(d.Session)).Inc()

	if !d.Delivered() {
		r.log.Debug("No channel attached; event dropped", logging.LogFields{"user_id": userID})
	}
	return d, nil
}

func encodeEvent(event any) ([]byte, error) {
	switch v := event.(type) {
	case []byte:
		if !jsoncodec.Valid(v) {
			return nil, errors.New("realtime: event is not valid JSON")
		}
		return v, nil
	default:
		frame, err := jsoncodec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("realtime: encode event: %w", err)
		}
		return frame, nil
	}
}

func result(delivered bool) string {
	if delivered {
		return "delivered"
	}
	return "dropped"
}
