package rpc

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/metrics"
)

const subsystem = "rpc"

// Metrics are the client's Prometheus collectors.
type Metrics struct {
	calls       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lateReplies *prometheus.CounterVec
	inflight    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg (nil skips registration).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls:       metrics.CounterVec(subsystem, "calls_total", "RPC calls by request topic and outcome", "topic", "outcome"),
		duration:    metrics.HistogramVec(subsystem, "call_duration_seconds", "Time from publish to settlement", []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}, "topic"),
		lateReplies: metrics.CounterVec(subsystem, "late_replies_total", "Replies that arrived after their call was settled", "topic"),
		inflight:    metrics.Gauge(subsystem, "inflight", "Calls awaiting a reply"),
	}
	if err := metrics.Register(reg, m.calls, m.duration, m.lateReplies, m.inflight); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observe(topic string, started time.Time, err error) {
	m.calls.WithLabelValues(topic, outcome(err)).Inc()
	m.duration.WithLabelValues(topic).Observe(time.Since(started).Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, errors.ErrTimeout):
		return "timeout"
	case stderrors.Is(err, errors.ErrConnectionLost):
		return "connection_lost"
	case stderrors.Is(err, errors.ErrUpstreamRejected):
		return "upstream_rejected"
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
