package moderation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/protogate/internal/runtime/metrics"
)

const subsystem = "moderation"

type pipelineMetrics struct {
	checks *prometheus.CounterVec
	cache  *prometheus.CounterVec
}

func newPipelineMetrics(reg prometheus.Registerer) (*pipelineMetrics, error) {
	m := &pipelineMetrics{
		checks: metrics.CounterVec(subsystem, "checks_total", "Moderation checks by kind and verdict", "check", "verdict"),
		cache:  metrics.CounterVec(subsystem, "cache_total", "Image query cache lookups by result", "result"),
	}
	if err := metrics.Register(reg, m.checks, m.cache); err != nil {
		return nil, err
	}
	return m, nil
}
