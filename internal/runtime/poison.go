package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	metricspkg "github.com/drblury/protogate/internal/runtime/metrics"
)

// PoisonMetrics tracks events diverted to the poison queue.
type PoisonMetrics struct {
	mu     sync.RWMutex
	topics map[string]*PoisonTopicStats
	now    func() time.Time

	messagesTotal *prometheus.CounterVec
	lastPoisoned  *prometheus.GaugeVec
}

// PoisonTopicStats holds poison queue counts for one source topic.
type PoisonTopicStats struct {
	Messages       uint64    `json:"messages"`
	FirstPoisoned  time.Time `json:"first_poisoned_at"`
	LastPoisonedAt time.Time `json:"last_poisoned_at"`
}

// PoisonSnapshot is a point-in-time view of PoisonMetrics.
type PoisonSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	Topics        map[string]PoisonTopicStats `json:"topics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

// NewPoisonMetrics creates the collectors and registers them on registerer.
// A nil registerer keeps the collectors unregistered.
func NewPoisonMetrics(registerer prometheus.Registerer) (*PoisonMetrics, error) {
	m := &PoisonMetrics{
		topics:        make(map[string]*PoisonTopicStats),
		now:           time.Now,
		messagesTotal: metricspkg.CounterVec("poison", "messages_total", "Events sent to the poison queue", "topic", "handler"),
		lastPoisoned:  metricspkg.GaugeVec("poison", "last_poisoned_timestamp_seconds", "Unix time of the last poisoned event", "topic"),
	}
	if err := metricspkg.Register(registerer, m.messagesTotal, m.lastPoisoned); err != nil {
		return nil, err
	}
	return m, nil
}

// Record counts one event from topic that handler could not route.
func (m *PoisonMetrics) Record(topic, handler string) {
	if m == nil {
		return
	}
	now := m.now()

	m.mu.Lock()
	stats, ok := m.topics[topic]
	if !ok {
		stats = &PoisonTopicStats{FirstPoisoned: now}
		m.topics[topic] = stats
	}
	stats.Messages++
	stats.LastPoisonedAt = now
	m.mu.Unlock()

	m.messagesTotal.WithLabelValues(topic, handler).Inc()
	m.lastPoisoned.WithLabelValues(topic).Set(float64(now.Unix()))
}

// Topic returns the stats for topic, or false when nothing was poisoned from it.
func (m *PoisonMetrics) Topic(topic string) (PoisonTopicStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.topics[topic]
	if !ok {
		return PoisonTopicStats{}, false
	}
	return *stats, true
}

func (m *PoisonMetrics) Snapshot() PoisonSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := PoisonSnapshot{
		Topics:      make(map[string]PoisonTopicStats, len(m.topics)),
		CollectedAt: m.now(),
	}
	for topic, stats := range m.topics {
		snapshot.Topics[topic] = *stats
		snapshot.TotalMessages += stats.Messages
	}
	return snapshot
}
