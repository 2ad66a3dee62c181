package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoisonMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPoisonMetrics(reg)
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.Record("payment.settled", "realtime.payment.settled")
	m.now = func() time.Time { return base.Add(time.Minute) }
	m.Record("payment.settled", "realtime.payment.settled")
	m.Record("order.status_changed", "realtime.order.status_changed")

	stats, ok := m.Topic("payment.settled")
	require.True(t, ok)
	assert.Equal(t, uint64(2), stats.Messages)
	assert.Equal(t, base, stats.FirstPoisoned)
	assert.Equal(t, base.Add(time.Minute), stats.LastPoisonedAt)

	_, ok = m.Topic("notification.created")
	assert.False(t, ok)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("payment.settled", "realtime.payment.settled")))
	assert.Equal(t, float64(base.Add(time.Minute).Unix()), testutil.ToFloat64(m.lastPoisoned.WithLabelValues("payment.settled")))
}

func TestPoisonMetricsSnapshot(t *testing.T) {
	m, err := NewPoisonMetrics(nil)
	require.NoError(t, err)

	m.Record("a", "h")
	m.Record("b", "h")
	m.Record("b", "h")

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalMessages)
	assert.Len(t, snap.Topics, 2)
	assert.Equal(t, uint64(2), snap.Topics["b"].Messages)
}

func TestPoisonMetricsNilIsNoop(t *testing.T) {
	var m *PoisonMetrics
	assert.NotPanics(t, func() { m.Record("a", "h") })
}

func TestPoisonMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPoisonMetrics(reg)
	require.NoError(t, err)
	_, err = NewPoisonMetrics(reg)
	assert.NoError(t, err)
}
