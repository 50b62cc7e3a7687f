package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestQueueDepthAndInFlightGaugesReport(t *testing.T) {
	m := New()
	m.QueueDepth.WithLabelValues("incoming").Set(3)
	m.InFlightRequests.Set(2)
	m.InFlightScopes.WithLabelValues("local").Inc()

	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth.WithLabelValues("incoming")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InFlightRequests))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InFlightScopes.WithLabelValues("local")))
}

func TestDispatchErrorsCounter(t *testing.T) {
	m := New()
	m.DispatchErrors.WithLabelValues("unauthorized").Inc()
	m.DispatchErrors.WithLabelValues("unauthorized").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DispatchErrors.WithLabelValues("unauthorized")))
}

func TestObserveHeartbeatRTTRecordsSample(t *testing.T) {
	m := New()
	m.ObserveHeartbeatRTT(15 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.HeartbeatRTT))

	mfs, err := m.Registerer().Gather()
	assert.NoError(t, err)
	var samples uint64
	for _, mf := range mfs {
		if mf.GetName() == "wirepeer_heartbeat_rtt_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), samples)
}
