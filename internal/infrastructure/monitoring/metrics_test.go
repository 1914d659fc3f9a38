package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsAreIsolatedPerCollector(t *testing.T) {
	first := NewMetrics()
	second := NewMetrics()

	first.RecordRPC("do-storage", "ok", time.Millisecond)
	first.RecordRPC("do-storage", "ok", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(first.RPCRequests.WithLabelValues("do-storage", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.RPCRequests.WithLabelValues("do-storage", "ok")))
}

func TestSnapshotTracksFetchesAndSockets(t *testing.T) {
	m := NewMetrics()
	m.RecordWorkerFetch(true)
	m.RecordWorkerFetch(false)
	m.IncGenerations()
	m.SocketOpened()
	m.SocketOpened()
	m.SocketClosed()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalFetches)
	assert.Equal(t, int64(1), snap.FailedFetches)
	assert.Equal(t, int64(1), snap.Generations)
	assert.Equal(t, int64(1), snap.OpenSockets)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SocketsOpen))
}

func TestNilTimerMetrics(t *testing.T) {
	timer := NewTimer(nil, "fetch")
	assert.NotPanics(t, func() { timer.Stop("ok") })
}
