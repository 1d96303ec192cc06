package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func TestRegisterAddsAllCollectors(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	assert.NoError(t, m.Register(reg))
	// A CounterVec with no label values yet gathers no family at all.
	m.DropFrame("malformed")

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestDropFrameIncrementsLabeledCounter(t *testing.T) {
	m := New()
	m.DropFrame("crc_mismatch")
	m.DropFrame("crc_mismatch")
	m.DropFrame("bad_toggle")

	var metric dto.Metric
	assert.NoError(t, m.RxFramesDropped.WithLabelValues("crc_mismatch").Write(&metric))
	assert.Equal(t, 2.0, metric.GetCounter().GetValue())
}

func TestObserveQueueDepthAndFramesPopped(t *testing.T) {
	m := New()
	m.ObserveQueueDepth(5)
	m.ObserveFramesPopped(3)
	m.SetActiveSessions(2)

	var gauge dto.Metric
	assert.NoError(t, m.TxQueueDepthGauge.Write(&gauge))
	assert.Equal(t, 5.0, gauge.GetGauge().GetValue())

	var counter dto.Metric
	assert.NoError(t, m.TxFramesTotal.Write(&counter))
	assert.Equal(t, 3.0, counter.GetCounter().GetValue())

	var sessions dto.Metric
	assert.NoError(t, m.RxSessionsActive.Write(&sessions))
	assert.Equal(t, 2.0, sessions.GetGauge().GetValue())
}
