// Package metrics wraps github.com/prometheus/client_golang into the
// optional operator-facing side channel described for the transport core:
// attaching a Metrics value never changes control flow or return values,
// it only makes otherwise-invisible silent-drop paths observable.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the four gauges/counters the transport core can be wired
// to. Register it with a prometheus.Registerer once at startup, then pass
// it to transport.WithDropSink (it implements the dropSink contract) and
// call ObserveQueueDepth/ObserveFramesPopped/SetActiveSessions from the code
// driving the queue and reassembler.
type Metrics struct {
	TxQueueDepthGauge prometheus.Gauge
	TxFramesTotal     prometheus.Counter
	RxFramesDropped   *prometheus.CounterVec
	RxSessionsActive  prometheus.Gauge
}

// New creates the metric collectors, unregistered.
func New() *Metrics {
	return &Metrics{
		TxQueueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canopen_transport_tx_queue_depth",
			Help: "Current number of frames in the transmit queue.",
		}),
		TxFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canopen_transport_tx_frames_total",
			Help: "Frames popped from the transmit queue.",
		}),
		RxFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canopen_transport_rx_frames_dropped_total",
			Help: "Received frames silently dropped, by reason.",
		}, []string{"reason"}),
		RxSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canopen_transport_rx_sessions_active",
			Help: "Live RX reassembly sessions across all subscriptions.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.TxQueueDepthGauge, m.TxFramesTotal, m.RxFramesDropped, m.RxSessionsActive} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// DropFrame implements the transport package's dropSink interface.
func (m *Metrics) DropFrame(reason string) {
	m.RxFramesDropped.WithLabelValues(reason).Inc()
}

// ObserveQueueDepth sets the queue depth gauge.
func (m *Metrics) ObserveQueueDepth(depth int) {
	m.TxQueueDepthGauge.Set(float64(depth))
}

// ObserveFramesPopped increments the TX frame counter by n.
func (m *Metrics) ObserveFramesPopped(n int) {
	m.TxFramesTotal.Add(float64(n))
}

// SetActiveSessions sets the active-session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.RxSessionsActive.Set(float64(n))
}
