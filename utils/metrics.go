package utils

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters the core updates. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter
	DecodeFailures prometheus.Counter
	EncodeFailures prometheus.Counter
	SendFailures   prometheus.Counter
	TrackedIDs     prometheus.Gauge
	ArmedRows      prometheus.Gauge
	TickDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wican_frames_received_total",
			Help: "CAN frames observed on the bus",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wican_frames_sent_total",
			Help: "CAN frames transmitted by the scheduler",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wican_decode_failures_total",
			Help: "Frames with a catalog entry that failed to decode",
		}),
		EncodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wican_encode_failures_total",
			Help: "Armed rows that could not be encoded",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wican_send_failures_total",
			Help: "Encoded frames the transport rejected",
		}),
		TrackedIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wican_tracked_ids",
			Help: "Distinct arbitration IDs in the live table",
		}),
		ArmedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wican_armed_rows",
			Help: "Rows currently armed for transmission",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wican_tick_duration_seconds",
			Help:    "Time spent in one scheduler tick",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.FramesSent,
			m.DecodeFailures,
			m.EncodeFailures,
			m.SendFailures,
			m.TrackedIDs,
			m.ArmedRows,
			m.TickDuration,
		)
	}
	return m
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) DecodeFailed() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}

func (m *Metrics) EncodeFailed() {
	if m != nil {
		m.EncodeFailures.Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) SetTrackedIDs(n int) {
	if m != nil {
		m.TrackedIDs.Set(float64(n))
	}
}

func (m *Metrics) SetArmedRows(n int) {
	if m != nil {
		m.ArmedRows.Set(float64(n))
	}
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m != nil {
		m.TickDuration.Observe(seconds)
	}
}
