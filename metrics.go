package netmux

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects Prometheus instrumentation for Socket and
// ServerListener. It is optional: a nil *Metrics (the default for every
// constructor in this package) simply skips every observation, so
// instrumentation costs nothing for embedders who don't ask for it.
//
// Grounded on the corpus's own use of github.com/prometheus/client_golang
// (mrcgq-222's relay and vango-go-vango's server both expose collectors
// this way) rather than a bespoke counters type.
type Metrics struct {
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
	framesRead   prometheus.Counter
	openSockets  prometheus.Gauge
	acceptTotal  prometheus.Counter
}

// NewMetrics builds a Metrics collector and registers it with reg. Pass
// the result to WithSocketMetrics / WithListenerMetrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netmux_bytes_read_total",
			Help: "Total bytes read from all sockets.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netmux_bytes_written_total",
			Help: "Total bytes written to all sockets.",
		}),
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netmux_frames_read_total",
			Help: "Total complete frames delivered to OnMessage.",
		}),
		openSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netmux_open_sockets",
			Help: "Number of sockets currently open.",
		}),
		acceptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netmux_accepted_connections_total",
			Help: "Total connections accepted by server listeners.",
		}),
	}

	reg.MustRegister(m.bytesRead, m.bytesWritten, m.framesRead, m.openSockets, m.acceptTotal)
	return m
}

func (m *Metrics) addBytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) addBytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) incFrames() {
	if m == nil {
		return
	}
	m.framesRead.Inc()
}

func (m *Metrics) socketOpened() {
	if m == nil {
		return
	}
	m.openSockets.Inc()
}

func (m *Metrics) socketClosed() {
	if m == nil {
		return
	}
	m.openSockets.Dec()
}

func (m *Metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.acceptTotal.Inc()
}
