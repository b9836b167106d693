// Package metrics exposes driver counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds the driver collectors. A nil *Metrics records nothing, so
// components can take one unconditionally.
type Metrics struct {
	Scans            *prometheus.CounterVec // labels: family, result
	MailboxOverwrite *prometheus.CounterVec // labels: family
	Commands         *prometheus.CounterVec // labels: family, result=ok|timeout|error
	CommandTries     *prometheus.CounterVec // labels: family
	CommandSeconds   *prometheus.HistogramVec
	State            *prometheus.GaugeVec // labels: family; value is the numeric driver state
	Reconnects       prometheus.Counter
}

// New registers and returns the driver collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidar_scan_total",
			Help: "Buffer monitor scan iterations by outcome.",
		}, []string{"family", "result"}),
		MailboxOverwrite: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidar_mailbox_overwrite_total",
			Help: "Frames dropped because a newer frame replaced them before they were read.",
		}, []string{"family"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidar_command_total",
			Help: "Request/reply exchanges by result.",
		}, []string{"family", "result"}),
		CommandTries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lidar_command_tries_total",
			Help: "Command frames written, including retries.",
		}, []string{"family"}),
		CommandSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lidar_command_duration_seconds",
			Help:    "Time from first write to matching reply or final timeout.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"family"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lidar_driver_state",
			Help: "Current driver state (0 disconnected, 1 connected, 2 listening, 3 idle, 4 configuring, 5 streaming).",
		}, []string{"family"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lidar_reconnect_total",
			Help: "Reconnects performed by the daemon.",
		}),
	}
	reg.MustRegister(m.Scans, m.MailboxOverwrite, m.Commands, m.CommandTries, m.CommandSeconds, m.State, m.Reconnects)
	return m
}

func (m *Metrics) Scan(family, result string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(family, result).Inc()
}

func (m *Metrics) Overwrite(family string) {
	if m == nil {
		return
	}
	m.MailboxOverwrite.WithLabelValues(family).Inc()
}

func (m *Metrics) Try(family string) {
	if m == nil {
		return
	}
	m.CommandTries.WithLabelValues(family).Inc()
}

func (m *Metrics) Command(family, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(family, result).Inc()
	m.CommandSeconds.WithLabelValues(family).Observe(d.Seconds())
}

func (m *Metrics) SetState(family string, state int) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(family).Set(float64(state))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}
