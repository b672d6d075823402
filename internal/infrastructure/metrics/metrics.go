// Package metrics exposes the bridge's Prometheus metrics on a private
// registry, served by Handler at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tydom"

// Command results used as label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// SessionSnapshot is the view of the gateway session read at scrape time.
type SessionSnapshot struct {
	Connected      bool
	Reconnects     uint64
	FramesSent     uint64
	FramesReceived uint64
	Errors         uint64
}

// Collector owns every bridge metric.
type Collector struct {
	registry *prometheus.Registry

	FramesRouted  *prometheus.CounterVec
	FramesDropped prometheus.Counter
	DeltasApplied prometheus.Counter
	Devices       prometheus.Gauge
	Commands      *prometheus.CounterVec
	PublishErrors prometheus.Counter
}

// New creates the collector and registers its metrics along with the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		FramesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "frames_total",
				Help:      "Frames classified by the message router, by message kind",
			},
			[]string{"kind"},
		),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_dropped_total",
			Help:      "Frames that could not be decoded",
		}),
		DeltasApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "deltas_applied_total",
			Help:      "Device deltas applied to the registry",
		}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices",
			Help:      "Devices currently known to the registry",
		}),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "commands_total",
				Help:      "Host commands executed, by command and result",
			},
			[]string{"command", "result"},
		),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "publish_errors_total",
			Help:      "MQTT publish failures",
		}),
	}

	c.registry.MustRegister(
		c.FramesRouted,
		c.FramesDropped,
		c.DeltasApplied,
		c.Devices,
		c.Commands,
		c.PublishErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// WatchSession registers metrics read from the session at scrape time.
// Call it once, after the session exists.
func (c *Collector) WatchSession(snapshot func() SessionSnapshot) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 when the gateway session is connected",
		}, func() float64 {
			if snapshot().Connected {
				return 1
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Gateway session reconnections",
		}, func() float64 { return float64(snapshot().Reconnects) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_sent_total",
			Help:      "Frames written to the gateway",
		}, func() float64 { return float64(snapshot().FramesSent) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Frames read from the gateway",
		}, func() float64 { return float64(snapshot().FramesReceived) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "errors_total",
			Help:      "Transport errors on the gateway session",
		}, func() float64 { return float64(snapshot().Errors) }),
	)
}

// Command counts one executed command.
func (c *Collector) Command(name string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.Commands.WithLabelValues(name, result).Inc()
}

// FrameRouted counts one classified frame.
func (c *Collector) FrameRouted(kind string) {
	c.FramesRouted.WithLabelValues(kind).Inc()
}

// FrameDropped counts one frame that yielded nothing usable.
func (c *Collector) FrameDropped() {
	c.FramesDropped.Inc()
}

// DeltasAppliedAdd counts deltas merged into the registry.
func (c *Collector) DeltasAppliedAdd(n int) {
	c.DeltasApplied.Add(float64(n))
}

// SetDevices records the registry size.
func (c *Collector) SetDevices(n int) {
	c.Devices.Set(float64(n))
}

// PublishFailed counts one MQTT publish failure.
func (c *Collector) PublishFailed() {
	c.PublishErrors.Inc()
}

// Registry returns the underlying registry, for tests and custom collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
