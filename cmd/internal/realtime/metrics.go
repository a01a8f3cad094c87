package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "remoteconnect"

// Metrics holds the coordinator instruments on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ControlQueueLength prometheus.Gauge
	ControlHeld        prometheus.Gauge

	FramesIn            prometheus.Counter
	FramesOut           prometheus.Counter
	ScreenFrames        prometheus.Counter
	ScreenFramesDropped prometheus.Counter
	UploadsCompleted    prometheus.Counter
	AuthFailures        prometheus.Counter
}

// NewMetrics registers the instruments plus Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		Registry:            reg,
		ConnectionsActive:   gauge("connections_active", "Connections past the handshake."),
		ControlQueueLength:  gauge("control_queue_length", "Connections waiting for control."),
		ControlHeld:         gauge("control_held", "1 while some connection holds control."),
		FramesIn:            counter("frames_in_total", "Inbound frames decoded."),
		FramesOut:           counter("frames_out_total", "Outbound frames written."),
		ScreenFrames:        counter("screen_frames_total", "Screen frames broadcast."),
		ScreenFramesDropped: counter("screen_frames_dropped_total", "Screen frames skipped because the connection was busy writing."),
		UploadsCompleted:    counter("uploads_completed_total", "Uploads that received every chunk."),
		AuthFailures:        counter("auth_failures_total", "Failed AUTHENTICATE attempts."),
	}
}

// gaugeFunc registers a gauge computed at scrape time.
func (m *Metrics) gaugeFunc(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help}, fn))
}
