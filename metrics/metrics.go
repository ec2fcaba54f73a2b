// Package metrics exposes SEA node counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sea"

// Frame directions.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Collector owns the node metrics. A nil *Collector is valid and records
// nothing, so callers need no guards.
type Collector struct {
	Registry *prometheus.Registry

	frames        *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	completed     prometheus.Counter
	abandoned     *prometheus.CounterVec
	inFlight      prometheus.Gauge
	served        *prometheus.CounterVec
	serveDuration prometheus.Histogram
	fetchDuration prometheus.Histogram
}

// New creates a Collector and registers its metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),

		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "SEA frames sent and received, by kind.",
			},
			[]string{"direction", "kind"},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Lines that looked like SEA frames but failed to decode.",
			},
			[]string{"kind"},
		),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "completed_total",
			Help:      "Parted transfers reassembled.",
		}),
		abandoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfers",
				Name:      "abandoned_total",
				Help:      "Parted transfers dropped before completion.",
			},
			[]string{"reason"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "in_flight",
			Help:      "Parted transfers awaiting parts.",
		}),
		served: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resources",
				Name:      "served_total",
				Help:      "Resource requests handled, by result.",
			},
			[]string{"result"},
		),
		serveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "serve_duration_seconds",
			Help:      "Time from request delivery to the last response frame queued.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Round trip of successful resource fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	c.Registry.MustRegister(
		c.frames,
		c.decodeErrors,
		c.completed,
		c.abandoned,
		c.inFlight,
		c.served,
		c.serveDuration,
		c.fetchDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// Frame counts one frame of the given kind.
func (c *Collector) Frame(direction, kind string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(direction, kind).Inc()
}

// DecodeError counts one undecodable frame.
func (c *Collector) DecodeError(kind string) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(kind).Inc()
}

// TransferCompleted counts one reassembled transfer.
func (c *Collector) TransferCompleted() {
	if c == nil {
		return
	}
	c.completed.Inc()
}

// TransferAbandoned counts one dropped transfer.
func (c *Collector) TransferAbandoned(reason string) {
	if c == nil {
		return
	}
	c.abandoned.WithLabelValues(reason).Inc()
}

// SetInFlight records the number of pending transfers.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// Served records one handled resource request.
func (c *Collector) Served(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.served.WithLabelValues(result).Inc()
	c.serveDuration.Observe(d.Seconds())
}

// Fetched records one completed fetch.
func (c *Collector) Fetched(d time.Duration) {
	if c == nil {
		return
	}
	c.fetchDuration.Observe(d.Seconds())
}
