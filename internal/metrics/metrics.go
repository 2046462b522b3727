// Package metrics holds the prometheus collectors for pricewatch.
//
// A nil *Metrics is valid and records nothing, so packages can be used
// (and tested) without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricewatch"

// Metrics is a set of collectors registered on their own registry
type Metrics struct {
	Registry *prometheus.Registry

	Watchers      prometheus.Gauge
	Subscriptions prometheus.Gauge
	Connections   prometheus.Gauge
	Acquisitions  *prometheus.CounterVec
	Retirements   *prometheus.CounterVec
	Values        prometheus.Counter
	EmptyValues   prometheus.Counter
	FetchErrors   prometheus.Counter
	Deliveries    prometheus.Counter
	Dropped       prometheus.Counter
	AcquireTime   prometheus.Histogram
}

// New creates and registers the collectors
func New() *Metrics {

	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers",
			Help:      "Number of registered watchers.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Number of (connection, key) subscriptions.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of connected websocket clients.",
		}),
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Source acquisitions by result (ok, error, abandoned).",
		}, []string{"result"}),
		Retirements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retirements_total",
			Help:      "Watchers retired, by reason (idle, abandoned, error, fault, shutdown).",
		}, []string{"reason"}),
		Values: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_total",
			Help:      "Values produced by all watchers.",
		}),
		EmptyValues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_values_total",
			Help:      "Values skipped because they were empty or unparseable.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Recoverable fetch errors.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Values handed to subscribers.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Values that could not be handed to a subscriber.",
		}),
		AcquireTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_seconds",
			Help:      "Time taken to open a source.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	m.Registry.MustRegister(
		m.Watchers,
		m.Subscriptions,
		m.Connections,
		m.Acquisitions,
		m.Retirements,
		m.Values,
		m.EmptyValues,
		m.FetchErrors,
		m.Deliveries,
		m.Dropped,
		m.AcquireTime,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WatcherAdded() {
	if m != nil {
		m.Watchers.Inc()
	}
}

func (m *Metrics) WatcherRemoved(reason string) {
	if m != nil {
		m.Watchers.Dec()
		m.Retirements.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Acquired(result string, seconds float64) {
	if m != nil {
		m.Acquisitions.WithLabelValues(result).Inc()
		m.AcquireTime.Observe(seconds)
	}
}

func (m *Metrics) Subscribed() {
	if m != nil {
		m.Subscriptions.Inc()
	}
}

func (m *Metrics) Unsubscribed(n int) {
	if m != nil {
		m.Subscriptions.Sub(float64(n))
	}
}

func (m *Metrics) Connected() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) Disconnected() {
	if m != nil {
		m.Connections.Dec()
	}
}

// Value records one produced value and its fan-out
func (m *Metrics) Value(delivered, dropped int) {
	if m != nil {
		m.Values.Inc()
		m.Deliveries.Add(float64(delivered))
		m.Dropped.Add(float64(dropped))
	}
}

func (m *Metrics) EmptyValue() {
	if m != nil {
		m.EmptyValues.Inc()
	}
}

func (m *Metrics) FetchError() {
	if m != nil {
		m.FetchErrors.Inc()
	}
}
