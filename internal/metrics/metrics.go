// Package metrics wraps prometheus collector construction so that every
// component registers its counters against the default registry with the same
// namespace. The /-/metrics route exposes that registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace 是所有 wallhub 指标共享的前缀。
const Namespace = "wallhub"

// Result label values shared by acquisition and janitor metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MustRegisterCounter creates and registers a counter.
// Must be called from package initialisation.
func MustRegisterCounter(namespace, component, name, help string) prometheus.Counter {
	m := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}

// MustRegisterCounterVec creates and registers a counter vector.
func MustRegisterCounterVec(namespace, component, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// MustRegisterGauge creates and registers a gauge.
func MustRegisterGauge(namespace, component, name, help string) prometheus.Gauge {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}

// MustRegisterHistogramVec creates and registers a histogram vector.
func MustRegisterHistogramVec(namespace, component, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	m := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}
