package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initPublisherMetrics(cfg Config) {
	m.publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_publishes_total",
			Help: "Total number of publish attempts by outcome",
		},
		[]string{"status"},
	)

	m.publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventbus_publish_duration_seconds",
			Help:    "Publish attempt duration in seconds",
			Buckets: cfg.PublishDurationBuckets,
		},
		[]string{"status"},
	)

	m.publishBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventbus_publish_payload_bytes",
			Help:    "Published envelope size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	m.publishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publish_retries_total",
			Help: "Total number of publish retries",
		},
	)

	m.busDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_degraded_mode",
			Help: "1 when the publisher considers the bus degraded, else 0",
		},
	)

	m.registry.MustRegister(m.publishTotal)
	m.registry.MustRegister(m.publishDuration)
	m.registry.MustRegister(m.publishBytes)
	m.registry.MustRegister(m.publishRetries)
	m.registry.MustRegister(m.busDegraded)
}

// RecordPublish records one publish attempt outcome.
func (m *Manager) RecordPublish(status string, payloadBytes int, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	m.publishTotal.WithLabelValues(status).Inc()
	m.publishDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	if status == "success" {
		m.publishBytes.Observe(float64(payloadBytes))
	}
}

// RecordRetry records one publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.publishRetries.Inc()
}

// SetDegradedMode flags whether the event bus is in degraded mode.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.busDegraded.Set(1)
	} else {
		m.busDegraded.Set(0)
	}
}
