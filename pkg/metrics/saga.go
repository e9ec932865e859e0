package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/usersaga/usersaga/pkg/saga"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of sagas started by type",
		},
		[]string{"saga_type"},
	)

	m.sagaFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total number of sagas reaching a terminal status",
		},
		[]string{"saga_type", "status"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga execution duration in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"saga_type", "status"},
	)

	m.stepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total number of step retries by type and step",
		},
		[]string{"saga_type", "step"},
	)

	m.staleFeedback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_stale_feedback_total",
			Help: "Total number of late or duplicate feedback events ignored",
		},
	)

	m.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation runs by terminal status",
		},
		[]string{"status"},
	)

	m.compensationActs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensation_actions_total",
			Help: "Total number of compensation action executions by outcome",
		},
		[]string{"action", "status"},
	)

	m.timeoutSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_timeout_sweeps_total",
			Help: "Total number of timeout scanner sweeps",
		},
	)

	m.timeoutSagas = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_timeouts_total",
			Help: "Total number of sagas moved to TIMEOUT by the scanner",
		},
	)

	m.consumedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_consumed_total",
			Help: "Total number of inbound events by processing result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(m.sagaStarted)
	m.registry.MustRegister(m.sagaFinished)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.stepRetries)
	m.registry.MustRegister(m.staleFeedback)
	m.registry.MustRegister(m.compensations)
	m.registry.MustRegister(m.compensationActs)
	m.registry.MustRegister(m.timeoutSweeps)
	m.registry.MustRegister(m.timeoutSagas)
	m.registry.MustRegister(m.consumedEvents)
}

// RecordSagaStarted records one saga creation.
func (m *Manager) RecordSagaStarted(sagaType saga.Type) {
	if !m.enabled {
		return
	}
	m.sagaStarted.WithLabelValues(string(sagaType)).Inc()
}

// RecordSagaFinished records one saga reaching a terminal status.
func (m *Manager) RecordSagaFinished(sagaType saga.Type, status saga.Status, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaFinished.WithLabelValues(string(sagaType), string(status)).Inc()
	m.sagaDuration.WithLabelValues(string(sagaType), string(status)).Observe(duration.Seconds())
}

// RecordStepRetry records one step retry dispatch.
func (m *Manager) RecordStepRetry(sagaType saga.Type, step string) {
	if !m.enabled {
		return
	}
	m.stepRetries.WithLabelValues(string(sagaType), step).Inc()
}

// RecordStaleFeedback records one ignored feedback event.
func (m *Manager) RecordStaleFeedback() {
	if !m.enabled {
		return
	}
	m.staleFeedback.Inc()
}

// RecordCompensation records one settled compensation run.
func (m *Manager) RecordCompensation(status saga.Status) {
	if !m.enabled {
		return
	}
	m.compensations.WithLabelValues(string(status)).Inc()
}

// RecordCompensationAction records one compensation action outcome.
func (m *Manager) RecordCompensationAction(action, status string) {
	if !m.enabled {
		return
	}
	m.compensationActs.WithLabelValues(action, status).Inc()
}

// RecordTimeoutSweep records one scanner sweep and how many sagas it claimed.
func (m *Manager) RecordTimeoutSweep(expired int) {
	if !m.enabled {
		return
	}
	m.timeoutSweeps.Inc()
	m.timeoutSagas.Add(float64(expired))
}

// RecordEventConsumed records one inbound event processing result.
func (m *Manager) RecordEventConsumed(result string) {
	if !m.enabled {
		return
	}
	m.consumedEvents.WithLabelValues(result).Inc()
}
