package saga

import "time"

// MetricsRecorder receives orchestration events for metrics collection.
// The concrete implementation lives in pkg/metrics; a nop recorder is used
// when metrics are disabled.
type MetricsRecorder interface {
	RecordSagaStarted(sagaType Type)
	RecordSagaFinished(sagaType Type, status Status, duration time.Duration)
	RecordStepRetry(sagaType Type, step string)
	RecordStaleFeedback()
	RecordCompensation(status Status)
	RecordCompensationAction(action, status string)
	RecordTimeoutSweep(expired int)
	RecordEventConsumed(result string)
}

// NopMetrics is a MetricsRecorder that discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordSagaStarted(Type)                         {}
func (NopMetrics) RecordSagaFinished(Type, Status, time.Duration) {}
func (NopMetrics) RecordStepRetry(Type, string)                   {}
func (NopMetrics) RecordStaleFeedback()                           {}
func (NopMetrics) RecordCompensation(Status)                      {}
func (NopMetrics) RecordCompensationAction(string, string)        {}
func (NopMetrics) RecordTimeoutSweep(int)                         {}
func (NopMetrics) RecordEventConsumed(string)                     {}

// Logger is the structured logging surface the saga package needs.
// *logger.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
