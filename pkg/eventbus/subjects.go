package eventbus

import "fmt"

// SubjectPrefix is the canonical prefix for platform lifecycle events.
const SubjectPrefix = "commerce.v1"

// Lifecycle event types consumed from the account service.
const (
	EventUserRegistered = "user.registered"
	EventUserDeleted    = "user.deleted"
)

// Feedback event types emitted by downstream services after a step command.
const (
	EventStepCompleted = "saga.step.completed"
	EventStepFailed    = "saga.step.failed"
)

// Saga status event types published for other services to observe.
const (
	EventSagaCompleted          = "saga.completed"
	EventSagaCompensated        = "saga.compensated"
	EventSagaCompensationFailed = "saga.compensation_failed"
)

// LifecycleSubject returns the subject for an inbound lifecycle event type.
func LifecycleSubject(eventType string) string {
	return fmt.Sprintf("%s.lifecycle.%s", SubjectPrefix, sanitizeSegment(eventType))
}

// LifecycleWildcard matches every lifecycle subject.
func LifecycleWildcard() string {
	return fmt.Sprintf("%s.lifecycle.>", SubjectPrefix)
}

// StepSubject returns the command subject for one saga step, routed by the
// downstream service that owns it.
func StepSubject(service, step string) string {
	return fmt.Sprintf("%s.saga.step.%s.%s", SubjectPrefix, sanitizeSegment(service), sanitizeSegment(step))
}

// FeedbackSubject is where downstream services report step outcomes.
func FeedbackSubject() string {
	return fmt.Sprintf("%s.saga.feedback", SubjectPrefix)
}

// StatusSubject returns the subject for outbound saga status events.
func StatusSubject(eventType string) string {
	return fmt.Sprintf("%s.saga.status.%s", SubjectPrefix, sanitizeSegment(eventType))
}

// CompensationSubject returns the command subject for one compensating call,
// routed by the downstream service that owns the side effect.
func CompensationSubject(service, command string) string {
	return fmt.Sprintf("%s.saga.compensation.%s.%s", SubjectPrefix, sanitizeSegment(service), sanitizeSegment(command))
}

// AuditSubject receives the audit trail of executed compensation runs.
func AuditSubject() string {
	return fmt.Sprintf("%s.saga.audit", SubjectPrefix)
}

// DeadLetterSubject receives messages the receiver could not process.
func DeadLetterSubject() string {
	return fmt.Sprintf("%s.saga.deadletter", SubjectPrefix)
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
