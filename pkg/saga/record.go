// Package saga coordinates multi-step, cross-service user-lifecycle
// transactions. Each saga advances through a fixed step sequence driven by
// feedback events from downstream services; irrecoverable failures are rolled
// back by the compensation engine.
package saga

import (
	"errors"
	"fmt"
	"time"
)

// Errors surfaced by stores and the orchestrator.
var (
	ErrSagaNotFound     = errors.New("saga record not found")
	ErrVersionConflict  = errors.New("saga record version conflict")
	ErrActiveSagaExists = errors.New("active saga already exists for user and type")
	ErrEventProcessed   = errors.New("event already processed")
)

// Type identifies which fixed step sequence and compensation set applies.
type Type string

const (
	TypeUserRegistration Type = "USER_REGISTRATION"
	TypeUserDeletion     Type = "USER_DELETION"
)

// Valid reports whether the saga type is known.
func (t Type) Valid() bool {
	switch t {
	case TypeUserRegistration, TypeUserDeletion:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a saga record.
type Status string

const (
	StatusStarted            Status = "STARTED"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusCompleted          Status = "COMPLETED"
	StatusStepFailed         Status = "STEP_FAILED"
	StatusTimeout            Status = "TIMEOUT"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
)

var validTransitions = map[Status]map[Status]struct{}{
	StatusStarted: {
		StatusInProgress: {},
		StatusStepFailed: {},
		StatusTimeout:    {},
	},
	StatusInProgress: {
		StatusCompleted:  {},
		StatusStepFailed: {},
		StatusTimeout:    {},
	},
	StatusStepFailed: {
		StatusCompensating: {},
	},
	StatusTimeout: {
		StatusCompensating: {},
	},
	StatusCompensating: {
		StatusCompensated:        {},
		StatusCompensationFailed: {},
	},
}

// IsTerminal reports whether no automatic progress can follow this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the saga is still making forward progress.
func (s Status) IsActive() bool {
	switch s {
	case StatusStarted, StatusInProgress:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	valid, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = valid[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("invalid saga status transition: %s -> %s", current, next)
	}
	return nil
}

// Record is one durable row per distributed transaction. All mutations go
// through Store.Update with the record's version as the optimistic guard.
type Record struct {
	SagaID          string            `json:"saga_id"`
	CorrelationID   string            `json:"correlation_id"`
	OriginalEventID string            `json:"original_event_id"`
	SagaType        Type              `json:"saga_type"`
	UserID          string            `json:"user_id"`
	Status          Status            `json:"status"`
	CurrentStep     string            `json:"current_step"`
	RetryCount      int               `json:"retry_count"`
	MaxRetryCount   int               `json:"max_retry_count"`
	TimeoutAt       time.Time         `json:"timeout_at"`
	Context         map[string]string `json:"context"`
	CompletedSteps  []string          `json:"completed_steps"`
	ExecutedActions []string          `json:"executed_actions"`
	ErrorType       string            `json:"error_type,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ProcessingStart time.Time         `json:"processing_start"`
	ProcessingEnd   *time.Time        `json:"processing_end,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Version         int64             `json:"version"`
}

// TransitionTo applies a validated status transition and stamps timestamps.
func (r *Record) TransitionTo(next Status) error {
	if r == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	if err := ValidateTransition(r.Status, next); err != nil {
		return err
	}
	now := time.Now().UTC()
	if next.IsTerminal() && r.ProcessingEnd == nil {
		end := now
		r.ProcessingEnd = &end
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// MarkStepCompleted records a finished step so it is never re-run.
func (r *Record) MarkStepCompleted(step string) {
	for _, done := range r.CompletedSteps {
		if done == step {
			return
		}
	}
	r.CompletedSteps = append(r.CompletedSteps, step)
	r.UpdatedAt = time.Now().UTC()
}

// HasCompletedStep reports whether a step already ran to completion.
func (r *Record) HasCompletedStep(step string) bool {
	for _, done := range r.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// SetFailure records the last failure. Diagnostics only, non-authoritative.
func (r *Record) SetFailure(errType, message string) {
	r.ErrorType = errType
	r.ErrorMessage = message
	r.UpdatedAt = time.Now().UTC()
}

// Expired reports whether the record's deadline has passed.
func (r *Record) Expired(now time.Time) bool {
	return !r.TimeoutAt.IsZero() && now.After(r.TimeoutAt)
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Context = make(map[string]string, len(r.Context))
	for k, v := range r.Context {
		clone.Context[k] = v
	}
	clone.CompletedSteps = append([]string(nil), r.CompletedSteps...)
	clone.ExecutedActions = append([]string(nil), r.ExecutedActions...)
	if r.ProcessingEnd != nil {
		end := *r.ProcessingEnd
		clone.ProcessingEnd = &end
	}
	return &clone
}

// CompensationContext is a transient read-only view of a saga handed to
// compensation actions. It is built from the record at compensation time and
// never persisted on its own.
type CompensationContext struct {
	SagaID        string
	SagaType      Type
	UserID        string
	CorrelationID string
	FailureReason string
	Status        Status
	Context       map[string]string
	RetryCount    int
	Timestamp     time.Time
}

// NewCompensationContext snapshots a record for compensation execution.
func NewCompensationContext(rec *Record, reason string) *CompensationContext {
	snapshot := make(map[string]string, len(rec.Context))
	for k, v := range rec.Context {
		snapshot[k] = v
	}
	return &CompensationContext{
		SagaID:        rec.SagaID,
		SagaType:      rec.SagaType,
		UserID:        rec.UserID,
		CorrelationID: rec.CorrelationID,
		FailureReason: reason,
		Status:        rec.Status,
		Context:       snapshot,
		RetryCount:    rec.RetryCount,
		Timestamp:     time.Now().UTC(),
	}
}
