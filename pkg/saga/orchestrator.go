package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/usersaga/usersaga/pkg/eventbus"
)

// Defaults applied to new sagas when the start request leaves them unset.
const (
	DefaultTimeout       = 2 * time.Minute
	DefaultMaxRetryCount = 3
)

// StartRequest asks the orchestrator to open a new saga.
type StartRequest struct {
	SagaType        Type
	UserID          string
	OriginalEventID string
	CorrelationID   string
	Context         map[string]string
	// Timeout and MaxRetryCount fall back to the orchestrator defaults
	// when zero.
	Timeout       time.Duration
	MaxRetryCount int
}

// Orchestrator drives sagas through their fixed step sequences. All state
// lives in the Store; the orchestrator itself is stateless and safe to run
// on several nodes at once, with optimistic versioning arbitrating writes.
type Orchestrator struct {
	store     Store
	publisher *eventbus.Publisher
	engine    *Engine
	metrics   MetricsRecorder
	logger    Logger

	defaultTimeout   time.Duration
	defaultMaxRetry  int
	maxWriteAttempts int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the orchestrator metrics recorder.
func WithMetrics(m MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithDefaultTimeout overrides the default saga deadline.
func WithDefaultTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithDefaultMaxRetry overrides the default per-step retry bound.
func WithDefaultMaxRetry(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultMaxRetry = n
		}
	}
}

// NewOrchestrator creates an orchestrator. The engine handles rollback when
// a saga fails out of forward progress.
func NewOrchestrator(store Store, publisher *eventbus.Publisher, engine *Engine, opts ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("saga: orchestrator store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("saga: orchestrator publisher cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("saga: orchestrator engine cannot be nil")
	}
	o := &Orchestrator{
		store:            store,
		publisher:        publisher,
		engine:           engine,
		metrics:          NopMetrics{},
		logger:           nopLogger{},
		defaultTimeout:   DefaultTimeout,
		defaultMaxRetry:  DefaultMaxRetryCount,
		maxWriteAttempts: 5,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// StartSaga opens a saga for a lifecycle event, persists it, and dispatches
// the first step command. It is idempotent on OriginalEventID: replaying the
// same event returns the record the first delivery created. A second saga of
// the same type for a user who already has one active fails with
// ErrActiveSagaExists.
func (o *Orchestrator) StartSaga(ctx context.Context, req StartRequest) (*Record, error) {
	if !req.SagaType.Valid() {
		return nil, fmt.Errorf("saga: unknown saga type %q", req.SagaType)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("saga: user id cannot be empty")
	}
	if req.OriginalEventID == "" {
		return nil, fmt.Errorf("saga: original event id cannot be empty")
	}

	if existing, err := o.store.GetByOriginalEvent(ctx, req.OriginalEventID); err == nil {
		o.logger.Debug("duplicate start ignored",
			"originalEventId", req.OriginalEventID,
			"sagaId", existing.SagaID)
		return existing, nil
	} else if !errors.Is(err, ErrSagaNotFound) {
		return nil, err
	}

	first, ok := FirstStep(req.SagaType)
	if !ok {
		return nil, fmt.Errorf("saga: no steps defined for type %q", req.SagaType)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	maxRetry := req.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = o.defaultMaxRetry
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	now := time.Now().UTC()
	rec := &Record{
		SagaID:          uuid.NewString(),
		CorrelationID:   correlationID,
		OriginalEventID: req.OriginalEventID,
		SagaType:        req.SagaType,
		UserID:          req.UserID,
		Status:          StatusStarted,
		CurrentStep:     first.Name,
		MaxRetryCount:   maxRetry,
		TimeoutAt:       now.Add(timeout),
		Context:         cloneContext(req.Context),
		ProcessingStart: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := o.store.Create(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, ErrVersionConflict):
		// lost the insert race on original_event_id to a concurrent replay
		return o.store.GetByOriginalEvent(ctx, req.OriginalEventID)
	case errors.Is(err, ErrActiveSagaExists):
		if active, findErr := o.store.FindActive(ctx, req.UserID, req.SagaType); findErr == nil {
			return active, ErrActiveSagaExists
		}
		return nil, ErrActiveSagaExists
	default:
		return nil, err
	}

	o.metrics.RecordSagaStarted(rec.SagaType)
	o.logger.Info("saga started",
		"sagaId", rec.SagaID,
		"sagaType", rec.SagaType,
		"userId", rec.UserID,
		"firstStep", first.Name,
		"timeoutAt", rec.TimeoutAt)

	if err := rec.TransitionTo(StatusInProgress); err != nil {
		return nil, err
	}
	if err := o.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	if err := o.dispatchStep(ctx, rec, first, 0); err != nil {
		o.logger.Error("first step dispatch failed",
			"sagaId", rec.SagaID,
			"step", first.Name,
			"error", err)
		if failErr := o.failStep(ctx, rec.SagaID, first.Name, "PUBLISH_FAILURE", err.Error()); failErr != nil {
			return rec, failErr
		}
		return o.store.Get(ctx, rec.SagaID)
	}
	return rec, nil
}

// Advance applies one step feedback event to a saga. Late or duplicate
// feedback is a no-op: anything that does not match the saga's current
// status and step is logged and dropped.
func (o *Orchestrator) Advance(ctx context.Context, sagaID string, fb StepFeedback) error {
	if sagaID == "" {
		return fmt.Errorf("saga: saga id cannot be empty")
	}
	if fb.Step == "" {
		return fmt.Errorf("saga: feedback step cannot be empty")
	}

	for attempt := 0; attempt < o.maxWriteAttempts; attempt++ {
		rec, err := o.store.Get(ctx, sagaID)
		if err != nil {
			return err
		}

		if rec.Status != StatusInProgress {
			o.metrics.RecordStaleFeedback()
			o.logger.Debug("stale feedback ignored",
				"sagaId", sagaID,
				"step", fb.Step,
				"status", rec.Status)
			return nil
		}
		if fb.Step != rec.CurrentStep {
			o.metrics.RecordStaleFeedback()
			if rec.HasCompletedStep(fb.Step) {
				o.logger.Debug("duplicate step feedback ignored",
					"sagaId", sagaID,
					"step", fb.Step)
			} else {
				o.logger.Warn("feedback for unexpected step ignored",
					"sagaId", sagaID,
					"step", fb.Step,
					"currentStep", rec.CurrentStep)
			}
			return nil
		}

		if fb.Success {
			err = o.advanceCompleted(ctx, rec)
		} else {
			err = o.advanceFailed(ctx, rec, fb)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		// another writer moved the saga; re-read and re-evaluate
	}
	return fmt.Errorf("saga: advance %s: %w", sagaID, ErrVersionConflict)
}

// advanceCompleted handles a successful step: mark it done and either
// dispatch the next step or complete the saga.
func (o *Orchestrator) advanceCompleted(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	if rec.Expired(now) {
		// the deadline passed; forward progress is abandoned and the
		// timeout scanner rolls the saga back
		o.metrics.RecordStaleFeedback()
		o.logger.Warn("success after deadline ignored",
			"sagaId", rec.SagaID,
			"step", rec.CurrentStep,
			"timeoutAt", rec.TimeoutAt)
		return nil
	}

	completedStep := rec.CurrentStep
	rec.MarkStepCompleted(completedStep)
	rec.RetryCount = 0
	rec.ErrorType = ""
	rec.ErrorMessage = ""

	next, ok := NextStep(rec.SagaType, rec.CompletedSteps)
	if !ok {
		if err := rec.TransitionTo(StatusCompleted); err != nil {
			return err
		}
		if err := o.store.Update(ctx, rec); err != nil {
			return err
		}
		o.metrics.RecordSagaFinished(rec.SagaType, StatusCompleted, o.processingDuration(rec))
		o.logger.Info("saga completed",
			"sagaId", rec.SagaID,
			"sagaType", rec.SagaType,
			"userId", rec.UserID)
		o.emitStatus(ctx, rec, eventbus.EventSagaCompleted)
		return nil
	}

	rec.CurrentStep = next.Name
	if err := o.store.Update(ctx, rec); err != nil {
		return err
	}
	o.logger.Info("step completed",
		"sagaId", rec.SagaID,
		"step", completedStep,
		"nextStep", next.Name)

	if err := o.dispatchStep(ctx, rec, next, 0); err != nil {
		o.logger.Error("step dispatch failed",
			"sagaId", rec.SagaID,
			"step", next.Name,
			"error", err)
		return o.failStep(ctx, rec.SagaID, next.Name, "PUBLISH_FAILURE", err.Error())
	}
	return nil
}

// advanceFailed handles a failed step: retry within the bound and deadline,
// otherwise fail the saga and trigger compensation.
func (o *Orchestrator) advanceFailed(ctx context.Context, rec *Record, fb StepFeedback) error {
	rec.RetryCount++
	rec.SetFailure(fb.ErrorType, fb.ErrorMessage)

	now := time.Now().UTC()
	if rec.RetryCount < rec.MaxRetryCount && !rec.Expired(now) {
		if err := o.store.Update(ctx, rec); err != nil {
			return err
		}
		o.metrics.RecordStepRetry(rec.SagaType, rec.CurrentStep)
		o.logger.Warn("step failed, retrying",
			"sagaId", rec.SagaID,
			"step", rec.CurrentStep,
			"attempt", rec.RetryCount,
			"maxRetryCount", rec.MaxRetryCount,
			"errorType", fb.ErrorType)

		step, ok := StepByName(rec.SagaType, rec.CurrentStep)
		if !ok {
			return fmt.Errorf("saga: unknown step %q for type %q", rec.CurrentStep, rec.SagaType)
		}
		if err := o.dispatchStep(ctx, rec, step, rec.RetryCount); err != nil {
			o.logger.Error("retry dispatch failed",
				"sagaId", rec.SagaID,
				"step", rec.CurrentStep,
				"error", err)
			return o.failStep(ctx, rec.SagaID, rec.CurrentStep, "PUBLISH_FAILURE", err.Error())
		}
		return nil
	}

	if err := rec.TransitionTo(StatusStepFailed); err != nil {
		return err
	}
	if err := o.store.Update(ctx, rec); err != nil {
		return err
	}
	o.logger.Error("step failed, compensating",
		"sagaId", rec.SagaID,
		"step", rec.CurrentStep,
		"retryCount", rec.RetryCount,
		"errorType", fb.ErrorType,
		"errorMessage", fb.ErrorMessage)

	reason := fmt.Sprintf("step %s failed: %s", rec.CurrentStep, fb.ErrorMessage)
	_, err := o.engine.ExecuteCompensation(ctx, rec.SagaID, reason)
	return err
}

// failStep fails the saga out of forward progress without counting retries,
// used when a step command cannot be published at all.
func (o *Orchestrator) failStep(ctx context.Context, sagaID, step, errType, message string) error {
	for attempt := 0; attempt < o.maxWriteAttempts; attempt++ {
		rec, err := o.store.Get(ctx, sagaID)
		if err != nil {
			return err
		}
		if !rec.Status.IsActive() {
			return nil
		}
		rec.SetFailure(errType, message)
		if err := rec.TransitionTo(StatusStepFailed); err != nil {
			return err
		}
		err = o.store.Update(ctx, rec)
		if err == nil {
			reason := fmt.Sprintf("step %s failed: %s", step, message)
			_, compErr := o.engine.ExecuteCompensation(ctx, sagaID, reason)
			return compErr
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("saga: fail step for %s: %w", sagaID, ErrVersionConflict)
}

// dispatchStep publishes the command event that triggers one step. The
// record is already persisted when this runs; failures surface to the
// caller, which treats them as step failures.
func (o *Orchestrator) dispatchStep(ctx context.Context, rec *Record, step StepDef, attempt int) error {
	_, err := o.publisher.PublishWithRetry(ctx, eventbus.Event{
		Subject:       eventbus.StepSubject(step.Service, step.Name),
		EventType:     step.EventType,
		CorrelationID: rec.CorrelationID,
		SagaID:        rec.SagaID,
		RetryCount:    attempt,
		Payload: StepCommand{
			SagaID:  rec.SagaID,
			UserID:  rec.UserID,
			Step:    step.Name,
			Attempt: attempt,
			Context: rec.Context,
		},
	})
	return err
}

// emitStatus publishes an outbound saga status event. The record is already
// durable; a publish failure is logged and not propagated.
func (o *Orchestrator) emitStatus(ctx context.Context, rec *Record, eventType string) {
	_, err := o.publisher.PublishWithRetry(ctx, eventbus.Event{
		Subject:       eventbus.StatusSubject(eventType),
		EventType:     eventType,
		CorrelationID: rec.CorrelationID,
		SagaID:        rec.SagaID,
		Payload: StatusPayload{
			SagaID:       rec.SagaID,
			SagaType:     rec.SagaType,
			UserID:       rec.UserID,
			Status:       rec.Status,
			ErrorType:    rec.ErrorType,
			ErrorMessage: rec.ErrorMessage,
		},
	})
	if err != nil {
		o.logger.Error("status event publish failed",
			"sagaId", rec.SagaID,
			"eventType", eventType,
			"error", err)
	}
}

func (o *Orchestrator) processingDuration(rec *Record) time.Duration {
	if rec.ProcessingEnd == nil {
		return time.Since(rec.ProcessingStart)
	}
	return rec.ProcessingEnd.Sub(rec.ProcessingStart)
}

func cloneContext(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
