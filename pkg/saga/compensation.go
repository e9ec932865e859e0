package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/usersaga/usersaga/pkg/eventbus"
)

// Action undoes one side effect of a failed saga. Implementations must be
// idempotent: a crashed compensation run is re-executed from the top and
// already-undone effects are encountered again.
type Action interface {
	// Name identifies the action in logs and in the record's executed list.
	Name() string
	// Priority orders execution, lowest first. Ties run in registration order.
	Priority() int
	// Applies reports whether the action is relevant for the saga type and
	// the status the saga failed from.
	Applies(sagaType Type, failedFrom Status) bool
	Compensate(ctx context.Context, c *CompensationContext) error
}

// Registry holds the compensation actions known to the engine.
type Registry struct {
	mu      sync.RWMutex
	actions []Action
}

// NewRegistry creates a registry preloaded with the given actions.
func NewRegistry(actions ...Action) *Registry {
	r := &Registry{}
	for _, a := range actions {
		r.Register(a)
	}
	return r
}

// Register adds an action. Safe for concurrent use.
func (r *Registry) Register(a Action) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

// Applicable returns the actions relevant to (sagaType, failedFrom), sorted
// by ascending priority. The sort is stable so equal priorities keep
// registration order.
func (r *Registry) Applicable(sagaType Type, failedFrom Status) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]Action, 0, len(r.actions))
	for _, a := range r.actions {
		if a.Applies(sagaType, failedFrom) {
			matched = append(matched, a)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// Engine drives compensation for failed sagas: it transitions the record to
// COMPENSATING, runs every applicable action in priority order, and settles
// the record in COMPENSATED or COMPENSATION_FAILED.
type Engine struct {
	store     Store
	registry  *Registry
	publisher *eventbus.Publisher
	metrics   MetricsRecorder
	logger    Logger

	actionTimeout    time.Duration
	maxWriteAttempts int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineMetrics sets the engine metrics recorder.
func WithEngineMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithEnginePublisher sets the publisher used for terminal status events.
func WithEnginePublisher(p *eventbus.Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithActionTimeout bounds each action's execution time.
func WithActionTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// NewEngine creates a compensation engine.
func NewEngine(store Store, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("saga: engine store cannot be nil")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		store:            store,
		registry:         registry,
		metrics:          NopMetrics{},
		logger:           nopLogger{},
		actionTimeout:    30 * time.Second,
		maxWriteAttempts: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExecuteCompensation rolls back the saga identified by sagaID. It is a
// no-op when the saga is already terminal, and resumes when the saga is
// already COMPENSATING. The returned bool reports whether every applicable
// action succeeded.
func (e *Engine) ExecuteCompensation(ctx context.Context, sagaID, reason string) (bool, error) {
	rec, failedFrom, err := e.beginCompensation(ctx, sagaID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		// already settled by another worker
		return true, nil
	}

	compCtx := NewCompensationContext(rec, reason)
	compCtx.Status = failedFrom

	actions := e.registry.Applicable(rec.SagaType, failedFrom)
	e.logger.Info("compensation started",
		"sagaId", rec.SagaID,
		"sagaType", rec.SagaType,
		"failedFrom", failedFrom,
		"reason", reason,
		"actions", len(actions))

	allOK := true
	executed := make([]string, 0, len(actions))
	for _, action := range actions {
		if err := e.runAction(ctx, action, compCtx); err != nil {
			allOK = false
			e.metrics.RecordCompensationAction(action.Name(), "failed")
			e.logger.Error("compensation action failed",
				"sagaId", rec.SagaID,
				"action", action.Name(),
				"error", err)
			continue
		}
		executed = append(executed, action.Name())
		e.metrics.RecordCompensationAction(action.Name(), "success")
	}

	final := StatusCompensated
	if !allOK {
		final = StatusCompensationFailed
	}
	settled, err := e.settle(ctx, sagaID, executed, final)
	if err != nil {
		return allOK, err
	}
	e.metrics.RecordCompensation(final)
	e.emitStatus(ctx, settled)
	return allOK, nil
}

// beginCompensation moves the record into COMPENSATING under the optimistic
// write loop. It returns (nil, "", nil) when the saga is already terminal.
func (e *Engine) beginCompensation(ctx context.Context, sagaID string) (*Record, Status, error) {
	for attempt := 0; attempt < e.maxWriteAttempts; attempt++ {
		rec, err := e.store.Get(ctx, sagaID)
		if err != nil {
			return nil, "", err
		}
		if rec.Status.IsTerminal() {
			return nil, "", nil
		}
		if rec.Status == StatusCompensating {
			// resume a crashed run; the failure origin is kept in ErrorType
			return rec, failureOrigin(rec), nil
		}
		failedFrom := rec.Status
		if err := rec.TransitionTo(StatusCompensating); err != nil {
			return nil, "", err
		}
		err = e.store.Update(ctx, rec)
		if err == nil {
			return rec, failedFrom, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("saga: begin compensation for %s: %w", sagaID, ErrVersionConflict)
}

// settle writes the terminal compensation status and the executed actions.
func (e *Engine) settle(ctx context.Context, sagaID string, executed []string, final Status) (*Record, error) {
	for attempt := 0; attempt < e.maxWriteAttempts; attempt++ {
		rec, err := e.store.Get(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		for _, name := range executed {
			rec.ExecutedActions = appendUnique(rec.ExecutedActions, name)
		}
		if err := rec.TransitionTo(final); err != nil {
			return nil, err
		}
		err = e.store.Update(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("saga: settle compensation for %s: %w", sagaID, ErrVersionConflict)
}

// runAction executes one action with a bounded timeout, converting panics
// into errors so one misbehaving action cannot take down the engine.
func (e *Engine) runAction(ctx context.Context, action Action, c *CompensationContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation action %s panicked: %v", action.Name(), r)
		}
	}()

	actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()
	return action.Compensate(actionCtx, c)
}

// emitStatus publishes the terminal status event. A publish failure here is
// logged, not propagated: the record is already settled durably.
func (e *Engine) emitStatus(ctx context.Context, rec *Record) {
	if e.publisher == nil || rec == nil {
		return
	}
	eventType := eventbus.EventSagaCompensated
	if rec.Status == StatusCompensationFailed {
		eventType = eventbus.EventSagaCompensationFailed
	}
	_, err := e.publisher.PublishWithRetry(ctx, eventbus.Event{
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
		e.logger.Error("status event publish failed",
			"sagaId", rec.SagaID,
			"eventType", eventType,
			"error", err)
	}
}

// failureOrigin infers which failure status a resumed COMPENSATING record
// came from, defaulting to STEP_FAILED.
func failureOrigin(rec *Record) Status {
	if rec.ErrorType == "TIMEOUT" {
		return StatusTimeout
	}
	return StatusStepFailed
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
