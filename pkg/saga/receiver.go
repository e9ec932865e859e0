package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/usersaga/usersaga/pkg/eventbus"
)

// DeadLetter wraps a message the receiver could not process.
type DeadLetter struct {
	Reason   string          `json:"reason"`
	Subject  string          `json:"subject"`
	Original json.RawMessage `json:"original,omitempty"`
}

// FeedbackReceiver consumes lifecycle and step feedback events from the bus
// and drives the orchestrator. Malformed or unknown messages go to the dead
// letter subject; the receive loop itself never stops on a bad message.
//
// Admission through the ledger happens before any saga side effect and is
// fail-closed: when the ledger cannot answer, the event is skipped and left
// to broker redelivery rather than risked as a duplicate.
type FeedbackReceiver struct {
	stream       eventbus.Stream
	ledger       Ledger
	orchestrator *Orchestrator
	publisher    *eventbus.Publisher
	metrics      MetricsRecorder
	logger       Logger
}

// NewFeedbackReceiver creates a receiver over an open subscription stream.
// The publisher is used for dead letters and may be nil, in which case
// undeliverable messages are only logged.
func NewFeedbackReceiver(stream eventbus.Stream, ledger Ledger, orchestrator *Orchestrator, publisher *eventbus.Publisher, metrics MetricsRecorder, logger Logger) (*FeedbackReceiver, error) {
	if stream == nil {
		return nil, fmt.Errorf("saga: receiver stream cannot be nil")
	}
	if ledger == nil {
		return nil, fmt.Errorf("saga: receiver ledger cannot be nil")
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("saga: receiver orchestrator cannot be nil")
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &FeedbackReceiver{
		stream:       stream,
		ledger:       ledger,
		orchestrator: orchestrator,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Run consumes the stream until the context is canceled or the stream
// closes.
func (r *FeedbackReceiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.stream.C():
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

// handle processes one message end to end. Errors are absorbed here so one
// bad message cannot take the loop down.
func (r *FeedbackReceiver) handle(ctx context.Context, msg eventbus.Message) {
	envelope, err := eventbus.DecodeEnvelope(msg.Payload)
	if err != nil {
		r.metrics.RecordEventConsumed("invalid")
		r.deadLetter(ctx, msg, fmt.Sprintf("invalid envelope: %v", err))
		return
	}

	switch envelope.EventType {
	case eventbus.EventUserRegistered:
		r.handleLifecycle(ctx, msg, envelope, TypeUserRegistration)
	case eventbus.EventUserDeleted:
		r.handleLifecycle(ctx, msg, envelope, TypeUserDeletion)
	case eventbus.EventStepCompleted, eventbus.EventStepFailed:
		r.handleStepFeedback(ctx, msg, envelope)
	default:
		r.metrics.RecordEventConsumed("unknown")
		r.deadLetter(ctx, msg, fmt.Sprintf("unknown event type %q", envelope.EventType))
	}
}

func (r *FeedbackReceiver) handleLifecycle(ctx context.Context, msg eventbus.Message, envelope eventbus.Envelope, sagaType Type) {
	var payload LifecyclePayload
	if err := envelope.DecodePayload(&payload); err != nil {
		r.metrics.RecordEventConsumed("invalid")
		r.deadLetter(ctx, msg, fmt.Sprintf("invalid lifecycle payload: %v", err))
		return
	}
	if payload.UserID == "" {
		r.metrics.RecordEventConsumed("invalid")
		r.deadLetter(ctx, msg, "lifecycle payload missing user_id")
		return
	}

	if !r.admit(ctx, envelope) {
		return
	}

	rec, err := r.orchestrator.StartSaga(ctx, StartRequest{
		SagaType:        sagaType,
		UserID:          payload.UserID,
		OriginalEventID: envelope.EventID,
		CorrelationID:   envelope.CorrelationID,
	})
	switch {
	case err == nil:
		r.metrics.RecordEventConsumed("started")
		r.logger.Debug("lifecycle event accepted",
			"eventId", envelope.EventID,
			"sagaId", rec.SagaID)
		r.complete(ctx, envelope.EventID, true, "")
	case errors.Is(err, ErrActiveSagaExists):
		// handled: the event is consumed, the existing saga stands
		r.metrics.RecordEventConsumed("rejected")
		r.logger.Warn("lifecycle event rejected, active saga exists",
			"eventId", envelope.EventID,
			"userId", payload.UserID,
			"sagaType", sagaType)
		r.complete(ctx, envelope.EventID, false, err.Error())
	default:
		r.metrics.RecordEventConsumed("error")
		r.logger.Error("saga start failed",
			"eventId", envelope.EventID,
			"userId", payload.UserID,
			"sagaType", sagaType,
			"error", err)
		r.complete(ctx, envelope.EventID, false, err.Error())
	}
}

func (r *FeedbackReceiver) handleStepFeedback(ctx context.Context, msg eventbus.Message, envelope eventbus.Envelope) {
	if envelope.SagaID == "" {
		r.metrics.RecordEventConsumed("invalid")
		r.deadLetter(ctx, msg, "step feedback missing saga_id")
		return
	}
	var payload StepFeedback
	if err := envelope.DecodePayload(&payload); err != nil {
		r.metrics.RecordEventConsumed("invalid")
		r.deadLetter(ctx, msg, fmt.Sprintf("invalid step feedback payload: %v", err))
		return
	}
	if payload.Step == "" {
		r.metrics.RecordEventConsumed("invalid")
		r.deadLetter(ctx, msg, "step feedback missing step")
		return
	}
	// The event type is authoritative; a payload flag contradicting it is
	// ignored.
	payload.Success = envelope.EventType == eventbus.EventStepCompleted

	if !r.admit(ctx, envelope) {
		return
	}

	err := r.orchestrator.Advance(ctx, envelope.SagaID, payload)
	if err != nil {
		r.metrics.RecordEventConsumed("error")
		r.logger.Error("saga advance failed",
			"eventId", envelope.EventID,
			"sagaId", envelope.SagaID,
			"step", payload.Step,
			"error", err)
		r.complete(ctx, envelope.EventID, false, err.Error())
		return
	}
	r.metrics.RecordEventConsumed("advanced")
	r.complete(ctx, envelope.EventID, true, "")
}

// admit records the event in the idempotency ledger. Duplicates and ledger
// failures both stop processing; only a fresh admission proceeds.
func (r *FeedbackReceiver) admit(ctx context.Context, envelope eventbus.Envelope) bool {
	err := r.ledger.Admit(ctx, envelope.EventID, envelope.SagaID, envelope.EventType)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrEventProcessed) {
		r.metrics.RecordEventConsumed("duplicate")
		r.logger.Debug("duplicate event skipped",
			"eventId", envelope.EventID,
			"eventType", envelope.EventType)
		return false
	}
	r.metrics.RecordEventConsumed("ledger_error")
	r.logger.Error("ledger admission failed, skipping event",
		"eventId", envelope.EventID,
		"eventType", envelope.EventType,
		"error", err)
	return false
}

func (r *FeedbackReceiver) complete(ctx context.Context, eventID string, success bool, errMsg string) {
	if err := r.ledger.Complete(ctx, eventID, success, errMsg); err != nil {
		r.logger.Error("ledger completion failed",
			"eventId", eventID,
			"error", err)
	}
}

// deadLetter forwards an unprocessable message to the dead letter subject.
func (r *FeedbackReceiver) deadLetter(ctx context.Context, msg eventbus.Message, reason string) {
	r.logger.Warn("message dead-lettered",
		"subject", msg.Subject,
		"reason", reason)
	if r.publisher == nil {
		return
	}

	dl := DeadLetter{
		Reason:  reason,
		Subject: msg.Subject,
	}
	if json.Valid(msg.Payload) {
		dl.Original = json.RawMessage(msg.Payload)
	}
	_, err := r.publisher.Publish(ctx, eventbus.Event{
		Subject:   eventbus.DeadLetterSubject(),
		EventType: "saga.deadletter",
		Payload:   dl,
	})
	if err != nil {
		r.logger.Error("dead letter publish failed",
			"subject", msg.Subject,
			"error", err)
	}
}
