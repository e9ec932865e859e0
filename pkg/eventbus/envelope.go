// Package eventbus provides the canonical event envelope, a retrying
// publisher, and pluggable pub/sub transports for the saga service.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SchemaVersionV1 is the initial event schema.
const SchemaVersionV1 = "v1"

var validate = validator.New()

// Envelope is the shared shape of every inbound and outbound event. Payload
// is event-type-specific; everything else is routing and tracing metadata.
type Envelope struct {
	EventID       string          `json:"event_id" validate:"required"`
	EventType     string          `json:"event_type" validate:"required"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
	SchemaVersion string          `json:"schema_version"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SagaID        string          `json:"saga_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

// Validate checks the envelope's required fields.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("eventbus: invalid envelope: %w", err)
	}
	return nil
}

// DecodeEnvelope parses and validates raw event bytes.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("eventbus: decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// BuildEnvelopeInput is used to construct a new envelope.
type BuildEnvelopeInput struct {
	EventType     string
	SchemaVersion string
	Producer      string
	CorrelationID string
	SagaID        string
	RetryCount    int
	Payload       any
}

// BuildEnvelope creates an envelope with generated event identity.
func BuildEnvelope(input BuildEnvelopeInput) (Envelope, error) {
	if input.EventType == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type is required")
	}
	if input.Producer == "" {
		return Envelope{}, fmt.Errorf("eventbus: producer is required")
	}
	if input.SchemaVersion == "" {
		input.SchemaVersion = SchemaVersionV1
	}

	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     input.EventType,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: input.SchemaVersion,
		Producer:      input.Producer,
		CorrelationID: input.CorrelationID,
		SagaID:        input.SagaID,
		RetryCount:    input.RetryCount,
		Payload:       payload,
	}, nil
}
