package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Telemetry records publish pipeline health. Every attempt is timed and its
// outcome reported, including the payload size on success.
type Telemetry interface {
	RecordPublish(status string, payloadBytes int, elapsed time.Duration)
	RecordRetry()
	SetDegradedMode(active bool)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(string, int, time.Duration) {}
func (nopTelemetry) RecordRetry()                             {}
func (nopTelemetry) SetDegradedMode(bool)                     {}

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default publish retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Event is the publish input. Subject routing is explicit; identity and
// timestamps are generated at build time.
type Event struct {
	Subject       string
	EventType     string
	CorrelationID string
	SagaID        string
	RetryCount    int
	Schema        string
	Payload       any
}

// Publisher publishes canonical envelopes with bounded retry and batching.
type Publisher struct {
	transport Transport
	producer  string
	retry     RetryConfig
	telemetry Telemetry

	mu       sync.Mutex
	degraded bool
}

// NewPublisher creates a publisher identified by producer in every envelope.
func NewPublisher(producer string, transport Transport, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if producer == "" {
		return nil, fmt.Errorf("eventbus: producer cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("eventbus: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("eventbus: invalid retry config")
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{
		transport: transport,
		producer:  producer,
		retry:     retry,
		telemetry: telemetry,
	}, nil
}

// Publish builds the envelope and attempts delivery exactly once.
func (p *Publisher) Publish(ctx context.Context, event Event) (Envelope, error) {
	envelope, body, err := p.buildBody(event)
	if err != nil {
		return Envelope{}, err
	}
	if err := p.attempt(ctx, event.Subject, body); err != nil {
		p.onOutage()
		return Envelope{}, fmt.Errorf("eventbus: publish %s: %w", event.EventType, err)
	}
	p.onRecovered()
	return envelope, nil
}

// PublishWithRetry delivers with exponential backoff up to the bounded
// attempt count. Exhausting retries is a hard failure the caller must treat
// as a step failure, not silently drop.
func (p *Publisher) PublishWithRetry(ctx context.Context, event Event) (Envelope, error) {
	envelope, body, err := p.buildBody(event)
	if err != nil {
		return Envelope{}, err
	}

	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = p.attempt(ctx, event.Subject, body)
		if publishErr == nil {
			p.onRecovered()
			return envelope, nil
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry()
		p.onOutage()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.onOutage()
	return Envelope{}, fmt.Errorf("eventbus: publish %s failed after %d attempts: %w",
		event.EventType, p.retry.MaxRetries+1, publishErr)
}

// PublishBatch publishes every event with retry, collecting failures instead
// of stopping at the first one.
func (p *Publisher) PublishBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, event := range events {
		if _, err := p.PublishWithRetry(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Degraded reports whether the publisher currently considers the bus degraded.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) buildBody(event Event) (Envelope, []byte, error) {
	if event.Subject == "" {
		return Envelope{}, nil, fmt.Errorf("eventbus: subject cannot be empty")
	}
	envelope, err := BuildEnvelope(BuildEnvelopeInput{
		EventType:     event.EventType,
		SchemaVersion: event.Schema,
		Producer:      p.producer,
		CorrelationID: event.CorrelationID,
		SagaID:        event.SagaID,
		RetryCount:    event.RetryCount,
		Payload:       event.Payload,
	})
	if err != nil {
		return Envelope{}, nil, err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	return envelope, body, nil
}

func (p *Publisher) attempt(ctx context.Context, subject string, body []byte) error {
	start := time.Now()
	err := p.transport.Publish(ctx, subject, body)
	elapsed := time.Since(start)
	if err != nil {
		p.telemetry.RecordPublish("failed", len(body), elapsed)
		return err
	}
	p.telemetry.RecordPublish("success", len(body), elapsed)
	return nil
}

func (p *Publisher) onOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return
	}
	p.degraded = true
	p.telemetry.SetDegradedMode(true)
}

func (p *Publisher) onRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		return
	}
	p.degraded = false
	p.telemetry.SetDegradedMode(false)
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
