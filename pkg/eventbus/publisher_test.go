package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyTransport fails the first failCount publishes, then succeeds.
type flakyTransport struct {
	mu        sync.Mutex
	failCount int
	calls     int
	subjects  []string
}

func (f *flakyTransport) Publish(_ context.Context, subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.subjects = append(f.subjects, subject)
	if f.calls <= f.failCount {
		return errors.New("broker unavailable")
	}
	return nil
}

func (f *flakyTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingTelemetry struct {
	mu        sync.Mutex
	publishes []string
	retries   int
	degraded  []bool
}

func (r *recordingTelemetry) RecordPublish(status string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishes = append(r.publishes, status)
}

func (r *recordingTelemetry) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recordingTelemetry) SetDegradedMode(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = append(r.degraded, active)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	transport := &flakyTransport{}

	_, err := NewPublisher("", transport, fastRetry(), nil)
	assert.Error(t, err)

	_, err = NewPublisher("saga-service", nil, fastRetry(), nil)
	assert.Error(t, err)

	bad := fastRetry()
	bad.BackoffFactor = 0.5
	_, err = NewPublisher("saga-service", transport, bad, nil)
	assert.Error(t, err)
}

func TestPublisher_Publish(t *testing.T) {
	transport := &flakyTransport{}
	p, err := NewPublisher("saga-service", transport, fastRetry(), nil)
	require.NoError(t, err)

	envelope, err := p.Publish(context.Background(), Event{
		Subject:   StatusSubject(EventSagaCompleted),
		EventType: EventSagaCompleted,
		SagaID:    "saga-1",
		Payload:   map[string]string{"saga_id": "saga-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "saga-service", envelope.Producer)
	assert.Equal(t, "saga-1", envelope.SagaID)
	assert.Equal(t, 1, transport.callCount())
}

func TestPublisher_PublishEmptySubject(t *testing.T) {
	p, err := NewPublisher("saga-service", &flakyTransport{}, fastRetry(), nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), Event{EventType: EventSagaCompleted, Payload: struct{}{}})
	assert.Error(t, err)
}

func TestPublisher_RetrySucceedsAfterTransientFailure(t *testing.T) {
	transport := &flakyTransport{failCount: 2}
	telemetry := &recordingTelemetry{}
	p, err := NewPublisher("saga-service", transport, fastRetry(), telemetry)
	require.NoError(t, err)

	_, err = p.PublishWithRetry(context.Background(), Event{
		Subject:   FeedbackSubject(),
		EventType: EventStepCompleted,
		Payload:   struct{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, transport.callCount())
	assert.Equal(t, 2, telemetry.retries)
	assert.False(t, p.Degraded(), "publisher should recover after a successful attempt")
}

func TestPublisher_RetryExhaustion(t *testing.T) {
	transport := &flakyTransport{failCount: 10}
	p, err := NewPublisher("saga-service", transport, fastRetry(), nil)
	require.NoError(t, err)

	_, err = p.PublishWithRetry(context.Background(), Event{
		Subject:   FeedbackSubject(),
		EventType: EventStepCompleted,
		Payload:   struct{}{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, transport.callCount())
	assert.True(t, p.Degraded())
}

func TestPublisher_RetryRespectsContext(t *testing.T) {
	transport := &flakyTransport{failCount: 10}
	retry := fastRetry()
	retry.InitialBackoff = time.Second
	p, err := NewPublisher("saga-service", transport, retry, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.PublishWithRetry(ctx, Event{
		Subject:   FeedbackSubject(),
		EventType: EventStepCompleted,
		Payload:   struct{}{},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPublisher_DegradedModeTransitions(t *testing.T) {
	transport := &flakyTransport{failCount: 3}
	telemetry := &recordingTelemetry{}
	p, err := NewPublisher("saga-service", transport, fastRetry(), telemetry)
	require.NoError(t, err)

	// first publish exhausts retries and enters degraded mode
	_, err = p.PublishWithRetry(context.Background(), Event{
		Subject:   FeedbackSubject(),
		EventType: EventStepCompleted,
		Payload:   struct{}{},
	})
	require.Error(t, err)
	assert.True(t, p.Degraded())

	// next publish succeeds and clears it
	_, err = p.Publish(context.Background(), Event{
		Subject:   FeedbackSubject(),
		EventType: EventStepCompleted,
		Payload:   struct{}{},
	})
	require.NoError(t, err)
	assert.False(t, p.Degraded())

	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()
	assert.Equal(t, []bool{true, false}, telemetry.degraded)
}

func TestPublisher_PublishBatchCollectsFailures(t *testing.T) {
	transport := &flakyTransport{failCount: 100}
	p, err := NewPublisher("saga-service", transport, fastRetry(), nil)
	require.NoError(t, err)

	err = p.PublishBatch(context.Background(), []Event{
		{Subject: FeedbackSubject(), EventType: EventStepCompleted, Payload: struct{}{}},
		{Subject: FeedbackSubject(), EventType: EventStepFailed, Payload: struct{}{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EventStepCompleted)
	assert.Contains(t, err.Error(), EventStepFailed)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, nextBackoff(50*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, nextBackoff(800*time.Millisecond, time.Second, 2))
}
