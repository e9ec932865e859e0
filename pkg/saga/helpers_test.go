package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/usersaga/usersaga/pkg/eventbus"
)

// captureTransport records every publish for inspection and can be told to
// fail for specific subjects.
type captureTransport struct {
	mu       sync.Mutex
	events   []capturedEvent
	failures map[string]error
}

type capturedEvent struct {
	Subject  string
	Envelope eventbus.Envelope
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{failures: make(map[string]error)}
}

func (c *captureTransport) Publish(_ context.Context, subject string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failures[subject]; ok {
		return err
	}
	var envelope eventbus.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	c.events = append(c.events, capturedEvent{Subject: subject, Envelope: envelope})
	return nil
}

func (c *captureTransport) failSubject(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[subject] = errors.New("transport unavailable")
}

func (c *captureTransport) captured() []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureTransport) capturedTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.events))
	for _, e := range c.events {
		types = append(types, e.Envelope.EventType)
	}
	return types
}

// fakeServices implements every downstream collaborator and records the
// order actions called it in.
type fakeServices struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
}

func newFakeServices() *fakeServices {
	return &fakeServices{failures: make(map[string]error)}
}

func (f *fakeServices) failCall(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = err
}

func (f *fakeServices) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.failures[name]
}

func (f *fakeServices) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeServices) DeleteAccount(context.Context, string) error {
	return f.record("delete_account")
}

func (f *fakeServices) RestoreAccount(context.Context, string) error {
	return f.record("restore_account")
}

func (f *fakeServices) RemoveCart(context.Context, string) error {
	return f.record("remove_cart")
}

func (f *fakeServices) ReclaimSignupPoints(context.Context, string) error {
	return f.record("reclaim_signup_points")
}

func (f *fakeServices) ReinstatePoints(context.Context, string) error {
	return f.record("reinstate_points")
}

func (f *fakeServices) RevokeWelcomeCoupon(context.Context, string) error {
	return f.record("revoke_welcome_coupon")
}

func (f *fakeServices) CompensationExecuted(context.Context, *CompensationContext) error {
	return f.record("compensation_notice")
}

func testRetryConfig() eventbus.RetryConfig {
	return eventbus.RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
	}
}

// newTestHarness wires a full orchestrator stack over the in-memory store
// and a capturing transport.
func newTestHarness(t *testing.T) (*Orchestrator, *Engine, *MemoryStore, *captureTransport, *fakeServices) {
	t.Helper()

	store := NewMemoryStore()
	transport := newCaptureTransport()
	publisher, err := eventbus.NewPublisher("saga-service-test", transport, testRetryConfig(), nil)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	services := newFakeServices()
	actions := DefaultRegistrationActions(services, services, services, services)
	actions = append(actions, DefaultDeletionActions(services, services)...)
	actions = append(actions, NewCompensationNoticeAction(services))
	registry := NewRegistry(actions...)

	engine, err := NewEngine(store, registry, WithEnginePublisher(publisher))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	orchestrator, err := NewOrchestrator(store, publisher, engine)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orchestrator, engine, store, transport, services
}

func mustStart(t *testing.T, o *Orchestrator, req StartRequest) *Record {
	t.Helper()
	rec, err := o.StartSaga(context.Background(), req)
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	return rec
}

func mustGet(t *testing.T, store Store, sagaID string) *Record {
	t.Helper()
	rec, err := store.Get(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("Get(%s): %v", sagaID, err)
	}
	return rec
}
