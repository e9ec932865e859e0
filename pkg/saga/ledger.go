package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ProcessedEvent is one row of the append-only idempotency ledger. A row is
// written before any saga mutation for the event is committed; its existence
// is the sole gate against duplicate processing.
type ProcessedEvent struct {
	EventID      string    `json:"event_id"`
	SagaID       string    `json:"saga_id"`
	EventType    string    `json:"event_type"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Ledger collapses at-least-once delivery into effectively-once processing.
//
// Admit must be called before any side effects: ErrEventProcessed means the
// caller skips all further work and treats the event as handled. Any other
// error also aborts processing — the ledger fails closed, never open.
type Ledger interface {
	Admit(ctx context.Context, eventID, sagaID, eventType string) error
	Complete(ctx context.Context, eventID string, success bool, errMsg string) error
}

// MemoryLedger is an in-memory Ledger for tests and single-node setups.
type MemoryLedger struct {
	mu     sync.Mutex
	events map[string]*ProcessedEvent
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{events: make(map[string]*ProcessedEvent)}
}

// Admit records a pending entry for the event id.
func (l *MemoryLedger) Admit(_ context.Context, eventID, sagaID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("ledger: event id cannot be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.events[eventID]; seen {
		return ErrEventProcessed
	}
	l.events[eventID] = &ProcessedEvent{
		EventID:     eventID,
		SagaID:      sagaID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	return nil
}

// Complete finalizes the entry once processing has finished.
func (l *MemoryLedger) Complete(_ context.Context, eventID string, success bool, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.events[eventID]
	if !ok {
		return fmt.Errorf("ledger: event %q was never admitted", eventID)
	}
	entry.Success = success
	entry.ErrorMessage = errMsg
	entry.ProcessedAt = time.Now().UTC()
	return nil
}

// Seen reports whether an event id has been admitted. Test helper.
func (l *MemoryLedger) Seen(eventID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.events[eventID]
	return ok
}
