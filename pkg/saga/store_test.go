package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStoredRecord(sagaID, userID, eventID string, status Status) *Record {
	now := time.Now().UTC()
	return &Record{
		SagaID:          sagaID,
		OriginalEventID: eventID,
		SagaType:        TypeUserRegistration,
		UserID:          userID,
		Status:          status,
		CurrentStep:     "provision_cart",
		MaxRetryCount:   3,
		TimeoutAt:       now.Add(2 * time.Minute),
		Context:         map[string]string{},
		ProcessingStart: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := newStoredRecord("saga-1", "user-1", "evt-1", StatusStarted)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, want 1 after create", rec.Version)
	}

	got, err := store.Get(ctx, "saga-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SagaID != "saga-1" || got.UserID != "user-1" {
		t.Errorf("unexpected record: %+v", got)
	}

	byEvent, err := store.GetByOriginalEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetByOriginalEvent: %v", err)
	}
	if byEvent.SagaID != "saga-1" {
		t.Errorf("GetByOriginalEvent returned %s", byEvent.SagaID)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("Get(missing) = %v, want ErrSagaNotFound", err)
	}
}

func TestMemoryStore_DuplicateOriginalEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newStoredRecord("saga-1", "user-1", "evt-1", StatusStarted)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := newStoredRecord("saga-2", "user-2", "evt-1", StatusStarted)
	if err := store.Create(ctx, dup); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Create(duplicate event) = %v, want ErrVersionConflict", err)
	}
}

func TestMemoryStore_OneActiveSagaPerUserAndType(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newStoredRecord("saga-1", "user-1", "evt-1", StatusInProgress)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := newStoredRecord("saga-2", "user-1", "evt-2", StatusStarted)
	if err := store.Create(ctx, second); !errors.Is(err, ErrActiveSagaExists) {
		t.Errorf("Create(second active) = %v, want ErrActiveSagaExists", err)
	}

	// A different type for the same user is fine.
	other := newStoredRecord("saga-3", "user-1", "evt-3", StatusStarted)
	other.SagaType = TypeUserDeletion
	if err := store.Create(ctx, other); err != nil {
		t.Errorf("Create(other type): %v", err)
	}

	// Once the first saga is terminal a new one may start.
	rec := mustGet(t, store, "saga-1")
	rec.Status = StatusCompleted
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	replacement := newStoredRecord("saga-4", "user-1", "evt-4", StatusStarted)
	if err := store.Create(ctx, replacement); err != nil {
		t.Errorf("Create(after terminal): %v", err)
	}
}

func TestMemoryStore_FindActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.FindActive(ctx, "user-1", TypeUserRegistration); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("FindActive(empty) = %v, want ErrSagaNotFound", err)
	}

	if err := store.Create(ctx, newStoredRecord("saga-1", "user-1", "evt-1", StatusInProgress)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := store.FindActive(ctx, "user-1", TypeUserRegistration)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if found.SagaID != "saga-1" {
		t.Errorf("FindActive returned %s", found.SagaID)
	}

	if _, err := store.FindActive(ctx, "user-1", TypeUserDeletion); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("FindActive(other type) = %v, want ErrSagaNotFound", err)
	}
}

func TestMemoryStore_UpdateVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newStoredRecord("saga-1", "user-1", "evt-1", StatusStarted)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := mustGet(t, store, "saga-1")
	second := mustGet(t, store, "saga-1")

	first.Status = StatusInProgress
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("Update(first): %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version = %d, want 2 after update", first.Version)
	}

	second.Status = StatusInProgress
	if err := store.Update(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Update(stale) = %v, want ErrVersionConflict", err)
	}

	if err := store.Update(ctx, newStoredRecord("missing", "u", "e", StatusStarted)); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("Update(missing) = %v, want ErrSagaNotFound", err)
	}
}

func TestMemoryStore_SnapshotsAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := newStoredRecord("saga-1", "user-1", "evt-1", StatusStarted)
	rec.Context["k"] = "v"
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snapshot := mustGet(t, store, "saga-1")
	snapshot.Context["k"] = "mutated"
	snapshot.Status = StatusCompleted

	fresh := mustGet(t, store, "saga-1")
	if fresh.Context["k"] != "v" || fresh.Status != StatusStarted {
		t.Error("store snapshot mutation leaked into stored record")
	}
}

func TestMemoryStore_ListExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	oldest := newStoredRecord("saga-1", "user-1", "evt-1", StatusInProgress)
	oldest.TimeoutAt = now.Add(-3 * time.Minute)
	newer := newStoredRecord("saga-2", "user-2", "evt-2", StatusInProgress)
	newer.TimeoutAt = now.Add(-1 * time.Minute)
	healthy := newStoredRecord("saga-3", "user-3", "evt-3", StatusInProgress)
	healthy.TimeoutAt = now.Add(time.Hour)
	terminal := newStoredRecord("saga-4", "user-4", "evt-4", StatusCompensated)
	terminal.TimeoutAt = now.Add(-time.Hour)
	// an interrupted compensation run must be picked up again
	stuck := newStoredRecord("saga-5", "user-5", "evt-5", StatusCompensating)
	stuck.TimeoutAt = now.Add(-30 * time.Second)

	for _, rec := range []*Record{oldest, newer, healthy, terminal, stuck} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s): %v", rec.SagaID, err)
		}
	}

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 3 {
		t.Fatalf("ListExpired returned %d records, want 3", len(expired))
	}
	if expired[0].SagaID != "saga-1" || expired[1].SagaID != "saga-2" || expired[2].SagaID != "saga-5" {
		t.Errorf("expected oldest-first order, got %s, %s, %s", expired[0].SagaID, expired[1].SagaID, expired[2].SagaID)
	}

	limited, err := store.ListExpired(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListExpired(limit): %v", err)
	}
	if len(limited) != 1 || limited[0].SagaID != "saga-1" {
		t.Errorf("limit should keep the oldest deadline, got %+v", limited)
	}
}
