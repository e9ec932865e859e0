package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store provides durable keyed storage for saga records.
//
// Update is the only mutation path after creation: it compares the record's
// Version against the stored row and returns ErrVersionConflict when another
// writer got there first. The loser re-reads and retries or no-ops.
type Store interface {
	// Create inserts a new record. It fails with ErrActiveSagaExists when a
	// non-terminal saga of the same type already exists for the user, and
	// with ErrVersionConflict when the original event id is already bound to
	// a record (the caller resolves it via GetByOriginalEvent).
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, sagaID string) (*Record, error)
	GetByOriginalEvent(ctx context.Context, originalEventID string) (*Record, error)
	// FindActive returns the non-terminal record for (userID, sagaType),
	// or ErrSagaNotFound.
	FindActive(ctx context.Context, userID string, sagaType Type) (*Record, error)
	// Update persists rec if and only if the stored version still equals
	// rec.Version. On success the record's Version is bumped in place.
	Update(ctx context.Context, rec *Record) error
	// ListExpired returns records whose deadline passed before now and that
	// still need driving: active records awaiting timeout, and COMPENSATING
	// records whose run was interrupted by a crash. Oldest deadline first,
	// at most limit entries.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Record, error)
}

// MemoryStore is an in-memory Store used by tests and single-node setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byEvent map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byEvent: make(map[string]string),
	}
}

// Create inserts a record, enforcing the one-active-saga invariant.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEvent[rec.OriginalEventID]; exists {
		return ErrVersionConflict
	}
	for _, existing := range s.records {
		if existing.UserID == rec.UserID && existing.SagaType == rec.SagaType && !existing.Status.IsTerminal() {
			return ErrActiveSagaExists
		}
	}

	stored := rec.Clone()
	if stored.Version == 0 {
		stored.Version = 1
		rec.Version = 1
	}
	s.records[stored.SagaID] = stored
	s.byEvent[stored.OriginalEventID] = stored.SagaID
	return nil
}

// Get loads one record by saga id.
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sagaID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return rec.Clone(), nil
}

// GetByOriginalEvent loads the record created for an originating event.
func (s *MemoryStore) GetByOriginalEvent(_ context.Context, originalEventID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sagaID, ok := s.byEvent[originalEventID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return s.records[sagaID].Clone(), nil
}

// FindActive returns the single non-terminal record for (userID, sagaType).
func (s *MemoryStore) FindActive(_ context.Context, userID string, sagaType Type) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.UserID == userID && rec.SagaType == sagaType && !rec.Status.IsTerminal() {
			return rec.Clone(), nil
		}
	}
	return nil, ErrSagaNotFound
}

// Update applies an optimistic-concurrency-guarded write.
func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.SagaID]
	if !ok {
		return ErrSagaNotFound
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}
	next := rec.Clone()
	next.Version = stored.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.records[rec.SagaID] = next
	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

// ListExpired returns sweepable records past their deadline, oldest first.
// COMPENSATING is included so an interrupted compensation run is resumed
// after a restart.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expired := make([]*Record, 0)
	for _, rec := range s.records {
		if (rec.Status.IsActive() || rec.Status == StatusCompensating) && rec.Expired(now) {
			expired = append(expired, rec.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].TimeoutAt.Before(expired[j].TimeoutAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}
