package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const ledgerKeyPrefix = "event:"

// BadgerLedger is a Badger-backed Ledger. The admit check and the pending
// write happen inside one transaction, so two concurrent deliveries of the
// same event id cannot both be admitted.
type BadgerLedger struct {
	db *badger.DB
}

// NewBadgerLedger creates a ledger over an existing Badger DB.
func NewBadgerLedger(db *badger.DB) (*BadgerLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: badger db cannot be nil")
	}
	return &BadgerLedger{db: db}, nil
}

// OpenBadgerLedger opens a dedicated Badger DB at path for ledger usage.
func OpenBadgerLedger(path string, syncWrites bool) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger at %q: %w", path, err)
	}
	return &BadgerLedger{db: db}, nil
}

// Close releases the underlying database.
func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

// Admit records a pending entry for the event id, failing with
// ErrEventProcessed when a row already exists.
func (l *BadgerLedger) Admit(ctx context.Context, eventID, sagaID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("ledger: event id cannot be empty")
	}
	entry := ProcessedEvent{
		EventID:     eventID,
		SagaID:      sagaID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("ledger: encode event %q: %w", eventID, err)
	}

	key := []byte(ledgerKey(eventID))
	return l.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err := txn.Get(key)
		if err == nil {
			return ErrEventProcessed
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("ledger: check event %q: %w", eventID, err)
		}
		return txn.Set(key, data)
	})
}

// Complete finalizes the entry once processing has finished.
func (l *BadgerLedger) Complete(ctx context.Context, eventID string, success bool, errMsg string) error {
	key := []byte(ledgerKey(eventID))
	return l.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("ledger: event %q was never admitted", eventID)
			}
			return err
		}

		var entry ProcessedEvent
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
			return fmt.Errorf("ledger: decode event %q: %w", eventID, err)
		}
		entry.Success = success
		entry.ErrorMessage = errMsg
		entry.ProcessedAt = time.Now().UTC()

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("ledger: encode event %q: %w", eventID, err)
		}
		return txn.Set(key, data)
	})
}

func ledgerKey(eventID string) string {
	return ledgerKeyPrefix + eventID
}
