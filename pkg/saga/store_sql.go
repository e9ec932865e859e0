package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Pure-Go SQLite driver. No CGO, so the service builds and runs in
	// minimal containers.
	_ "modernc.org/sqlite"
)

// schema is the DDL applied once on Open. The partial unique index enforces
// the at-most-one-active-saga invariant at the storage layer, so two
// concurrent Create calls for the same (user_id, saga_type) cannot both
// succeed even across processes.
const schema = `
CREATE TABLE IF NOT EXISTS saga_records (
    saga_id           TEXT    PRIMARY KEY,
    correlation_id    TEXT    NOT NULL DEFAULT '',
    original_event_id TEXT    NOT NULL UNIQUE,
    saga_type         TEXT    NOT NULL,
    user_id           TEXT    NOT NULL,
    status            TEXT    NOT NULL,
    current_step      TEXT    NOT NULL DEFAULT '',
    retry_count       INTEGER NOT NULL DEFAULT 0,
    max_retry_count   INTEGER NOT NULL DEFAULT 3,
    timeout_at        TEXT    NOT NULL,
    context           TEXT    NOT NULL DEFAULT '{}',
    completed_steps   TEXT    NOT NULL DEFAULT '[]',
    executed_actions  TEXT    NOT NULL DEFAULT '[]',
    error_type        TEXT    NOT NULL DEFAULT '',
    error_message     TEXT    NOT NULL DEFAULT '',
    processing_start  TEXT    NOT NULL,
    processing_end    TEXT,
    created_at        TEXT    NOT NULL,
    updated_at        TEXT    NOT NULL,
    version           INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_saga_records_active
    ON saga_records(user_id, saga_type)
    WHERE status NOT IN ('COMPLETED', 'COMPENSATED', 'COMPENSATION_FAILED');

CREATE INDEX IF NOT EXISTS idx_saga_records_deadline
    ON saga_records(status, timeout_at);

CREATE TABLE IF NOT EXISTS processed_events (
    event_id      TEXT    PRIMARY KEY,
    saga_id       TEXT    NOT NULL DEFAULT '',
    event_type    TEXT    NOT NULL DEFAULT '',
    success       INTEGER NOT NULL DEFAULT 0,
    error_message TEXT    NOT NULL DEFAULT '',
    processed_at  TEXT    NOT NULL
);
`

// SQLStore is the relational Store implementation. It also implements Ledger
// over the processed_events table so saga state and the idempotency ledger
// share one durable database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the SQLite database at path and applies
// the schema. WAL mode keeps the scanner's reads from blocking feedback
// writes.
func OpenSQLStore(path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an existing database handle. The schema must already be
// applied.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite: db cannot be nil")
	}
	return &SQLStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Create inserts a new saga record. Constraint violations are mapped onto
// the sentinel errors callers branch on.
func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	contextJSON, stepsJSON, actionsJSON, err := marshalRecordBlobs(rec)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO saga_records
			(saga_id, correlation_id, original_event_id, saga_type, user_id,
			 status, current_step, retry_count, max_retry_count, timeout_at,
			 context, completed_steps, executed_actions, error_type,
			 error_message, processing_start, processing_end, created_at,
			 updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q,
		rec.SagaID,
		rec.CorrelationID,
		rec.OriginalEventID,
		string(rec.SagaType),
		rec.UserID,
		string(rec.Status),
		rec.CurrentStep,
		rec.RetryCount,
		rec.MaxRetryCount,
		formatTime(rec.TimeoutAt),
		contextJSON,
		stepsJSON,
		actionsJSON,
		rec.ErrorType,
		rec.ErrorMessage,
		formatTime(rec.ProcessingStart),
		nullableTime(rec.ProcessingEnd),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		rec.Version,
	)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "idx_saga_records_active"),
			strings.Contains(msg, "saga_records.user_id, saga_records.saga_type"):
			return ErrActiveSagaExists
		case strings.Contains(msg, "original_event_id"), strings.Contains(msg, "saga_records.saga_id"):
			return ErrVersionConflict
		default:
			return fmt.Errorf("sqlite: create saga %q: %w", rec.SagaID, err)
		}
	}
	return nil
}

const selectColumns = `
	saga_id, correlation_id, original_event_id, saga_type, user_id, status,
	current_step, retry_count, max_retry_count, timeout_at, context,
	completed_steps, executed_actions, error_type, error_message,
	processing_start, processing_end, created_at, updated_at, version`

// Get loads one record by saga id.
func (s *SQLStore) Get(ctx context.Context, sagaID string) (*Record, error) {
	q := "SELECT" + selectColumns + " FROM saga_records WHERE saga_id = ?"
	return s.queryOne(ctx, q, sagaID)
}

// GetByOriginalEvent loads the record created for an originating event.
func (s *SQLStore) GetByOriginalEvent(ctx context.Context, originalEventID string) (*Record, error) {
	q := "SELECT" + selectColumns + " FROM saga_records WHERE original_event_id = ?"
	return s.queryOne(ctx, q, originalEventID)
}

// FindActive returns the non-terminal record for (userID, sagaType).
func (s *SQLStore) FindActive(ctx context.Context, userID string, sagaType Type) (*Record, error) {
	q := "SELECT" + selectColumns + ` FROM saga_records
		WHERE user_id = ? AND saga_type = ?
		  AND status NOT IN ('COMPLETED', 'COMPENSATED', 'COMPENSATION_FAILED')
		LIMIT 1`
	return s.queryOne(ctx, q, userID, string(sagaType))
}

// Update writes the record guarded by its version column. Zero rows affected
// means another writer won the race.
func (s *SQLStore) Update(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	contextJSON, stepsJSON, actionsJSON, err := marshalRecordBlobs(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	const q = `
		UPDATE saga_records SET
			status = ?, current_step = ?, retry_count = ?, timeout_at = ?,
			context = ?, completed_steps = ?, executed_actions = ?,
			error_type = ?, error_message = ?, processing_end = ?,
			updated_at = ?, version = version + 1
		WHERE saga_id = ? AND version = ?`

	res, err := s.db.ExecContext(ctx, q,
		string(rec.Status),
		rec.CurrentStep,
		rec.RetryCount,
		formatTime(rec.TimeoutAt),
		contextJSON,
		stepsJSON,
		actionsJSON,
		rec.ErrorType,
		rec.ErrorMessage,
		nullableTime(rec.ProcessingEnd),
		formatTime(now),
		rec.SagaID,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update saga %q: %w", rec.SagaID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update saga %q: %w", rec.SagaID, err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// ListExpired returns sweepable records past their deadline, oldest first.
// COMPENSATING is included so an interrupted compensation run is resumed
// after a restart.
func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	q := "SELECT" + selectColumns + ` FROM saga_records
		WHERE status IN ('STARTED', 'IN_PROGRESS', 'COMPENSATING') AND timeout_at < ?
		ORDER BY timeout_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list expired sagas: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Admit inserts a pending ledger row for an inbound event. A primary-key
// violation means the event was already processed; any other write failure
// aborts processing (fail closed).
func (s *SQLStore) Admit(ctx context.Context, eventID, sagaID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("sqlite: event id cannot be empty")
	}
	const q = `
		INSERT INTO processed_events (event_id, saga_id, event_type, success, error_message, processed_at)
		VALUES (?, ?, ?, 0, '', ?)`
	_, err := s.db.ExecContext(ctx, q, eventID, sagaID, eventType, formatTime(time.Now().UTC()))
	if err != nil {
		if strings.Contains(err.Error(), "processed_events") {
			return ErrEventProcessed
		}
		return fmt.Errorf("sqlite: admit event %q: %w", eventID, err)
	}
	return nil
}

// Complete finalizes a ledger row once processing has finished.
func (s *SQLStore) Complete(ctx context.Context, eventID string, success bool, errMsg string) error {
	const q = `
		UPDATE processed_events
		SET success = ?, error_message = ?, processed_at = ?
		WHERE event_id = ?`
	flag := 0
	if success {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, q, flag, errMsg, formatTime(time.Now().UTC()), eventID)
	if err != nil {
		return fmt.Errorf("sqlite: complete event %q: %w", eventID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) queryOne(ctx context.Context, q string, args ...any) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                                  Record
		sagaType, status                     string
		contextJSON, stepsJSON, actionsJSON  string
		timeoutAt, start, createdAt, updated string
		end                                  sql.NullString
	)
	err := row.Scan(
		&rec.SagaID,
		&rec.CorrelationID,
		&rec.OriginalEventID,
		&sagaType,
		&rec.UserID,
		&status,
		&rec.CurrentStep,
		&rec.RetryCount,
		&rec.MaxRetryCount,
		&timeoutAt,
		&contextJSON,
		&stepsJSON,
		&actionsJSON,
		&rec.ErrorType,
		&rec.ErrorMessage,
		&start,
		&end,
		&createdAt,
		&updated,
		&rec.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan saga record: %w", err)
	}

	rec.SagaType = Type(sagaType)
	rec.Status = Status(status)
	if err := json.Unmarshal([]byte(contextJSON), &rec.Context); err != nil {
		return nil, fmt.Errorf("sqlite: decode saga context: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &rec.CompletedSteps); err != nil {
		return nil, fmt.Errorf("sqlite: decode completed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &rec.ExecutedActions); err != nil {
		return nil, fmt.Errorf("sqlite: decode executed actions: %w", err)
	}
	if rec.TimeoutAt, err = parseTime(timeoutAt); err != nil {
		return nil, err
	}
	if rec.ProcessingStart, err = parseTime(start); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if end.Valid && end.String != "" {
		t, err := parseTime(end.String)
		if err != nil {
			return nil, err
		}
		rec.ProcessingEnd = &t
	}
	return &rec, nil
}

func marshalRecordBlobs(rec *Record) (contextJSON, stepsJSON, actionsJSON string, err error) {
	ctxMap := rec.Context
	if ctxMap == nil {
		ctxMap = map[string]string{}
	}
	steps := rec.CompletedSteps
	if steps == nil {
		steps = []string{}
	}
	actions := rec.ExecutedActions
	if actions == nil {
		actions = []string{}
	}

	c, err := json.Marshal(ctxMap)
	if err != nil {
		return "", "", "", fmt.Errorf("sqlite: encode saga context: %w", err)
	}
	s, err := json.Marshal(steps)
	if err != nil {
		return "", "", "", fmt.Errorf("sqlite: encode completed steps: %w", err)
	}
	a, err := json.Marshal(actions)
	if err != nil {
		return "", "", "", fmt.Errorf("sqlite: encode executed actions: %w", err)
	}
	return string(c), string(s), string(a), nil
}

// RFC3339 with a fixed-width nanosecond fraction, stored as TEXT (SQLite
// idiom). The fraction must not be trimmed: only fixed-width values keep
// lexicographic order equal to chronological order, which the deadline
// comparison in ListExpired relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
