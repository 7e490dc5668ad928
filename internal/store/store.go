// Package store persists dispatch history and state-transition logs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DispatchRecord is one dispatch attempt, whatever its outcome.
type DispatchRecord struct {
	ID        int64
	To        string
	Body      string
	MessageID string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// Transition is one logged state transition.
type Transition struct {
	ID        int64
	FromState string
	ToState   string
	Trigger   string
	Timestamp time.Time
}

// Store implements all repositories using SQLite.
type Store struct {
	db          *sql.DB
	Dispatches  *DispatchRepo
	Transitions *TransitionRepo
}

// Open creates a new SQLite-backed store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:          db,
		Dispatches:  &DispatchRepo{db: db},
		Transitions: &TransitionRepo{db: db},
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	migration := `
	-- Dispatch history table
	CREATE TABLE IF NOT EXISTS dispatches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_dispatches_created ON dispatches(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_dispatches_outcome ON dispatches(outcome);

	-- Transition history table
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_time ON transitions(timestamp DESC);
	`
	_, err := db.Exec(migration)
	return err
}

// DispatchRepo stores dispatch attempts.
type DispatchRepo struct {
	db *sql.DB
}

// Record inserts one dispatch attempt.
func (r *DispatchRepo) Record(ctx context.Context, rec *DispatchRecord) error {
	query := `
		INSERT INTO dispatches (recipient, body, message_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := r.db.ExecContext(ctx, query,
		rec.To, rec.Body, rec.MessageID, rec.Outcome, rec.Detail, created,
	)
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// Recent lists the most recent dispatch attempts, newest first.
func (r *DispatchRepo) Recent(ctx context.Context, limit int) ([]DispatchRecord, error) {
	query := `
		SELECT id, recipient, body, message_id, outcome, detail, created_at
		FROM dispatches
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		var rec DispatchRecord
		if err := rows.Scan(&rec.ID, &rec.To, &rec.Body, &rec.MessageID, &rec.Outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetByID returns one dispatch attempt.
func (r *DispatchRepo) GetByID(ctx context.Context, id int64) (*DispatchRecord, error) {
	query := `
		SELECT id, recipient, body, message_id, outcome, detail, created_at
		FROM dispatches
		WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var rec DispatchRecord
	err := row.Scan(&rec.ID, &rec.To, &rec.Body, &rec.MessageID, &rec.Outcome, &rec.Detail, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountByOutcome returns the number of attempts per outcome kind.
func (r *DispatchRepo) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM dispatches GROUP BY outcome")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// TransitionRepo stores state transitions.
type TransitionRepo struct {
	db *sql.DB
}

// Log records a state transition.
func (r *TransitionRepo) Log(ctx context.Context, from, to, trigger string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO transitions (from_state, to_state, trigger, timestamp) VALUES (?, ?, ?, ?)",
		from, to, trigger, time.Now(),
	)
	return err
}

// Recent lists the most recent transitions, newest first.
func (r *TransitionRepo) Recent(ctx context.Context, limit int) ([]Transition, error) {
	query := `
		SELECT id, from_state, to_state, trigger, timestamp
		FROM transitions
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.ID, &tr.FromState, &tr.ToState, &tr.Trigger, &tr.Timestamp); err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}
