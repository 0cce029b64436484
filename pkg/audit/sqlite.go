package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the audit chain in a SQLite database. The sequence
// column is the chain order; event_id is unique so replayed events are
// rejected at the storage layer too.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at the given DSN and runs
// the schema migration.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing database handle and runs the schema
// migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence INTEGER PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		request_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		payload TEXT,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		key_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_entries(request_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const entryColumns = "sequence, event_id, request_id, event_type, timestamp, actor, payload, payload_hash, prev_hash, entry_hash, signature, key_id"

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	query := `INSERT INTO audit_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.Sequence, e.EventID, e.RequestID, string(e.Type),
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Actor,
		string(e.Payload), e.PayloadHash, e.PrevHash, e.EntryHash,
		e.Signature, e.KeyID,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Head(ctx context.Context) (string, uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entry_hash, sequence FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var (
		hash string
		seq  uint64
	)
	if err := row.Scan(&hash, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chainGenesis, 0, nil
		}
		return "", 0, fmt.Errorf("audit: head query: %w", err)
	}
	return hash, seq, nil
}

func (s *SQLiteStore) ByEventID(ctx context.Context, eventID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE event_id = ?`, eventID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) ByRequestID(ctx context.Context, requestID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE request_id = ? ORDER BY sequence ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit: request query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: request scan: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return fmt.Errorf("audit: scan query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: scan rows: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		eventType string
		payload   sql.NullString
		timestamp string
	)
	err := row.Scan(&e.Sequence, &e.EventID, &e.RequestID, &eventType, &timestamp,
		&e.Actor, &payload, &e.PayloadHash, &e.PrevHash, &e.EntryHash, &e.Signature, &e.KeyID)
	if err != nil {
		return nil, err
	}
	e.Type = EventType(eventType)
	e.Timestamp = parseEntryTime(timestamp)
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	return &e, nil
}

func parseEntryTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
