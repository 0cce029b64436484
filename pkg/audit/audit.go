// Package audit implements the append-only, tamper-evident event trail.
// Every entry is hash-chained to its predecessor and optionally signed, so
// mutation of any historical record invalidates every receipt issued after
// it.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventDecision        EventType = "decision"
	EventOverrideApplied EventType = "override_applied"
	EventFallback        EventType = "fallback_triggered"
	EventRightsViolation EventType = "rights_violation"
	EventSystem          EventType = "system"
)

var (
	ErrChainBroken    = errors.New("audit: hash chain is broken")
	ErrDuplicateEvent = errors.New("audit: event already recorded")
	ErrEntryNotFound  = errors.New("audit: entry not found")
)

// Event is one audit record as submitted by the pipeline, before chaining.
type Event struct {
	EventID   string         `json:"event_id"`
	RequestID string         `json:"request_id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Receipt proves an event was appended and anchors it in the chain.
type Receipt struct {
	EventID   string    `json:"event_id"`
	Sequence  uint64    `json:"sequence"`
	EntryHash string    `json:"entry_hash"`
	PrevHash  string    `json:"prev_hash"`
	Signature string    `json:"signature,omitempty"`
	KeyID     string    `json:"key_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the append surface the pipeline depends on. Implementations must
// be safe for concurrent use; the pipeline treats the log as the only
// shared writable resource besides the precedent store.
type Log interface {
	WriteSigned(ctx context.Context, ev Event) (*Receipt, error)
}

// Entry is the stored, chained form of an event. Payload holds the
// canonical JSON of the submitted payload so hash recomputation is
// byte-stable across backends.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	EventID     string          `json:"event_id"`
	RequestID   string          `json:"request_id"`
	Type        EventType       `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
	Signature   string          `json:"signature,omitempty"`
	KeyID       string          `json:"key_id,omitempty"`
}

// Store persists chained entries. Append must reject duplicate event ids,
// Head must return the latest entry hash and sequence ("genesis", 0 when
// empty), and Scan must visit entries in ascending sequence order.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Head(ctx context.Context) (prevHash string, sequence uint64, err error)
	ByEventID(ctx context.Context, eventID string) (*Entry, error)
	ByRequestID(ctx context.Context, requestID string) ([]*Entry, error)
	Scan(ctx context.Context, fn func(*Entry) error) error
	Close() error
}

// OpenStore selects a backend from the audit.db_uri setting. An empty URI
// keeps everything in memory; anything else is treated as a SQLite DSN.
func OpenStore(dbURI string) (Store, error) {
	if strings.TrimSpace(dbURI) == "" {
		return NewMemoryStore(), nil
	}
	return OpenSQLiteStore(dbURI)
}
