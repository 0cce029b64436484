package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eleanor-project/eje/pkg/canonicalize"
	"github.com/eleanor-project/eje/pkg/contracts"
)

const chainGenesis = "genesis"

// signPurpose scopes the keyring material used for chain signatures.
const signPurpose = "audit-chain"

// ChainWriter appends hash-chained, optionally signed entries to a Store.
// Appends are serialized by a single mutex, which also provides the
// per-decision ordering override events rely on.
type ChainWriter struct {
	mu      sync.Mutex
	store   Store
	keyring *Keyring
	signing bool
	logger  *slog.Logger
}

// NewChainWriter wraps a store. When signing is enabled a nil keyring is
// replaced with a freshly generated one.
func NewChainWriter(store Store, keyring *Keyring, signing bool) (*ChainWriter, error) {
	if store == nil {
		return nil, contracts.NewError(contracts.ErrConfiguration, "audit store must not be nil")
	}
	if signing && keyring == nil {
		kr, err := GenerateKeyring()
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrConfiguration, "audit keyring: %w", err)
		}
		keyring = kr
	}
	return &ChainWriter{
		store:   store,
		keyring: keyring,
		signing: signing,
		logger:  slog.Default().With("component", "audit"),
	}, nil
}

// WriteSigned appends one event and returns its receipt. Writing the same
// event id twice returns the original entry's receipt without appending.
func (w *ChainWriter) WriteSigned(ctx context.Context, ev Event) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Errorf(contracts.ErrRequestCancelled, "audit write cancelled: %w", err)
	}
	if ev.RequestID == "" {
		return nil, contracts.NewError(contracts.ErrAuditWrite, "audit event missing request_id")
	}
	if ev.Type == "" {
		return nil, contracts.NewError(contracts.ErrAuditWrite, "audit event missing event_type")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, err := w.store.ByEventID(ctx, ev.EventID); err != nil {
		return nil, contracts.Errorf(contracts.ErrAuditWrite, "audit lookup failed: %w", err).WithRequest(ev.RequestID)
	} else if existing != nil {
		w.logger.Debug("duplicate audit event ignored", "event_id", ev.EventID, "request_id", ev.RequestID)
		return receiptFor(existing), nil
	}

	prevHash, sequence, err := w.store.Head(ctx)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrAuditWrite, "audit head read failed: %w", err).WithRequest(ev.RequestID)
	}
	if prevHash == "" {
		prevHash = chainGenesis
	}

	payload, err := canonicalize.JCS(ev.Payload)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrAuditWrite, "audit payload not serializable: %w", err).WithRequest(ev.RequestID)
	}

	entry := &Entry{
		Sequence:    sequence + 1,
		EventID:     ev.EventID,
		RequestID:   ev.RequestID,
		Type:        ev.Type,
		Timestamp:   ev.Timestamp,
		Actor:       ev.Actor,
		Payload:     payload,
		PayloadHash: hashBytes(payload),
		PrevHash:    prevHash,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrAuditWrite, "audit entry hash failed: %w", err).WithRequest(ev.RequestID)
	}

	if w.signing {
		sig, keyID, err := w.keyring.Sign(signPurpose, []byte(entry.EntryHash))
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrAuditWrite, "audit signing failed: %w", err).WithRequest(ev.RequestID)
		}
		entry.Signature = sig
		entry.KeyID = keyID
	}

	if err := w.store.Append(ctx, entry); err != nil {
		return nil, contracts.Errorf(contracts.ErrAuditWrite, "audit append failed: %w", err).WithRequest(ev.RequestID)
	}
	return receiptFor(entry), nil
}

// HasEvent reports whether an event id is already part of the chain.
func (w *ChainWriter) HasEvent(ctx context.Context, eventID string) (bool, error) {
	entry, err := w.store.ByEventID(ctx, eventID)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// VerifyChain walks the whole chain, recomputing payload and entry hashes
// and checking each entry's link to its predecessor. When the writer signs,
// signatures are verified against the keyring too. The first inconsistency
// is reported as an ErrChainBroken wrap.
func (w *ChainWriter) VerifyChain(ctx context.Context) error {
	expectedPrev := chainGenesis
	var expectedSeq uint64

	return w.store.Scan(ctx, func(e *Entry) error {
		expectedSeq++
		if e.Sequence != expectedSeq {
			return fmt.Errorf("%w: entry %s has sequence %d, expected %d",
				ErrChainBroken, e.EventID, e.Sequence, expectedSeq)
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %s has prev_hash %s, expected %s",
				ErrChainBroken, e.EventID, e.PrevHash, expectedPrev)
		}
		if got := hashBytes(e.Payload); got != e.PayloadHash {
			return fmt.Errorf("%w: entry %s payload hash mismatch", ErrChainBroken, e.EventID)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %s hash recomputation failed: %w", ErrChainBroken, e.EventID, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %s hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.EventID, computed, e.EntryHash)
		}
		if e.Signature != "" && w.keyring != nil {
			ok, err := w.keyring.Verify(signPurpose, []byte(e.EntryHash), e.Signature)
			if err != nil {
				return fmt.Errorf("%w: entry %s signature check failed: %w", ErrChainBroken, e.EventID, err)
			}
			if !ok {
				return fmt.Errorf("%w: entry %s signature invalid for key %s", ErrChainBroken, e.EventID, e.KeyID)
			}
		}
		expectedPrev = e.EntryHash
		return nil
	})
}

// EventsForRequest returns the chained entries recorded for a request, in
// append order.
func (w *ChainWriter) EventsForRequest(ctx context.Context, requestID string) ([]*Entry, error) {
	return w.store.ByRequestID(ctx, requestID)
}

func receiptFor(e *Entry) *Receipt {
	return &Receipt{
		EventID:   e.EventID,
		Sequence:  e.Sequence,
		EntryHash: e.EntryHash,
		PrevHash:  e.PrevHash,
		Signature: e.Signature,
		KeyID:     e.KeyID,
		Timestamp: e.Timestamp,
	}
}

func hashBytes(data []byte) string {
	return "sha256:" + canonicalize.HashBytes(data)
}

// entryHash computes the chaining hash over the canonical form of the
// entry's immutable fields. Timestamp is pinned to RFC3339Nano in UTC so
// the hash survives storage round-trips.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence    uint64    `json:"sequence"`
		EventID     string    `json:"event_id"`
		RequestID   string    `json:"request_id"`
		EventType   EventType `json:"event_type"`
		Timestamp   string    `json:"timestamp"`
		Actor       string    `json:"actor"`
		PayloadHash string    `json:"payload_hash"`
		PrevHash    string    `json:"prev_hash"`
	}{
		Sequence:    e.Sequence,
		EventID:     e.EventID,
		RequestID:   e.RequestID,
		EventType:   e.Type,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:       e.Actor,
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
	}
	canonical, err := canonicalize.JCS(hashable)
	if err != nil {
		return "", err
	}
	return hashBytes(canonical), nil
}
