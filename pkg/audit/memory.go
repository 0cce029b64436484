package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and development. Entries are
// held in append order.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []*Entry
	byEventID map[string]*Entry
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEventID: make(map[string]*Entry)}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEventID[e.EventID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.EventID)
	}
	stored := *e
	s.entries = append(s.entries, &stored)
	s.byEventID[e.EventID] = &stored
	return nil
}

func (s *MemoryStore) Head(_ context.Context) (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return chainGenesis, 0, nil
	}
	last := s.entries[len(s.entries)-1]
	return last.EntryHash, last.Sequence, nil
}

func (s *MemoryStore) ByEventID(_ context.Context, eventID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byEventID[eventID]
	if !ok {
		return nil, nil
	}
	out := *entry
	return &out, nil
}

func (s *MemoryStore) ByRequestID(_ context.Context, requestID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.RequestID == requestID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) Scan(_ context.Context, fn func(*Entry) error) error {
	s.mu.RLock()
	entries := make([]*Entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Size returns the number of stored entries.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Tamper replaces a stored entry in place. Only chain verification tests
// use this; production code has no mutation path.
func (s *MemoryStore) Tamper(eventID string, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byEventID[eventID]
	if !ok {
		return false
	}
	mutate(entry)
	return true
}
