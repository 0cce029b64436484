package precedent

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in process memory. It backs tests and
// development runs; similarity is exact, not approximate.
type MemoryBackend struct {
	mu         sync.RWMutex
	byID       map[string]*Record
	byCaseHash map[string]string
	order      []string
}

// NewMemoryBackend builds an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:       make(map[string]*Record),
		byCaseHash: make(map[string]string),
	}
}

// Put stores a record. A record whose case hash is already present returns
// the existing precedent id without writing.
func (b *MemoryBackend) Put(_ context.Context, rec *Record) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byCaseHash[rec.CaseHash]; ok {
		return existing, nil
	}
	stored := rec.Clone()
	b.byID[stored.PrecedentID] = stored
	b.byCaseHash[stored.CaseHash] = stored.PrecedentID
	b.order = append(b.order, stored.PrecedentID)
	return stored.PrecedentID, nil
}

// Query scores every stored record against the embedding and returns the
// matches passing the filters, best first. MinSimilarity is enforced again
// by the ranker; the backend applies it early to bound the result size.
func (b *MemoryBackend) Query(_ context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matches := make([]Match, 0, len(b.order))
	for _, id := range b.order {
		rec := b.byID[id]
		if !rec.matchesFilters(opts.Filters) {
			continue
		}
		sim := similarityFor(opts.Metric, embedding, rec.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		matches = append(matches, Match{Record: rec.Clone(), Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.PrecedentID < matches[j].Record.PrecedentID
	})

	// Over-fetch past the limit so the ranker can reorder before capping.
	if opts.Limit > 0 && len(matches) > opts.Limit*3 {
		matches = matches[:opts.Limit*3]
	}
	return matches, nil
}

// GetByID returns a copy of the stored record, or nil when absent.
func (b *MemoryBackend) GetByID(_ context.Context, id string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.byID[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Delete removes a record. Deleting an absent id is a no-op.
func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	delete(b.byCaseHash, rec.CaseHash)
	for i, have := range b.order {
		if have == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Size reports the stored record count, for tests.
func (b *MemoryBackend) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}
