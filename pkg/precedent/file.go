package precedent

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// FileBackend persists records as one JSON object per line and serves
// queries from an in-memory index rebuilt at open. It is the zero-infra
// backend for `precedent.backend: file`.
type FileBackend struct {
	path string

	mu  sync.Mutex
	mem *MemoryBackend
}

// OpenFileBackend loads (or creates) the JSONL store at path.
func OpenFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, contracts.NewError(contracts.ErrConfiguration, "precedent.store_path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, contracts.Errorf(contracts.ErrPrecedentStore, "create precedent dir: %w", err)
	}

	b := &FileBackend{path: path, mem: NewMemoryBackend()}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) load() error {
	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "open precedent store %s: %w", b.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return contracts.Errorf(contracts.ErrPrecedentStore, "parse %s line %d: %w", b.path, line, err)
		}
		if _, err := b.mem.Put(context.Background(), &rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "scan precedent store %s: %w", b.path, err)
	}
	return nil
}

// Put appends the record to the file after the in-memory index accepts it.
// The case-hash idempotency check happens in memory, so a duplicate never
// reaches the file.
func (b *FileBackend) Put(ctx context.Context, rec *Record) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, err := b.mem.GetByID(ctx, rec.PrecedentID); err != nil {
		return "", err
	} else if existing != nil {
		return existing.PrecedentID, nil
	}

	before := b.mem.Size()
	id, err := b.mem.Put(ctx, rec)
	if err != nil {
		return "", err
	}
	if b.mem.Size() == before {
		// Case hash dedup hit; nothing new to persist.
		return id, nil
	}

	if err := b.appendLine(rec); err != nil {
		_ = b.mem.Delete(ctx, id)
		return "", err
	}
	return id, nil
}

func (b *FileBackend) appendLine(rec *Record) error {
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "open precedent store %s: %w", b.path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := json.Marshal(rec)
	if err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "encode precedent %s: %w", rec.PrecedentID, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "append precedent %s: %w", rec.PrecedentID, err)
	}
	return f.Sync()
}

// Query serves from the in-memory index.
func (b *FileBackend) Query(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	return b.mem.Query(ctx, embedding, opts)
}

// GetByID serves from the in-memory index.
func (b *FileBackend) GetByID(ctx context.Context, id string) (*Record, error) {
	return b.mem.GetByID(ctx, id)
}

// Delete removes the record from the index and rewrites the file without
// it. Deletes are rare (retention cleanup), so the full rewrite is
// acceptable.
func (b *FileBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.mem.Delete(ctx, id); err != nil {
		return err
	}
	return b.rewrite(ctx)
}

func (b *FileBackend) rewrite(ctx context.Context) error {
	matches, err := b.mem.Query(ctx, nil, SearchOptions{MinSimilarity: -1})
	if err != nil {
		return err
	}

	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "rewrite precedent store: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, m := range matches {
		data, err := json.Marshal(m.Record)
		if err != nil {
			_ = f.Close()
			return contracts.Errorf(contracts.ErrPrecedentStore, "encode precedent %s: %w", m.Record.PrecedentID, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = f.Close()
			return contracts.Errorf(contracts.ErrPrecedentStore, "rewrite precedent store: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return contracts.Errorf(contracts.ErrPrecedentStore, "flush precedent store: %w", err)
	}
	if err := f.Close(); err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "close precedent store: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return contracts.Errorf(contracts.ErrPrecedentStore, "replace precedent store: %w", err)
	}
	return nil
}

// Path returns the backing file location.
func (b *FileBackend) Path() string { return b.path }

var _ Backend = (*FileBackend)(nil)
