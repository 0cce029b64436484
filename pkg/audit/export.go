package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a
	// backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest selects which entries go into an evidence pack. An empty
// RequestID exports everything in the time range.
type ExportRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Exporter builds downloadable evidence packs from the audit chain.
type Exporter struct {
	store Store
}

// NewExporter wraps a store for pack generation.
func NewExporter(s Store) *Exporter {
	return &Exporter{store: s}
}

// GeneratePack returns a zip containing the selected entries, a manifest
// with the chain head at export time, and the zip's sha256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	var entries []*Entry
	err := e.store.Scan(ctx, func(entry *Entry) error {
		if req.RequestID != "" && entry.RequestID != req.RequestID {
			return nil
		}
		if !req.StartTime.IsZero() && entry.Timestamp.Before(req.StartTime) {
			return nil
		}
		if !req.EndTime.IsZero() && entry.Timestamp.After(req.EndTime) {
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("audit: export scan: %w", err)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal entries: %w", err)
	}

	chainHead, _, err := e.store.Head(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: export head: %w", err)
	}
	manifest := map[string]any{
		"request_id":   req.RequestID,
		"generated_at": time.Now().UTC(),
		"entry_count":  len(entries),
		"chain_head":   chainHead,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Audit evidence pack\nGenerated at %s\nEntries: %d\n", time.Now().UTC().Format(time.RFC3339), len(entries))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
