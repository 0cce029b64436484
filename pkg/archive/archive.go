// Package archive provides content-addressed storage for serialized
// evidence bundles. The audit log keeps the hash chain; the archive keeps
// the bundles themselves for long-term retention. Archival is best-effort
// at the call sites: a failed write is logged, never fatal.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// HashPrefix tags every archive hash with its digest algorithm.
const HashPrefix = "sha256:"

// ErrNotFound is returned by Get when no bundle matches the hash.
var ErrNotFound = errors.New("bundle not found")

// Store is content-addressed storage for serialized evidence bundles.
// Put is idempotent: storing the same bytes twice returns the same hash
// and writes at most once.
type Store interface {
	// Put persists data and returns its content hash ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether a bundle with this hash is archived.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes an archived bundle. Absent hashes are a no-op.
	Delete(ctx context.Context, hash string) error
}

// Open builds a Store from a URI. Supported forms:
//
//	file:///var/lib/eje/archive
//	s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000
//	gs://bucket/prefix
//
// A bare path with no scheme is treated as a local directory.
func Open(ctx context.Context, uri string) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse archive uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = uri
		}
		if path == "" {
			return nil, fmt.Errorf("archive uri %q has no path", uri)
		}
		return NewFileStore(path)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Prefix:   keyPrefix(u.Path),
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		})
	case "gs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket: u.Host,
			Prefix: keyPrefix(u.Path),
		})
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q", u.Scheme)
	}
}

// keyPrefix turns a URI path into an object key prefix ("/a/b" -> "a/b/").
func keyPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// hashOf returns the prefixed content hash and its bare hex form.
func hashOf(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return HashPrefix + raw, raw
}

// parseHash validates "sha256:<hex>" and returns the hex part.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, HashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid archive hash %q: missing %q prefix", hash, HashPrefix)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid archive hash %q: want %d hex chars", hash, sha256.Size*2)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid archive hash %q: %w", hash, err)
	}
	return raw, nil
}
