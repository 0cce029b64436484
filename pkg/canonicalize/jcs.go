// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of judgment artifacts. Context
// hashes, precedent case hashes, and audit chain hashes all flow through
// this package so that logically equal data hashes identically regardless
// of map ordering or encoder quirks.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v: keys sorted
// by UTF-8 byte order, no HTML escaping, ES6-compatible number formatting.
// NaN and infinities are rejected (they have no JSON representation).
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ContextHash fingerprints a request: SHA-256 over the raw text bytes
// concatenated with the canonical JSON of its context. The same text and
// logically equal context always produce the same hash.
func ContextHash(text string, context map[string]any) (string, error) {
	if context == nil {
		context = map[string]any{}
	}
	canonical, err := JCS(context)
	if err != nil {
		return "", fmt.Errorf("context hash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(text))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
