package contracts

import (
	"time"
)

// InputSnapshot freezes the request under judgment. It is computed once at
// pipeline entry and treated as immutable thereafter; every component reads
// the same snapshot.
type InputSnapshot struct {
	Text        string         `json:"text"`
	Context     map[string]any `json:"context,omitempty"`
	Source      string         `json:"source,omitempty"`
	Domain      string         `json:"domain,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ContextHash string         `json:"context_hash"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Clone returns a deep copy of the snapshot. Callers that hand snapshots to
// plugins use this to keep the original frozen.
func (s *InputSnapshot) Clone() *InputSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = CopyMap(s.Context)
	out.Tags = append([]string(nil), s.Tags...)
	return &out
}

// CopyMap deep-copies a JSON-like map. Nested maps and slices are copied;
// scalar values are shared (they are immutable).
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
