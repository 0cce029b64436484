// Package precedent stores past decisions and retrieves them by semantic
// similarity. Backends expose raw similarity only; the hybrid ranker turns
// raw matches into the final ordering the engine consumes.
package precedent

import (
	"context"
	"time"

	"github.com/eleanor-project/eje/pkg/canonicalize"
	"github.com/eleanor-project/eje/pkg/contracts"
)

// Metric selects the vector distance family used by a backend.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// RecordInput is the input half of a persisted precedent.
type RecordInput struct {
	Text     string         `json:"text"`
	Context  map[string]any `json:"context,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RecordDecision is the outcome half of a persisted precedent.
type RecordDecision struct {
	OverallVerdict contracts.Verdict `json:"overall_verdict"`
	Reason         string            `json:"reason,omitempty"`
	AvgConfidence  float64           `json:"avg_confidence"`
	Ambiguity      float64           `json:"ambiguity"`
}

// Record is the persisted form of one past decision.
type Record struct {
	PrecedentID   string                    `json:"precedent_id"`
	CaseHash      string                    `json:"case_hash"`
	RequestID     string                    `json:"request_id"`
	Timestamp     time.Time                 `json:"timestamp"`
	Input         RecordInput               `json:"input"`
	CriticOutputs []*contracts.CriticOutput `json:"critic_outputs,omitempty"`
	FinalDecision RecordDecision            `json:"final_decision"`
	Embedding     []float32                 `json:"embedding,omitempty"`
}

// NewRecord projects a decision into its precedent form. The precedent id
// is the decision id, so a freshly stored decision surfaces under its own
// id in search results.
func NewRecord(d *contracts.Decision) (*Record, error) {
	snap := d.Bundle.InputSnapshot
	caseHash := snap.ContextHash
	if caseHash == "" {
		var err error
		caseHash, err = canonicalize.ContextHash(snap.Text, snap.Context)
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrPrecedentStore, "case hash: %w", err).WithDecision(d.DecisionID)
		}
	}

	meta := map[string]any{}
	if snap.Source != "" {
		meta["source"] = snap.Source
	}
	if snap.Domain != "" {
		meta["domain"] = snap.Domain
	}
	if len(snap.Tags) > 0 {
		meta["tags"] = append([]string(nil), snap.Tags...)
	}

	reason := ""
	if d.Bundle.Synthesis != nil {
		reason = d.Bundle.Synthesis.Summary
	}

	outputs := make([]*contracts.CriticOutput, 0, len(d.Bundle.CriticOutputs))
	for _, o := range d.Bundle.CriticOutputs {
		outputs = append(outputs, o.Clone())
	}

	return &Record{
		PrecedentID: d.DecisionID,
		CaseHash:    caseHash,
		RequestID:   d.RequestID(),
		Timestamp:   d.Timestamp,
		Input: RecordInput{
			Text:     snap.Text,
			Context:  contracts.CopyMap(snap.Context),
			Metadata: meta,
		},
		CriticOutputs: outputs,
		FinalDecision: RecordDecision{
			OverallVerdict: d.Verdict(),
			Reason:         reason,
			AvgConfidence:  d.Aggregation.AvgConfidence,
			Ambiguity:      d.Aggregation.Ambiguity,
		},
	}, nil
}

// Clone deep-copies the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Input.Context = contracts.CopyMap(r.Input.Context)
	out.Input.Metadata = contracts.CopyMap(r.Input.Metadata)
	out.CriticOutputs = make([]*contracts.CriticOutput, 0, len(r.CriticOutputs))
	for _, o := range r.CriticOutputs {
		out.CriticOutputs = append(out.CriticOutputs, o.Clone())
	}
	out.Embedding = append([]float32(nil), r.Embedding...)
	return &out
}

// field resolves a filter key against the record. Supported keys are
// domain, source, verdict and request_id.
func (r *Record) field(key string) (string, bool) {
	switch key {
	case "verdict":
		return string(r.FinalDecision.OverallVerdict), true
	case "request_id":
		return r.RequestID, true
	case "domain", "source":
		v, ok := r.Input.Metadata[key].(string)
		return v, ok
	default:
		return "", false
	}
}

// matchesFilters reports whether every filter key equals the record's
// value for it. Unknown keys never match.
func (r *Record) matchesFilters(filters map[string]string) bool {
	for key, want := range filters {
		got, ok := r.field(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// SearchOptions tunes one similarity query.
type SearchOptions struct {
	Limit         int
	MinSimilarity float64
	Filters       map[string]string
	Metric        Metric

	// ExpectedVerdict feeds the ranker's outcome-alignment component.
	// Empty means no expectation (neutral 0.5).
	ExpectedVerdict contracts.Verdict
}

// Match is a raw backend hit before ranking.
type Match struct {
	Record     *Record
	Similarity float64
}

// Scores itemizes the ranking components for one hit.
type Scores struct {
	Similarity       float64 `json:"similarity"`
	Recency          float64 `json:"recency"`
	Confidence       float64 `json:"confidence"`
	OutcomeAlignment float64 `json:"outcome_alignment"`
	Final            float64 `json:"final"`
}

// Ranked is one search result after hybrid ranking.
type Ranked struct {
	Record     *Record
	Similarity float64
	Scores     Scores
}

// Store is the precedent surface the engine consumes. Retrieval failures
// degrade to empty result sets at the call site; storage failures are
// reported but never block a decision.
type Store interface {
	Store(ctx context.Context, d *contracts.Decision) (precedentID string, err error)
	SearchSimilar(ctx context.Context, query *contracts.InputSnapshot, opts SearchOptions) ([]Ranked, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// Backend persists records and answers raw similarity queries. Put must be
// idempotent on case hash: storing a record whose case hash already exists
// returns the existing precedent id.
type Backend interface {
	Put(ctx context.Context, rec *Record) (precedentID string, err error)
	Query(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
}
