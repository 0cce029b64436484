package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// EvidenceSourceKind classifies what a critic cited.
type EvidenceSourceKind string

const (
	SourcePolicy                  EvidenceSourceKind = "policy"
	SourcePrecedent               EvidenceSourceKind = "precedent"
	SourceRule                    EvidenceSourceKind = "rule"
	SourceConstitutionalPrinciple EvidenceSourceKind = "constitutional_principle"
)

// EvidenceSource is a single citation backing a critic's justification.
type EvidenceSource struct {
	Kind           EvidenceSourceKind `json:"kind"`
	Reference      string             `json:"reference"`
	RelevanceScore *float64           `json:"relevance_score,omitempty"`
}

// Well-known error_type values recorded on ERROR outputs. Critics may emit
// arbitrary strings; the runner and fallback triggers only interpret these.
const (
	ErrorTypeTimeout     = "timeout"
	ErrorTypeTransient   = "transient"
	ErrorTypeIO          = "io"
	ErrorTypePanic       = "panic"
	ErrorTypeCancelled   = "cancelled"
	ErrorTypeCircuitOpen = "circuit_open"
)

// CriticOutput is the single result a critic produces for one request.
type CriticOutput struct {
	Critic          string           `json:"critic"`
	Verdict         Verdict          `json:"verdict"`
	Confidence      float64          `json:"confidence"`
	Justification   string           `json:"justification"`
	Weight          float64          `json:"weight"`
	Priority        Priority         `json:"priority,omitempty"`
	EvidenceSources []EvidenceSource `json:"evidence_sources,omitempty"`
	ConfigVersion   string           `json:"config_version,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	ErrorType       string           `json:"error_type,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`

	// Context carries structured findings for the governance layer, for
	// example {"right": "dignity", "violation": true} or
	// {"confidence_score": 0.2} from an uncertainty critic.
	Context map[string]any `json:"context,omitempty"`

	// Runner bookkeeping.
	AttemptedRetries int           `json:"attempted_retries,omitempty"`
	CompletionRank   int           `json:"completion_rank,omitempty"`
	Elapsed          time.Duration `json:"elapsed_ns,omitempty"`
}

// NewCriticOutput builds a vote output with clamped confidence and a default
// weight of 1.0.
func NewCriticOutput(critic string, verdict Verdict, confidence float64, justification string) *CriticOutput {
	return &CriticOutput{
		Critic:        critic,
		Verdict:       verdict,
		Confidence:    Clamp01(confidence),
		Justification: justification,
		Weight:        1.0,
		Timestamp:     time.Now().UTC(),
	}
}

// NewErrorOutput builds the normalized ERROR output the runner records for
// failed, timed-out, or panicking critics. Confidence is forced to zero.
func NewErrorOutput(critic, errorType, message string) *CriticOutput {
	return &CriticOutput{
		Critic:        critic,
		Verdict:       VerdictError,
		Confidence:    0,
		Justification: fmt.Sprintf("critic %q failed: %s", critic, message),
		Weight:        1.0,
		Timestamp:     time.Now().UTC(),
		ErrorType:     errorType,
		ErrorMessage:  message,
	}
}

// IsSuccessful reports whether the output counts as a vote.
func (o *CriticOutput) IsSuccessful() bool {
	return o != nil && o.Verdict.IsVote()
}

// Validate enforces the per-output invariants. The normalizer calls this
// after binding raw plugin output.
func (o *CriticOutput) Validate() error {
	if strings.TrimSpace(o.Critic) == "" {
		return fmt.Errorf("critic identifier is empty")
	}
	switch o.Verdict {
	case VerdictAllow, VerdictDeny, VerdictReview, VerdictError, VerdictAbstain:
	default:
		return fmt.Errorf("verdict %q is not valid for a critic", o.Verdict)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", o.Confidence)
	}
	if o.Verdict != VerdictError && o.Verdict != VerdictAbstain && strings.TrimSpace(o.Justification) == "" {
		return fmt.Errorf("justification is empty")
	}
	if o.Weight < 0 {
		return fmt.Errorf("weight %v is negative", o.Weight)
	}
	switch o.Priority {
	case PriorityNone, PriorityOverride, PriorityVeto:
	default:
		return fmt.Errorf("priority %q is not valid", o.Priority)
	}
	if o.Verdict == VerdictError && o.Confidence != 0 {
		return fmt.Errorf("ERROR output must carry confidence 0, got %v", o.Confidence)
	}
	for i, src := range o.EvidenceSources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("evidence_sources[%d]: %w", i, err)
		}
	}
	if o.ConfigVersion != "" {
		if _, err := semver.NewVersion(o.ConfigVersion); err != nil {
			return fmt.Errorf("config_version %q is not semver: %w", o.ConfigVersion, err)
		}
	}
	return nil
}

func (s EvidenceSource) validate() error {
	switch s.Kind {
	case SourcePolicy, SourcePrecedent, SourceRule, SourceConstitutionalPrinciple:
	default:
		return fmt.Errorf("kind %q is not valid", s.Kind)
	}
	if s.Reference == "" {
		return fmt.Errorf("reference is empty")
	}
	if s.RelevanceScore != nil && (*s.RelevanceScore < 0 || *s.RelevanceScore > 1) {
		return fmt.Errorf("relevance_score %v outside [0,1]", *s.RelevanceScore)
	}
	return nil
}

// Clone deep-copies the output.
func (o *CriticOutput) Clone() *CriticOutput {
	if o == nil {
		return nil
	}
	out := *o
	out.EvidenceSources = append([]EvidenceSource(nil), o.EvidenceSources...)
	out.Context = CopyMap(o.Context)
	return &out
}
