package contracts

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// BundleVersion is the current evidence bundle schema version.
const BundleVersion = "1.0.0"

// ConfidenceAssessment summarizes agreement statistics across critic votes.
type ConfidenceAssessment struct {
	Average        float64        `json:"average"`
	Variance       float64        `json:"variance"`
	ConsensusLevel ConsensusLevel `json:"consensus_level"`
}

// ConflictingEvidence names critics that disagreed and why.
type ConflictingEvidence struct {
	Critics     []string `json:"critics"`
	Description string   `json:"description"`
}

// JustificationSynthesis is the templated aggregate rationale attached to a
// bundle. The engine fills it from aggregation output; it is never free-form
// generated text.
type JustificationSynthesis struct {
	Summary              string                `json:"summary"`
	SupportingEvidence   []string              `json:"supporting_evidence,omitempty"`
	ConflictingEvidence  []ConflictingEvidence `json:"conflicting_evidence,omitempty"`
	ConfidenceAssessment ConfidenceAssessment  `json:"confidence_assessment"`
}

// PrecedentRef records a precedent consulted while forming a decision.
type PrecedentRef struct {
	PrecedentID     string  `json:"precedent_id"`
	SimilarityScore float64 `json:"similarity_score"`
	InfluenceWeight float64 `json:"influence_weight"`
}

// BundleFlags mark bundle-level conditions downstream consumers act on.
type BundleFlags struct {
	RequiresHumanReview bool `json:"requires_human_review"`
	IsOverride          bool `json:"is_override"`
	IsFallback          bool `json:"is_fallback"`
	IsTest              bool `json:"is_test"`
}

// BundleMetadata carries provenance for one bundle.
type BundleMetadata struct {
	SystemVersion        string            `json:"system_version"`
	Environment          Environment       `json:"environment"`
	CorrelationID        string            `json:"correlation_id,omitempty"`
	ProcessingTimeMS     float64           `json:"processing_time_ms"`
	CriticConfigVersions map[string]string `json:"critic_config_versions,omitempty"`
	PrecedentRefs        []PrecedentRef    `json:"precedent_refs,omitempty"`
	Flags                BundleFlags       `json:"flags"`

	// Fallback carries the audit record of a triggered fallback, embedded
	// per the ownership rule: one bundle, one optional fallback record.
	Fallback map[string]any `json:"fallback,omitempty"`
}

// ValidationError is a single normalization finding. Any severity=error
// finding forces fallback downstream.
type ValidationError struct {
	Field    string   `json:"field"`
	Error    string   `json:"error"`
	Severity Severity `json:"severity"`
}

// EvidenceBundle is the atomic unit threaded through the pipeline and the
// persistence substrate for audits.
type EvidenceBundle struct {
	BundleID         string                  `json:"bundle_id"`
	Version          string                  `json:"version"`
	Timestamp        time.Time               `json:"timestamp"`
	InputSnapshot    InputSnapshot           `json:"input_snapshot"`
	CriticOutputs    []*CriticOutput         `json:"critic_outputs"`
	Synthesis        *JustificationSynthesis `json:"justification_synthesis,omitempty"`
	Metadata         BundleMetadata          `json:"metadata"`
	ValidationErrors []ValidationError       `json:"validation_errors,omitempty"`
}

// Validate enforces structural bundle invariants.
func (b *EvidenceBundle) Validate() error {
	if b.BundleID == "" {
		return fmt.Errorf("bundle_id is empty")
	}
	if _, err := semver.NewVersion(b.Version); err != nil {
		return fmt.Errorf("version %q is not semver: %w", b.Version, err)
	}
	if len(b.CriticOutputs) == 0 {
		return fmt.Errorf("bundle has no critic outputs")
	}
	switch b.Metadata.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("environment %q is not valid", b.Metadata.Environment)
	}
	for i, ve := range b.ValidationErrors {
		switch ve.Severity {
		case SeverityError, SeverityWarning, SeverityInfo:
		default:
			return fmt.Errorf("validation_errors[%d]: severity %q is not valid", i, ve.Severity)
		}
	}
	return nil
}

// HasBlockingValidationErrors reports whether any finding carries
// severity=error.
func (b *EvidenceBundle) HasBlockingValidationErrors() bool {
	for _, ve := range b.ValidationErrors {
		if ve.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ToMap serializes the bundle to its canonical JSON object form.
func (b *EvidenceBundle) ToMap() (map[string]any, error) {
	return toMap(b)
}

// EvidenceBundleFromMap rebuilds a bundle from its ToMap form.
func EvidenceBundleFromMap(m map[string]any) (*EvidenceBundle, error) {
	var b EvidenceBundle
	if err := fromMap(m, &b); err != nil {
		return nil, fmt.Errorf("decode evidence bundle: %w", err)
	}
	return &b, nil
}

// Clone deep-copies the bundle.
func (b *EvidenceBundle) Clone() *EvidenceBundle {
	if b == nil {
		return nil
	}
	out := *b
	out.InputSnapshot = *b.InputSnapshot.Clone()
	out.CriticOutputs = make([]*CriticOutput, len(b.CriticOutputs))
	for i, o := range b.CriticOutputs {
		out.CriticOutputs[i] = o.Clone()
	}
	if b.Synthesis != nil {
		syn := *b.Synthesis
		syn.SupportingEvidence = append([]string(nil), b.Synthesis.SupportingEvidence...)
		syn.ConflictingEvidence = make([]ConflictingEvidence, len(b.Synthesis.ConflictingEvidence))
		for i, ce := range b.Synthesis.ConflictingEvidence {
			syn.ConflictingEvidence[i] = ConflictingEvidence{
				Critics:     append([]string(nil), ce.Critics...),
				Description: ce.Description,
			}
		}
		out.Synthesis = &syn
	}
	out.Metadata.CriticConfigVersions = copyStringMap(b.Metadata.CriticConfigVersions)
	out.Metadata.PrecedentRefs = append([]PrecedentRef(nil), b.Metadata.PrecedentRefs...)
	out.Metadata.Fallback = CopyMap(b.Metadata.Fallback)
	out.ValidationErrors = append([]ValidationError(nil), b.ValidationErrors...)
	return &out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
