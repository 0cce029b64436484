package contracts

import (
	"time"
)

// PriorityEventKind classifies priority-marker activity during aggregation.
type PriorityEventKind string

const (
	PriorityEventVetoApplied     PriorityEventKind = "veto_applied"
	PriorityEventOverrideApplied PriorityEventKind = "override_applied"
	PriorityEventConflict        PriorityEventKind = "priority_conflict"
)

// PriorityEvent records a priority marker the aggregator acted on or could
// not resolve.
type PriorityEvent struct {
	Kind    PriorityEventKind `json:"kind"`
	Critics []string          `json:"critics"`
	Detail  string            `json:"detail,omitempty"`
}

// Aggregation is the verdict-folding result, independent of governance.
type Aggregation struct {
	OverallVerdict      Verdict             `json:"overall_verdict"`
	AvgConfidence       float64             `json:"avg_confidence"`
	ConfidenceVariance  float64             `json:"confidence_variance"`
	ConsensusLevel      ConsensusLevel      `json:"consensus_level"`
	Ambiguity           float64             `json:"ambiguity"`
	VerdictDistribution map[Verdict]int     `json:"verdict_distribution"`
	WeightedScores      map[Verdict]float64 `json:"weighted_scores,omitempty"`
	PriorityEvents      []PriorityEvent     `json:"priority_events,omitempty"`
	SuccessfulCount     int                 `json:"successful_count"`
	FailedCount         int                 `json:"failed_count"`
}

// OverrideBlock is the record of the most recent human override applied to
// a decision. The audit log retains every individual event; this block only
// mirrors the latest.
type OverrideBlock struct {
	OverrideID          string         `json:"override_id"`
	Timestamp           time.Time      `json:"timestamp"`
	OverrideBy          Reviewer       `json:"override_by"`
	Justification       string         `json:"justification"`
	ReasonCategory      string         `json:"reason_category,omitempty"`
	OriginalOutcome     Verdict        `json:"original_outcome"`
	ProposedOutcome     Verdict        `json:"proposed_outcome"`
	IsUrgent            bool           `json:"is_urgent"`
	Priority            int            `json:"priority"`
	SupportingDocuments []string       `json:"supporting_documents,omitempty"`
	StakeholderInput    map[string]any `json:"stakeholder_input,omitempty"`
}

// GovernanceOutcome is the rule layer's result for a decision, plus any
// human modification applied afterwards.
type GovernanceOutcome struct {
	Verdict             Verdict        `json:"verdict"`
	SafeguardsTriggered []string       `json:"safeguards_triggered,omitempty"`
	Escalate            bool           `json:"escalate"`
	FairnessPenalty     bool           `json:"fairness_penalty"`
	AdvisoryWarnings    []string       `json:"advisory_warnings,omitempty"`
	AdjustedConfidence  float64        `json:"adjusted_confidence"`
	ComplianceNotes     []string       `json:"compliance_notes,omitempty"`
	HumanModified       bool           `json:"human_modified"`
	Override            *OverrideBlock `json:"override,omitempty"`
}

// Decision wraps one evidence bundle with the aggregation and governance
// results that produced the final verdict.
type Decision struct {
	DecisionID        string            `json:"decision_id"`
	Bundle            *EvidenceBundle   `json:"bundle"`
	Aggregation       Aggregation       `json:"aggregation"`
	GovernanceOutcome GovernanceOutcome `json:"governance_outcome"`
	Escalated         bool              `json:"escalated"`
	Precedents        []PrecedentRef    `json:"precedents,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Verdict returns the decision's current verdict, after any override.
func (d *Decision) Verdict() Verdict {
	return d.GovernanceOutcome.Verdict
}

// RequestID returns the correlation id of the underlying bundle, or the
// decision id when the bundle carries none.
func (d *Decision) RequestID() string {
	if d.Bundle != nil && d.Bundle.Metadata.CorrelationID != "" {
		return d.Bundle.Metadata.CorrelationID
	}
	return d.DecisionID
}

// Clone deep-copies the decision. Override application with
// preserve_original uses this to leave the input untouched.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	out := *d
	out.Bundle = d.Bundle.Clone()
	out.Aggregation.VerdictDistribution = copyVerdictInts(d.Aggregation.VerdictDistribution)
	out.Aggregation.WeightedScores = copyVerdictFloats(d.Aggregation.WeightedScores)
	out.Aggregation.PriorityEvents = clonePriorityEvents(d.Aggregation.PriorityEvents)
	out.GovernanceOutcome.SafeguardsTriggered = append([]string(nil), d.GovernanceOutcome.SafeguardsTriggered...)
	out.GovernanceOutcome.AdvisoryWarnings = append([]string(nil), d.GovernanceOutcome.AdvisoryWarnings...)
	out.GovernanceOutcome.ComplianceNotes = append([]string(nil), d.GovernanceOutcome.ComplianceNotes...)
	if d.GovernanceOutcome.Override != nil {
		ob := *d.GovernanceOutcome.Override
		ob.SupportingDocuments = append([]string(nil), d.GovernanceOutcome.Override.SupportingDocuments...)
		ob.StakeholderInput = CopyMap(d.GovernanceOutcome.Override.StakeholderInput)
		out.GovernanceOutcome.Override = &ob
	}
	out.Precedents = append([]PrecedentRef(nil), d.Precedents...)
	return &out
}

// ToMap serializes the decision to its canonical JSON object form.
func (d *Decision) ToMap() (map[string]any, error) {
	return toMap(d)
}

// DecisionFromMap rebuilds a decision from its ToMap form.
func DecisionFromMap(m map[string]any) (*Decision, error) {
	var d Decision
	if err := fromMap(m, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func copyVerdictInts(m map[Verdict]int) map[Verdict]int {
	if m == nil {
		return nil
	}
	out := make(map[Verdict]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyVerdictFloats(m map[Verdict]float64) map[Verdict]float64 {
	if m == nil {
		return nil
	}
	out := make(map[Verdict]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePriorityEvents(evs []PriorityEvent) []PriorityEvent {
	if evs == nil {
		return nil
	}
	out := make([]PriorityEvent, len(evs))
	for i, ev := range evs {
		out[i] = PriorityEvent{
			Kind:    ev.Kind,
			Critics: append([]string(nil), ev.Critics...),
			Detail:  ev.Detail,
		}
	}
	return out
}
