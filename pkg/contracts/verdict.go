// Package contracts defines the data model threaded through the judgment
// pipeline: input snapshots, critic outputs, evidence bundles, decisions,
// overrides, and fallback records. Types here are plain data; behavior
// lives in the packages that consume them.
package contracts

// Verdict is the outcome vocabulary of the engine. Decisions carry one of
// the four decision verdicts; critics may additionally report ERROR or
// ABSTAIN, which aggregation treats as failures rather than votes.
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictDeny     Verdict = "DENY"
	VerdictReview   Verdict = "REVIEW"
	VerdictEscalate Verdict = "ESCALATE"

	// Critic-only verdicts.
	VerdictError   Verdict = "ERROR"
	VerdictAbstain Verdict = "ABSTAIN"
)

// conservativeRank orders decision verdicts from most to least restrictive.
// Lower rank wins ties.
var conservativeRank = map[Verdict]int{
	VerdictDeny:     0,
	VerdictReview:   1,
	VerdictAllow:    2,
	VerdictEscalate: 3,
}

// IsDecisionVerdict reports whether v is one of the four verdicts a
// Decision may carry.
func (v Verdict) IsDecisionVerdict() bool {
	_, ok := conservativeRank[v]
	return ok
}

// IsVote reports whether v counts as a successful critic vote. ERROR and
// ABSTAIN outputs are excluded from aggregation tallies.
func (v Verdict) IsVote() bool {
	return v.IsDecisionVerdict()
}

// MoreConservativeThan reports whether v is more restrictive than other
// under the ordering DENY > REVIEW > ALLOW > ESCALATE.
func (v Verdict) MoreConservativeThan(other Verdict) bool {
	vr, ok1 := conservativeRank[v]
	or, ok2 := conservativeRank[other]
	if !ok1 || !ok2 {
		return ok1
	}
	return vr < or
}

// MostConservative returns the most restrictive decision verdict present in
// vs, or the zero Verdict when none qualifies.
func MostConservative(vs []Verdict) Verdict {
	var best Verdict
	for _, v := range vs {
		if !v.IsDecisionVerdict() {
			continue
		}
		if best == "" || v.MoreConservativeThan(best) {
			best = v
		}
	}
	return best
}

// Priority marks a critic output that short-circuits normal aggregation.
type Priority string

const (
	// PriorityNone is the default: the output participates in the tally.
	PriorityNone Priority = ""
	// PriorityOverride forces the stated verdict regardless of majority,
	// provided it is the only override present.
	PriorityOverride Priority = "override"
	// PriorityVeto forces DENY when the vetoing output itself votes DENY.
	PriorityVeto Priority = "veto"
)

// ConsensusLevel is the categorical measure of critic agreement.
type ConsensusLevel string

const (
	ConsensusUnanimous  ConsensusLevel = "unanimous"
	ConsensusStrong     ConsensusLevel = "strong"
	ConsensusModerate   ConsensusLevel = "moderate"
	ConsensusWeak       ConsensusLevel = "weak"
	ConsensusConflicted ConsensusLevel = "conflicted"
)

// Environment identifies the deployment tier a bundle was produced in.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
)

// Severity grades a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Clamp01 clamps x into [0,1]. All confidences and relevance scores pass
// through this before being stored.
func Clamp01(x float64) float64 {
	switch {
	case x != x: // NaN
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
