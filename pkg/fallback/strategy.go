package fallback

import (
	"fmt"
	"sort"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// synthesize maps the trigger onto a fallback decision under the configured
// strategy. A strategy that panics falls through to fail-safe, which cannot
// fail.
func (e *Engine) synthesize(ftype contracts.FallbackType, reason string, in Input) (d *contracts.FallbackDecision, warnings []string) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("fallback strategy panicked, using fail-safe",
				"strategy", e.cfg.DefaultStrategy, "panic", rec)
			d = e.failSafe(fmt.Sprintf("%s; strategy %s panicked", reason, e.cfg.DefaultStrategy))
			warnings = append(warnings, fmt.Sprintf("strategy %s panicked: %v", e.cfg.DefaultStrategy, rec))
		}
	}()

	successful := successfulOutputs(in.Outputs)
	switch e.cfg.DefaultStrategy {
	case contracts.StrategyConservative:
		d = e.conservative(reason, successful)
	case contracts.StrategyPermissive:
		d = e.permissive(reason, successful)
		warnings = append(warnings, "permissive fallback applied; decision requires monitoring")
	case contracts.StrategyEscalate:
		d = e.escalate(reason)
	case contracts.StrategyMajority:
		d = e.majority(reason, successful)
	case contracts.StrategyFailSafe:
		d = e.failSafe(reason)
	default:
		d = e.failSafe(fmt.Sprintf("%s; unknown strategy %q", reason, e.cfg.DefaultStrategy))
	}

	// A fallback that lands on REVIEW is by definition a case a human must
	// look at.
	if d.Verdict == contracts.VerdictReview {
		d.RequiresHumanReview = true
	}
	return d, warnings
}

// conservative picks the most restrictive verdict among the survivors.
func (e *Engine) conservative(reason string, successful []*contracts.CriticOutput) *contracts.FallbackDecision {
	verdict := contracts.VerdictReview
	present := verdictSet(successful)
	for _, v := range []contracts.Verdict{contracts.VerdictDeny, contracts.VerdictReview, contracts.VerdictAllow} {
		if present[v] {
			verdict = v
			break
		}
	}

	confidence := 0.0
	if len(successful) > 0 {
		confidence = contracts.Clamp01(minConfidence(successful) * 0.8)
	}
	return &contracts.FallbackDecision{
		Verdict:             verdict,
		Confidence:          confidence,
		StrategyUsed:        contracts.StrategyConservative,
		Reason:              fmt.Sprintf("conservative fallback: %s", reason),
		RequiresHumanReview: len(successful) == 0,
		AlternativeVerdicts: alternativesTo(verdict, present),
	}
}

// permissive allows when anyone allowed, at reduced confidence.
func (e *Engine) permissive(reason string, successful []*contracts.CriticOutput) *contracts.FallbackDecision {
	verdict := contracts.VerdictReview
	confidence := 0.3
	present := verdictSet(successful)
	if present[contracts.VerdictAllow] {
		verdict = contracts.VerdictAllow
	}
	if len(successful) > 0 {
		confidence = contracts.Clamp01(maxConfidence(successful) * 0.7)
	}
	return &contracts.FallbackDecision{
		Verdict:             verdict,
		Confidence:          confidence,
		StrategyUsed:        contracts.StrategyPermissive,
		Reason:              fmt.Sprintf("permissive fallback: %s", reason),
		AlternativeVerdicts: alternativesTo(verdict, present),
	}
}

func (e *Engine) escalate(reason string) *contracts.FallbackDecision {
	return &contracts.FallbackDecision{
		Verdict:             contracts.VerdictReview,
		Confidence:          0,
		StrategyUsed:        contracts.StrategyEscalate,
		Reason:              fmt.Sprintf("escalated to human review: %s", reason),
		RequiresHumanReview: true,
	}
}

// failSafe emits the configured safe default. It must never fail.
func (e *Engine) failSafe(reason string) *contracts.FallbackDecision {
	verdict := e.cfg.SafeDefaultVerdict
	if !verdict.IsDecisionVerdict() {
		verdict = contracts.VerdictReview
	}
	return &contracts.FallbackDecision{
		Verdict:       verdict,
		Confidence:    0.5,
		StrategyUsed:  contracts.StrategyFailSafe,
		Reason:        fmt.Sprintf("fail-safe default: %s", reason),
		IsSafeDefault: true,
	}
}

// majority picks the plurality verdict with the conservative tie-break.
func (e *Engine) majority(reason string, successful []*contracts.CriticOutput) *contracts.FallbackDecision {
	if len(successful) == 0 {
		return e.failSafe(fmt.Sprintf("%s; no successful outputs for majority vote", reason))
	}

	counts := map[contracts.Verdict]int{}
	for _, o := range successful {
		counts[o.Verdict]++
	}
	verdicts := make([]contracts.Verdict, 0, len(counts))
	for v := range counts {
		verdicts = append(verdicts, v)
	}
	sort.Slice(verdicts, func(i, j int) bool {
		if counts[verdicts[i]] != counts[verdicts[j]] {
			return counts[verdicts[i]] > counts[verdicts[j]]
		}
		return verdicts[i].MoreConservativeThan(verdicts[j])
	})
	winner := verdicts[0]

	confidence := contracts.Clamp01(float64(counts[winner]) / float64(len(successful)) * 0.8)
	return &contracts.FallbackDecision{
		Verdict:             winner,
		Confidence:          confidence,
		StrategyUsed:        contracts.StrategyMajority,
		Reason:              fmt.Sprintf("majority fallback (%d of %d votes): %s", counts[winner], len(successful), reason),
		AlternativeVerdicts: alternativesTo(winner, verdictSet(successful)),
	}
}

func successfulOutputs(outputs []*contracts.CriticOutput) []*contracts.CriticOutput {
	var out []*contracts.CriticOutput
	for _, o := range outputs {
		if o.IsSuccessful() {
			out = append(out, o)
		}
	}
	return out
}

func verdictSet(outputs []*contracts.CriticOutput) map[contracts.Verdict]bool {
	set := map[contracts.Verdict]bool{}
	for _, o := range outputs {
		set[o.Verdict] = true
	}
	return set
}

func minConfidence(outputs []*contracts.CriticOutput) float64 {
	min := outputs[0].Confidence
	for _, o := range outputs[1:] {
		if o.Confidence < min {
			min = o.Confidence
		}
	}
	return min
}

func maxConfidence(outputs []*contracts.CriticOutput) float64 {
	max := outputs[0].Confidence
	for _, o := range outputs[1:] {
		if o.Confidence > max {
			max = o.Confidence
		}
	}
	return max
}

// alternativesTo lists the other verdicts that were on the table, most
// conservative first.
func alternativesTo(chosen contracts.Verdict, present map[contracts.Verdict]bool) []contracts.Verdict {
	var alts []contracts.Verdict
	for v := range present {
		if v != chosen {
			alts = append(alts, v)
		}
	}
	sort.Slice(alts, func(i, j int) bool { return alts[i].MoreConservativeThan(alts[j]) })
	return alts
}
