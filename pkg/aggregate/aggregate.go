// Package aggregate folds a set of critic outputs into a proposed verdict
// and agreement statistics. Aggregation is pure: no I/O, no clock, no
// configuration. Governance rules and fallback detection run downstream on
// its result.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// Consensus share thresholds. Shares are counted over successful votes.
const (
	strongShare   = 0.8
	moderateShare = 0.5
)

// Aggregate partitions outputs into votes and failures, resolves priority
// markers, and tallies the weighted vote. ERROR and ABSTAIN outputs never
// vote; they only move the failed count.
func Aggregate(outputs []*contracts.CriticOutput) contracts.Aggregation {
	successful := make([]*contracts.CriticOutput, 0, len(outputs))
	failed := 0
	for _, o := range outputs {
		if o.IsSuccessful() {
			successful = append(successful, o)
		} else {
			failed++
		}
	}

	agg := contracts.Aggregation{
		SuccessfulCount:     len(successful),
		FailedCount:         failed,
		VerdictDistribution: map[contracts.Verdict]int{},
	}

	// No votes at all: propose REVIEW with zero confidence and let the
	// fallback detector catch the state.
	if len(successful) == 0 {
		agg.OverallVerdict = contracts.VerdictReview
		agg.ConsensusLevel = contracts.ConsensusConflicted
		agg.Ambiguity = 1
		return agg
	}

	for _, o := range successful {
		agg.VerdictDistribution[o.Verdict]++
	}

	forced, events, resolved := resolvePriority(successful)
	agg.PriorityEvents = events

	verdict, scores := weightedTally(successful)
	agg.WeightedScores = scores
	if resolved {
		verdict = forced
	}
	agg.OverallVerdict = verdict

	agg.AvgConfidence, agg.ConfidenceVariance = confidenceStats(successful)
	level, maxShare := consensus(agg.VerdictDistribution, len(successful))
	agg.ConsensusLevel = level
	agg.Ambiguity = 1 - maxShare
	return agg
}

// resolvePriority applies veto and override markers before any tally.
// Veto forces DENY only when the vetoing critic itself voted DENY. A
// non-DENY veto coexisting with an override is unresolvable here and is
// surfaced as a conflict; so are overrides that disagree with each other.
func resolvePriority(successful []*contracts.CriticOutput) (contracts.Verdict, []contracts.PriorityEvent, bool) {
	var (
		vetoDeny    []string
		vetoOther   []string
		overrideAll []string
	)
	overridesByVerdict := map[contracts.Verdict][]string{}

	for _, o := range successful {
		switch o.Priority {
		case contracts.PriorityVeto:
			if o.Verdict == contracts.VerdictDeny {
				vetoDeny = append(vetoDeny, o.Critic)
			} else {
				vetoOther = append(vetoOther, o.Critic)
			}
		case contracts.PriorityOverride:
			overridesByVerdict[o.Verdict] = append(overridesByVerdict[o.Verdict], o.Critic)
			overrideAll = append(overrideAll, o.Critic)
		}
	}

	var events []contracts.PriorityEvent
	if len(vetoDeny) > 0 {
		events = append(events, contracts.PriorityEvent{
			Kind:    contracts.PriorityEventVetoApplied,
			Critics: vetoDeny,
			Detail:  "veto forces DENY",
		})
		return contracts.VerdictDeny, events, true
	}
	if len(vetoOther) > 0 && len(overrideAll) > 0 {
		events = append(events, contracts.PriorityEvent{
			Kind:    contracts.PriorityEventConflict,
			Critics: append(append([]string{}, vetoOther...), overrideAll...),
			Detail:  "non-DENY veto coexists with override; falling through to weighted tally",
		})
		return "", events, false
	}
	switch len(overridesByVerdict) {
	case 0:
		return "", events, false
	case 1:
		for v, critics := range overridesByVerdict {
			events = append(events, contracts.PriorityEvent{
				Kind:    contracts.PriorityEventOverrideApplied,
				Critics: critics,
				Detail:  fmt.Sprintf("override forces %s", v),
			})
			return v, events, true
		}
	}
	events = append(events, contracts.PriorityEvent{
		Kind:    contracts.PriorityEventConflict,
		Critics: overrideAll,
		Detail:  "conflicting override verdicts; falling through to weighted tally",
	})
	return "", events, false
}

// weightedTally scores each verdict as Σ weight×confidence over the votes
// cast for it and picks the argmax. Ties break toward the more restrictive
// verdict so an even split never allows.
func weightedTally(successful []*contracts.CriticOutput) (contracts.Verdict, map[contracts.Verdict]float64) {
	scores := map[contracts.Verdict]float64{}
	for _, o := range successful {
		scores[o.Verdict] += o.Weight * o.Confidence
	}

	// Iterate deterministically so equal scores resolve identically on
	// every run regardless of map order.
	verdicts := make([]contracts.Verdict, 0, len(scores))
	for v := range scores {
		verdicts = append(verdicts, v)
	}
	sort.Slice(verdicts, func(i, j int) bool {
		return verdicts[i].MoreConservativeThan(verdicts[j])
	})

	best := contracts.Verdict("")
	for _, v := range verdicts {
		if best == "" || scores[v] > scores[best] {
			best = v
		}
	}
	return best, scores
}

// confidenceStats returns the mean and population variance of the vote
// confidences.
func confidenceStats(successful []*contracts.CriticOutput) (mean, variance float64) {
	n := float64(len(successful))
	for _, o := range successful {
		mean += o.Confidence
	}
	mean /= n
	for _, o := range successful {
		d := o.Confidence - mean
		variance += d * d
	}
	variance /= n
	return mean, variance
}

// consensus grades agreement by vote share: unanimous, strong (≥80%),
// moderate (≥50%), weak (unique plurality below 50%), conflicted (tied
// plurality).
func consensus(dist map[contracts.Verdict]int, total int) (contracts.ConsensusLevel, float64) {
	maxCount, atMax := 0, 0
	for _, c := range dist {
		switch {
		case c > maxCount:
			maxCount, atMax = c, 1
		case c == maxCount:
			atMax++
		}
	}
	share := float64(maxCount) / float64(total)
	switch {
	case maxCount == total:
		return contracts.ConsensusUnanimous, share
	case share >= strongShare:
		return contracts.ConsensusStrong, share
	case share >= moderateShare:
		return contracts.ConsensusModerate, share
	case atMax == 1:
		return contracts.ConsensusWeak, share
	default:
		return contracts.ConsensusConflicted, share
	}
}
