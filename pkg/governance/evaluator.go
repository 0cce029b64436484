// Package governance applies the configured lexicographic rights hierarchy
// to an aggregated verdict. Hard rights terminate the request without a
// verdict; soft rights escalate, penalize confidence, or annotate. The
// evaluator is pure apart from CEL program caching and never mutates its
// inputs.
package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
)

// Safeguard names appended by the non-rights checks.
const (
	safeguardUncertainty       = "uncertainty"
	safeguardPrecedentConflict = "precedent_conflict"
)

// Input is everything the rule layer reads for one decision.
type Input struct {
	RequestID string
	// Proposed is the aggregator's verdict before governance.
	Proposed contracts.Verdict
	// Confidence is the aggregator's average confidence.
	Confidence float64
	// Outputs are the critic outputs; only successful ones are consulted.
	Outputs []*contracts.CriticOutput
}

// Evaluator walks the rights hierarchy in configured order.
type Evaluator struct {
	cfg        config.GovernanceConfig
	conditions *conditionSet
	logger     *slog.Logger
}

// New builds an evaluator for the given governance configuration.
func New(cfg config.GovernanceConfig) (*Evaluator, error) {
	conditions, err := newConditionSet()
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrConfiguration, "governance conditions: %w", err)
	}
	return &Evaluator{
		cfg:        cfg,
		conditions: conditions,
		logger:     slog.Default().With("component", "governance"),
	}, nil
}

// Evaluate applies the hierarchy to the proposed verdict. A flagged hard
// right returns a rights_violation error and no outcome; every other rule
// adjusts the outcome and falls through to the next.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*contracts.GovernanceOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Errorf(contracts.ErrRequestCancelled, "governance evaluation cancelled: %w", err).WithRequest(in.RequestID)
	}

	successful := make([]*contracts.CriticOutput, 0, len(in.Outputs))
	for _, o := range in.Outputs {
		if o.IsSuccessful() {
			successful = append(successful, o)
		}
	}

	out := &contracts.GovernanceOutcome{
		Verdict:            in.Proposed,
		AdjustedConfidence: contracts.Clamp01(in.Confidence),
	}

	for _, right := range e.cfg.RightsHierarchy {
		flagged := e.flaggedBy(right, successful)
		if len(flagged) == 0 {
			continue
		}
		switch {
		case right.Required:
			return nil, contracts.NewRightsViolation(right.Name, in.RequestID, flagged[0].Clone())
		case right.Name == "safety":
			out.Escalate = true
			out.SafeguardsTriggered = append(out.SafeguardsTriggered, right.Name)
		case right.Name == "fairness":
			out.FairnessPenalty = true
			out.SafeguardsTriggered = append(out.SafeguardsTriggered, right.Name)
			out.AdjustedConfidence = contracts.Clamp01(out.AdjustedConfidence * e.fairnessFactor())
		default:
			out.SafeguardsTriggered = append(out.SafeguardsTriggered, right.Name)
			for _, o := range flagged {
				out.AdvisoryWarnings = append(out.AdvisoryWarnings,
					fmt.Sprintf("%s concern raised by critic %q", right.Name, o.Critic))
			}
		}
	}

	threshold := e.cfg.UncertaintyThreshold
	if threshold <= 0 {
		threshold = 0.4
	}
	for _, o := range successful {
		score, ok := floatField(o.Context, "confidence_score")
		if ok && score < threshold {
			out.Escalate = true
			out.SafeguardsTriggered = appendUnique(out.SafeguardsTriggered, safeguardUncertainty)
		}
		if boolField(o.Context, "conflict") {
			out.Escalate = true
			out.SafeguardsTriggered = appendUnique(out.SafeguardsTriggered, safeguardPrecedentConflict)
		}
	}

	return out, nil
}

func (e *Evaluator) fairnessFactor() float64 {
	if e.cfg.FairnessPenalty > 0 && e.cfg.FairnessPenalty < 1 {
		return e.cfg.FairnessPenalty
	}
	return 0.8
}

// flaggedBy collects the outputs that flag a violation of the right, via
// the configured CEL condition when present, else via the flag convention
// (context.right + context.violation) or a constitutional-principle
// evidence source on a DENY vote.
func (e *Evaluator) flaggedBy(right config.RightSpec, outputs []*contracts.CriticOutput) []*contracts.CriticOutput {
	var flagged []*contracts.CriticOutput
	for _, o := range outputs {
		if right.Condition != "" {
			hit, err := e.conditions.Eval(right.Condition, reportMap(o))
			if err != nil {
				if contracts.IsKind(err, contracts.ErrConfiguration) {
					e.logger.Error("right condition misconfigured", "right", right.Name, "error", err)
				} else {
					// Heterogeneous reports routinely miss fields; an eval
					// error is a non-match, not a failure.
					e.logger.Debug("right condition did not evaluate", "right", right.Name, "critic", o.Critic, "error", err)
				}
				continue
			}
			if hit {
				flagged = append(flagged, o)
			}
			continue
		}
		if flagsViolation(o, right.Name) {
			flagged = append(flagged, o)
		}
	}
	return flagged
}

func flagsViolation(o *contracts.CriticOutput, right string) bool {
	if o.Context != nil {
		if name, _ := o.Context["right"].(string); name == right && boolField(o.Context, "violation") {
			return true
		}
		if list, ok := o.Context["violated_rights"].([]any); ok {
			for _, v := range list {
				if s, _ := v.(string); s == right {
					return true
				}
			}
		}
	}
	if o.Verdict == contracts.VerdictDeny {
		for _, src := range o.EvidenceSources {
			if src.Kind == contracts.SourceConstitutionalPrinciple && src.Reference == right {
				return true
			}
		}
	}
	return false
}

func floatField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
