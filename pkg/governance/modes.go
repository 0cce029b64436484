package governance

import (
	"fmt"

	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
)

// BuiltinModes returns the shipped governance-mode profiles. A config file
// may override any knob per mode; unknown mode names fall back to default.
func BuiltinModes() map[string]config.ModeConfig {
	return map[string]config.ModeConfig{
		"default": {},
		"eu_ai_act": {
			OversightLevel:          "high",
			ExplainabilityRequired:  true,
			AuditFrequency:          "per_decision",
			MinExplanationDepth:     2,
			RequireHumanReview:      true,
			RequireRiskAssessment:   true,
			RequireImpactAssessment: true,
			AllowThreshold:          0.75,
		},
		"oecd": {
			OversightLevel:         "medium",
			ExplainabilityRequired: true,
			AuditFrequency:         "per_decision",
			MinExplanationDepth:    1,
			AllowThreshold:         0.6,
		},
		"un_global": {
			OversightLevel:        "medium",
			MinExplanationDepth:   1,
			RequireHumanReview:    true,
			RequireRiskAssessment: true,
		},
		"nist_rmf": {
			OversightLevel:         "medium",
			ExplainabilityRequired: true,
			AuditFrequency:         "sampled",
			RequireRiskAssessment:  true,
			AllowThreshold:         0.7,
		},
		"korea_basic": {
			OversightLevel:      "medium",
			MinExplanationDepth: 1,
			RequireHumanReview:  true,
		},
		"japan_society5": {
			OversightLevel:         "low",
			ExplainabilityRequired: true,
			AuditFrequency:         "sampled",
		},
	}
}

// ResolveMode returns the effective profile for name: a built-in when known,
// overridden field-for-field by any same-named entry in overrides. Unknown
// names resolve to the default profile.
func ResolveMode(name string, overrides map[string]config.ModeConfig) (string, config.ModeConfig) {
	if name == "" {
		name = "default"
	}
	builtin := BuiltinModes()
	mode, known := builtin[name]
	if !known {
		if _, custom := overrides[name]; !custom {
			return "default", builtin["default"]
		}
		mode = config.ModeConfig{}
	}
	if o, ok := overrides[name]; ok {
		mode = mergeMode(mode, o)
	}
	return name, mode
}

func mergeMode(base, o config.ModeConfig) config.ModeConfig {
	if o.DenyThreshold != 0 {
		base.DenyThreshold = o.DenyThreshold
	}
	if o.ReviewThreshold != 0 {
		base.ReviewThreshold = o.ReviewThreshold
	}
	if o.AllowThreshold != 0 {
		base.AllowThreshold = o.AllowThreshold
	}
	if o.OversightLevel != "" {
		base.OversightLevel = o.OversightLevel
	}
	if o.ExplainabilityRequired {
		base.ExplainabilityRequired = true
	}
	if o.AuditFrequency != "" {
		base.AuditFrequency = o.AuditFrequency
	}
	if o.MinExplanationDepth != 0 {
		base.MinExplanationDepth = o.MinExplanationDepth
	}
	if o.RequireHumanReview {
		base.RequireHumanReview = true
	}
	if o.RequireRiskAssessment {
		base.RequireRiskAssessment = true
	}
	if o.RequireImpactAssessment {
		base.RequireImpactAssessment = true
	}
	return base
}

// CheckCompliance post-checks a finished decision against a mode profile.
// Notes annotate; they never block. Callers that want hard enforcement act
// on the notes themselves.
func CheckCompliance(modeName string, mode config.ModeConfig, d *contracts.Decision) []string {
	if d == nil || d.Bundle == nil {
		return nil
	}
	var notes []string
	note := func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf("[%s] %s", modeName, fmt.Sprintf(format, args...)))
	}

	justified := 0
	for _, o := range d.Bundle.CriticOutputs {
		if !o.IsSuccessful() {
			continue
		}
		if o.Justification != "" {
			justified++
		} else if mode.ExplainabilityRequired {
			note("critic %q gave no justification but explainability is required", o.Critic)
		}
	}
	if mode.MinExplanationDepth > 0 && justified < mode.MinExplanationDepth {
		note("explanation depth %d below required %d", justified, mode.MinExplanationDepth)
	}

	if mode.RequireHumanReview && d.Verdict() == contracts.VerdictAllow && !d.Bundle.Metadata.Flags.RequiresHumanReview {
		note("mode mandates human review but the decision allows without it")
	}

	snapCtx := d.Bundle.InputSnapshot.Context
	if mode.RequireRiskAssessment {
		if _, ok := snapCtx["risk_assessment"]; !ok {
			note("required risk_assessment field is missing from the request context")
		}
	}
	if mode.RequireImpactAssessment {
		if _, ok := snapCtx["impact_assessment"]; !ok {
			note("required impact_assessment field is missing from the request context")
		}
	}

	conf := d.GovernanceOutcome.AdjustedConfidence
	switch d.Verdict() {
	case contracts.VerdictAllow:
		if mode.AllowThreshold > 0 && conf < mode.AllowThreshold {
			note("confidence %.2f below mode allow threshold %.2f", conf, mode.AllowThreshold)
		}
	case contracts.VerdictDeny:
		if mode.DenyThreshold > 0 && conf < mode.DenyThreshold {
			note("confidence %.2f below mode deny threshold %.2f", conf, mode.DenyThreshold)
		}
	case contracts.VerdictReview:
		if mode.ReviewThreshold > 0 && conf < mode.ReviewThreshold {
			note("confidence %.2f below mode review threshold %.2f", conf, mode.ReviewThreshold)
		}
	}

	return notes
}
