package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
)

func complianceDecision(verdict contracts.Verdict, conf float64, snapCtx map[string]any) *contracts.Decision {
	out := contracts.NewCriticOutput("safety", verdict, conf, "reasoned")
	return &contracts.Decision{
		DecisionID: "dec-1",
		Bundle: &contracts.EvidenceBundle{
			BundleID:      "b-1",
			Version:       contracts.BundleVersion,
			Timestamp:     time.Now().UTC(),
			InputSnapshot: contracts.InputSnapshot{Text: "case", Context: snapCtx},
			CriticOutputs: []*contracts.CriticOutput{out},
			Metadata:      contracts.BundleMetadata{Environment: contracts.EnvTest},
		},
		GovernanceOutcome: contracts.GovernanceOutcome{Verdict: verdict, AdjustedConfidence: conf},
		Timestamp:         time.Now().UTC(),
	}
}

func TestResolveModeKnown(t *testing.T) {
	name, mode := ResolveMode("eu_ai_act", nil)
	assert.Equal(t, "eu_ai_act", name)
	assert.True(t, mode.RequireHumanReview)
	assert.True(t, mode.RequireRiskAssessment)
	assert.Equal(t, 2, mode.MinExplanationDepth)
}

func TestResolveModeUnknownFallsBack(t *testing.T) {
	name, mode := ResolveMode("klingon_empire", nil)
	assert.Equal(t, "default", name)
	assert.Equal(t, config.ModeConfig{}, mode)
}

func TestResolveModeOverridesMerge(t *testing.T) {
	name, mode := ResolveMode("oecd", map[string]config.ModeConfig{
		"oecd": {AllowThreshold: 0.9, RequireImpactAssessment: true},
	})
	assert.Equal(t, "oecd", name)
	assert.InDelta(t, 0.9, mode.AllowThreshold, 1e-9)
	assert.True(t, mode.RequireImpactAssessment)
	assert.True(t, mode.ExplainabilityRequired, "builtin knobs survive the merge")
}

func TestResolveModeCustomProfile(t *testing.T) {
	name, mode := ResolveMode("acme_internal", map[string]config.ModeConfig{
		"acme_internal": {RequireHumanReview: true},
	})
	assert.Equal(t, "acme_internal", name)
	assert.True(t, mode.RequireHumanReview)
}

func TestCheckComplianceEUAIAct(t *testing.T) {
	_, mode := ResolveMode("eu_ai_act", nil)
	d := complianceDecision(contracts.VerdictAllow, 0.6, map[string]any{})

	notes := CheckCompliance("eu_ai_act", mode, d)
	require.NotEmpty(t, notes)

	joined := ""
	for _, n := range notes {
		joined += n + "\n"
	}
	assert.Contains(t, joined, "human review")
	assert.Contains(t, joined, "risk_assessment")
	assert.Contains(t, joined, "impact_assessment")
	assert.Contains(t, joined, "explanation depth")
	assert.Contains(t, joined, "allow threshold")
}

func TestCheckComplianceSatisfied(t *testing.T) {
	_, mode := ResolveMode("eu_ai_act", nil)
	d := complianceDecision(contracts.VerdictAllow, 0.9, map[string]any{
		"risk_assessment":   "completed",
		"impact_assessment": "completed",
	})
	d.Bundle.Metadata.Flags.RequiresHumanReview = true
	d.Bundle.CriticOutputs = append(d.Bundle.CriticOutputs,
		contracts.NewCriticOutput("fairness", contracts.VerdictAllow, 0.9, "also reasoned"))

	notes := CheckCompliance("eu_ai_act", mode, d)
	assert.Empty(t, notes)
}

func TestCheckComplianceDefaultModeIsSilent(t *testing.T) {
	_, mode := ResolveMode("default", nil)
	d := complianceDecision(contracts.VerdictAllow, 0.1, nil)
	assert.Empty(t, CheckCompliance("default", mode, d))
}

func TestCheckComplianceNilDecision(t *testing.T) {
	_, mode := ResolveMode("eu_ai_act", nil)
	assert.Nil(t, CheckCompliance("eu_ai_act", mode, nil))
}
