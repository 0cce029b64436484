package precedent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-project/eje/pkg/contracts"
)

func testDecision(id, text string, verdict contracts.Verdict, conf float64, ts time.Time) *contracts.Decision {
	return &contracts.Decision{
		DecisionID: id,
		Bundle: &contracts.EvidenceBundle{
			BundleID:  "bundle-" + id,
			Version:   "1.0.0",
			Timestamp: ts,
			InputSnapshot: contracts.InputSnapshot{
				Text:      text,
				Context:   map[string]any{"locale": "en"},
				Source:    "api",
				Domain:    "moderation",
				Timestamp: ts,
			},
			CriticOutputs: []*contracts.CriticOutput{
				contracts.NewCriticOutput("safety", verdict, conf, "test output"),
			},
			Synthesis: &contracts.JustificationSynthesis{Summary: "because " + text},
			Metadata: contracts.BundleMetadata{
				Environment:   contracts.EnvTest,
				CorrelationID: "req-" + id,
			},
		},
		Aggregation:       contracts.Aggregation{OverallVerdict: verdict, AvgConfidence: conf, Ambiguity: 0.1},
		GovernanceOutcome: contracts.GovernanceOutcome{Verdict: verdict, AdjustedConfidence: conf},
		Timestamp:         ts,
	}
}

func testRecord(t *testing.T, id, text string, verdict contracts.Verdict, conf float64, ts time.Time) *Record {
	t.Helper()
	rec, err := NewRecord(testDecision(id, text, verdict, conf, ts))
	require.NoError(t, err)
	emb, err := NewHashEmbedder(64).Embed(context.Background(), text)
	require.NoError(t, err)
	rec.Embedding = emb
	return rec
}

func TestNewRecordProjection(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := testDecision("dec-1", "refund the customer", contracts.VerdictAllow, 0.82, ts)

	rec, err := NewRecord(d)
	require.NoError(t, err)

	assert.Equal(t, "dec-1", rec.PrecedentID)
	assert.Equal(t, "req-dec-1", rec.RequestID)
	assert.NotEmpty(t, rec.CaseHash)
	assert.Equal(t, "refund the customer", rec.Input.Text)
	assert.Equal(t, "api", rec.Input.Metadata["source"])
	assert.Equal(t, "moderation", rec.Input.Metadata["domain"])
	assert.Equal(t, contracts.VerdictAllow, rec.FinalDecision.OverallVerdict)
	assert.Equal(t, 0.82, rec.FinalDecision.AvgConfidence)
	assert.Equal(t, "because refund the customer", rec.FinalDecision.Reason)
	require.Len(t, rec.CriticOutputs, 1)
	// The projection deep-copies critic outputs.
	rec.CriticOutputs[0].Justification = "mutated"
	assert.Equal(t, "test output", d.Bundle.CriticOutputs[0].Justification)
}

func TestNewRecordSameInputSameCaseHash(t *testing.T) {
	ts := time.Now().UTC()
	a, err := NewRecord(testDecision("dec-a", "same input", contracts.VerdictAllow, 0.8, ts))
	require.NoError(t, err)
	b, err := NewRecord(testDecision("dec-b", "same input", contracts.VerdictDeny, 0.4, ts))
	require.NoError(t, err)

	assert.Equal(t, a.CaseHash, b.CaseHash)
	assert.NotEqual(t, a.PrecedentID, b.PrecedentID)
}

func TestRecordFilters(t *testing.T) {
	rec := testRecord(t, "dec-1", "filter target", contracts.VerdictDeny, 0.9, time.Now().UTC())

	cases := []struct {
		name    string
		filters map[string]string
		want    bool
	}{
		{"nil filters", nil, true},
		{"verdict match", map[string]string{"verdict": "DENY"}, true},
		{"verdict mismatch", map[string]string{"verdict": "ALLOW"}, false},
		{"request id match", map[string]string{"request_id": "req-dec-1"}, true},
		{"domain match", map[string]string{"domain": "moderation"}, true},
		{"source match", map[string]string{"source": "api"}, true},
		{"all match", map[string]string{"verdict": "DENY", "domain": "moderation"}, true},
		{"one mismatch sinks all", map[string]string{"verdict": "DENY", "domain": "finance"}, false},
		{"unknown key never matches", map[string]string{"color": "red"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, rec.matchesFilters(tc.filters))
		})
	}
}

func TestRecordClone(t *testing.T) {
	rec := testRecord(t, "dec-1", "clone me", contracts.VerdictAllow, 0.7, time.Now().UTC())
	cp := rec.Clone()

	cp.Input.Context["locale"] = "fr"
	cp.Embedding[0] = 42
	cp.CriticOutputs[0].Confidence = 0

	assert.Equal(t, "en", rec.Input.Context["locale"])
	assert.NotEqual(t, float32(42), rec.Embedding[0])
	assert.NotZero(t, rec.CriticOutputs[0].Confidence)
	assert.Nil(t, (*Record)(nil).Clone())
}
