package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-project/eje/pkg/archive"
	"github.com/eleanor-project/eje/pkg/audit"
	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
	"github.com/eleanor-project/eje/pkg/critic"
	"github.com/eleanor-project/eje/pkg/precedent"
)

func voteCritic(name string, verdict contracts.Verdict, confidence float64) critic.Critic {
	return critic.Func{
		CriticName: name,
		Fn: func(context.Context, *contracts.InputSnapshot, critic.Budget) (*contracts.CriticOutput, error) {
			return contracts.NewCriticOutput(name, verdict, confidence, "scripted vote from "+name), nil
		},
	}
}

func failingCritic(name string) critic.Critic {
	return critic.Func{
		CriticName: name,
		Fn: func(context.Context, *contracts.InputSnapshot, critic.Budget) (*contracts.CriticOutput, error) {
			return nil, errors.New("backend unavailable")
		},
	}
}

func stallingCritic(name string) critic.Critic {
	return critic.Func{
		CriticName: name,
		Fn: func(ctx context.Context, _ *contracts.InputSnapshot, _ critic.Budget) (*contracts.CriticOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func flaggingCritic(name, right string) critic.Critic {
	return critic.Func{
		CriticName: name,
		Fn: func(context.Context, *contracts.InputSnapshot, critic.Budget) (*contracts.CriticOutput, error) {
			out := contracts.NewCriticOutput(name, contracts.VerdictDeny, 0.9, "violation observed")
			out.Context = map[string]any{"right": right, "violation": true}
			return out, nil
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) (*Engine, *audit.MemoryStore) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	store := audit.NewMemoryStore()
	writer, err := audit.NewChainWriter(store, nil, false)
	require.NoError(t, err)

	eng, err := New(context.Background(), cfg, append([]Option{WithAuditLog(writer)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, store
}

func TestProcessCleanAllow(t *testing.T) {
	eng, store := newTestEngine(t, nil, WithCritics(
		voteCritic("safety", contracts.VerdictAllow, 0.9),
		voteCritic("fairness", contracts.VerdictAllow, 0.8),
		voteCritic("policy", contracts.VerdictAllow, 0.85),
	))

	out, err := eng.Process(context.Background(), Request{
		Text:          "publish the quarterly report",
		Context:       map[string]any{"audience": "public"},
		CorrelationID: "req-clean-allow",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.Nil(t, out.RightsViolation)
	assert.NoError(t, out.Err())
	assert.Equal(t, "req-clean-allow", out.RequestID)

	d := out.Decision
	assert.Equal(t, contracts.VerdictAllow, d.Verdict())
	assert.Equal(t, contracts.ConsensusUnanimous, d.Aggregation.ConsensusLevel)
	assert.False(t, d.GovernanceOutcome.Escalate)
	assert.False(t, d.GovernanceOutcome.HumanModified)
	assert.False(t, d.Escalated)
	assert.False(t, d.Bundle.Metadata.Flags.IsFallback)
	assert.Equal(t, "req-clean-allow", d.Bundle.Metadata.CorrelationID)
	require.Len(t, d.Bundle.CriticOutputs, 3)

	require.NotNil(t, d.Bundle.Synthesis)
	assert.InDelta(t, 0.85, d.Bundle.Synthesis.ConfidenceAssessment.Average, 1e-9)
	assert.Len(t, d.Bundle.Synthesis.SupportingEvidence, 3)
	assert.Empty(t, d.Bundle.Synthesis.ConflictingEvidence)

	entries, err := store.ByRequestID(context.Background(), "req-clean-allow")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventDecision, entries[0].Type)
	assert.Equal(t, d.DecisionID, entries[0].EventID)
}

func TestProcessMajorityFailureFallback(t *testing.T) {
	eng, store := newTestEngine(t, nil, WithCritics(
		voteCritic("safety", contracts.VerdictAllow, 0.9),
		failingCritic("bias"),
		failingCritic("privacy"),
		voteCritic("legal", contracts.VerdictDeny, 0.7),
	))

	out, err := eng.Process(context.Background(), Request{
		Text:          "share the customer list",
		CorrelationID: "req-majority-failed",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)

	d := out.Decision
	assert.Equal(t, contracts.VerdictDeny, d.Verdict())
	assert.InDelta(t, 0.56, d.GovernanceOutcome.AdjustedConfidence, 1e-9)
	assert.True(t, d.Bundle.Metadata.Flags.IsFallback)

	require.NotNil(t, d.Bundle.Metadata.Fallback)
	fb, err := contracts.FallbackEvidenceBundleFromMap(d.Bundle.Metadata.Fallback)
	require.NoError(t, err)
	assert.Equal(t, contracts.FallbackMajorityCriticsFailed, fb.FallbackType)
	assert.Equal(t, contracts.StrategyConservative, fb.Decision.StrategyUsed)
	assert.Len(t, fb.FailedCritics, 2)
	assert.Equal(t, 4, fb.SystemStateAtTrigger.TotalExpected)
	assert.Equal(t, "req-majority-failed", fb.SystemStateAtTrigger.RequestID)
	assert.GreaterOrEqual(t, fb.Decision.DecisionTimeMS, 0.0)

	entries, err := store.ByRequestID(context.Background(), "req-majority-failed")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EventDecision, entries[0].Type)
	assert.Equal(t, audit.EventFallback, entries[1].Type)
}

func TestProcessGlobalTimeoutFallback(t *testing.T) {
	cfg := config.Default()
	cfg.Critics.GlobalTimeoutMS = 40
	cfg.Critics.PerCriticTimeoutMS = 0

	eng, _ := newTestEngine(t, cfg, WithCritics(
		stallingCritic("alpha"),
		stallingCritic("beta"),
		stallingCritic("gamma"),
	))

	out, err := eng.Process(context.Background(), Request{
		Text:          "evaluate under load",
		CorrelationID: "req-timeout",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)

	d := out.Decision
	assert.Equal(t, contracts.VerdictReview, d.Verdict())
	assert.True(t, d.Bundle.Metadata.Flags.IsFallback)
	assert.True(t, d.Bundle.Metadata.Flags.RequiresHumanReview)
	for _, o := range d.Bundle.CriticOutputs {
		assert.Equal(t, contracts.VerdictError, o.Verdict)
		assert.Equal(t, contracts.ErrorTypeTimeout, o.ErrorType)
	}

	fb, err := contracts.FallbackEvidenceBundleFromMap(d.Bundle.Metadata.Fallback)
	require.NoError(t, err)
	assert.Equal(t, contracts.FallbackTimeoutExceeded, fb.FallbackType)
	assert.True(t, fb.Decision.RequiresHumanReview)
}

func TestProcessRightsViolation(t *testing.T) {
	eng, store := newTestEngine(t, nil, WithCritics(
		voteCritic("safety", contracts.VerdictAllow, 0.9),
		flaggingCritic("dignity-watch", "dignity"),
	))

	out, err := eng.Process(context.Background(), Request{
		Text:          "profile the applicant",
		CorrelationID: "req-rights",
	})
	require.NoError(t, err)
	require.NotNil(t, out.RightsViolation)
	assert.Nil(t, out.Decision)
	assert.Equal(t, "dignity", out.RightsViolation.Right)
	require.NotNil(t, out.RightsViolation.Evidence)
	assert.Equal(t, "dignity-watch", out.RightsViolation.Evidence.Critic)

	require.Error(t, out.Err())
	assert.True(t, contracts.IsKind(out.Err(), contracts.ErrRightsViolation))

	entries, err := store.ByRequestID(context.Background(), "req-rights")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventRightsViolation, entries[0].Type)
	for _, e := range entries {
		assert.NotEqual(t, audit.EventDecision, e.Type)
	}
}

func TestProcessRejectsEmptyText(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)))

	_, err := eng.Process(context.Background(), Request{Text: "   "})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrMissingInput))
}

func TestProcessRejectsContextTextConflict(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)))

	_, err := eng.Process(context.Background(), Request{
		Text:    "original text",
		Context: map[string]any{"text": "different text"},
	})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrInputConflict))
}

func TestProcessRejectsZeroCritics(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	_, err := eng.Process(context.Background(), Request{Text: "anything"})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrMissingInput))
}

func TestProcessCancelledContext(t *testing.T) {
	eng, store := newTestEngine(t, nil, WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := eng.Process(ctx, Request{Text: "anything", CorrelationID: "req-cancelled"})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, contracts.IsKind(err, contracts.ErrRequestCancelled))

	entries, err := store.ByRequestID(context.Background(), "req-cancelled")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessStoresAndPrefetchesPrecedents(t *testing.T) {
	cfg := config.Default()
	cfg.Precedent.Enabled = true
	cfg.Precedent.MinSimilarity = 0.5

	svc := precedent.NewService(precedent.NewHashEmbedder(64), precedent.NewMemoryBackend(), cfg.Precedent)
	eng, _ := newTestEngine(t, cfg,
		WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)),
		WithPrecedents(svc),
	)

	first, err := eng.Process(context.Background(), Request{
		Text:          "approve the loan request",
		CorrelationID: "req-prec-1",
	})
	require.NoError(t, err)
	require.NotNil(t, first.Decision)
	assert.Empty(t, first.Decision.Precedents)

	rec, err := svc.GetByID(context.Background(), first.Decision.DecisionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, contracts.VerdictAllow, rec.FinalDecision.OverallVerdict)

	second, err := eng.Process(context.Background(), Request{
		Text:          "approve the loan request",
		CorrelationID: "req-prec-2",
	})
	require.NoError(t, err)
	require.NotNil(t, second.Decision)
	require.NotEmpty(t, second.Decision.Precedents)
	assert.Equal(t, first.Decision.DecisionID, second.Decision.Precedents[0].PrecedentID)
	assert.Equal(t, second.Decision.Precedents, second.Decision.Bundle.Metadata.PrecedentRefs)
}

func TestProcessSkipsPrecedentsForFallbackDecisions(t *testing.T) {
	cfg := config.Default()
	cfg.Precedent.Enabled = true

	svc := precedent.NewService(precedent.NewHashEmbedder(64), precedent.NewMemoryBackend(), cfg.Precedent)
	eng, _ := newTestEngine(t, cfg,
		WithCritics(failingCritic("alpha"), failingCritic("beta")),
		WithPrecedents(svc),
	)

	out, err := eng.Process(context.Background(), Request{
		Text:          "nothing works",
		CorrelationID: "req-fb-prec",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	require.True(t, out.Decision.Bundle.Metadata.Flags.IsFallback)

	rec, err := svc.GetByID(context.Background(), out.Decision.DecisionID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestProcessArchivesBundle(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.NewFileStore(dir)
	require.NoError(t, err)

	eng, _ := newTestEngine(t, nil,
		WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)),
		WithArchive(store),
	)

	out, err := eng.Process(context.Background(), Request{
		Text:          "archive me",
		CorrelationID: "req-archive",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)

	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)

	data, err := os.ReadFile(dir + "/" + names[0].Name())
	require.NoError(t, err)
	var bundle contracts.EvidenceBundle
	require.NoError(t, json.Unmarshal(data, &bundle))
	assert.Equal(t, out.Decision.Bundle.BundleID, bundle.BundleID)
}

func TestProcessFallbackAuditOptOut(t *testing.T) {
	cfg := config.Default()
	cfg.Fallback.EnableAuditBundles = false

	eng, store := newTestEngine(t, cfg, WithCritics(
		failingCritic("alpha"),
		failingCritic("beta"),
	))

	out, err := eng.Process(context.Background(), Request{
		Text:          "everything fails",
		CorrelationID: "req-optout",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Bundle.Metadata.Flags.IsFallback)
	// The embedded record survives the opt-out; only the audit event is
	// skipped.
	assert.NotNil(t, out.Decision.Bundle.Metadata.Fallback)

	entries, err := store.ByRequestID(context.Background(), "req-optout")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventDecision, entries[0].Type)
}

func TestReloadSwapsPipelineBetweenRequests(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)))

	out, err := eng.Process(context.Background(), Request{Text: "first pass"})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.False(t, out.Decision.Bundle.Metadata.Flags.IsFallback)

	stricter := config.Default()
	stricter.Fallback.MinSuccessfulCritics = 2
	require.NoError(t, eng.Reload(stricter))

	out, err = eng.Process(context.Background(), Request{Text: "second pass"})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Bundle.Metadata.Flags.IsFallback)

	fb, err := contracts.FallbackEvidenceBundleFromMap(out.Decision.Bundle.Metadata.Fallback)
	require.NoError(t, err)
	assert.Equal(t, contracts.FallbackMajorityCriticsFailed, fb.FallbackType)
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)))

	bad := config.Default()
	bad.Governance.FairnessPenalty = 2.0
	err := eng.Reload(bad)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrConfiguration))

	require.Error(t, eng.Reload(nil))
}

func TestProcessGeneratesCorrelationID(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)))

	out, err := eng.Process(context.Background(), Request{Text: "no correlation id"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, out.RequestID, out.Decision.Bundle.Metadata.CorrelationID)
}

func TestProcessUncertaintyEscalates(t *testing.T) {
	uncertain := critic.Func{
		CriticName: "uncertainty",
		Fn: func(context.Context, *contracts.InputSnapshot, critic.Budget) (*contracts.CriticOutput, error) {
			out := contracts.NewCriticOutput("uncertainty", contracts.VerdictAllow, 0.9, "low model confidence")
			out.Context = map[string]any{"confidence_score": 0.2}
			return out, nil
		},
	}
	eng, _ := newTestEngine(t, nil, WithCritics(
		voteCritic("safety", contracts.VerdictAllow, 0.9),
		voteCritic("fairness", contracts.VerdictAllow, 0.85),
		uncertain,
	))

	out, err := eng.Process(context.Background(), Request{Text: "uncertain ground"})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.GovernanceOutcome.Escalate)
	assert.True(t, out.Decision.Escalated)
}

func TestSynthesizeReportsConflicts(t *testing.T) {
	outputs := []*contracts.CriticOutput{
		contracts.NewCriticOutput("safety", contracts.VerdictAllow, 0.9, "no hazard found"),
		contracts.NewCriticOutput("fairness", contracts.VerdictAllow, 0.8, "balanced treatment"),
		contracts.NewCriticOutput("legal", contracts.VerdictDeny, 0.7, "contract forbids it"),
	}
	agg := contracts.Aggregation{
		OverallVerdict:  contracts.VerdictAllow,
		AvgConfidence:   0.8,
		ConsensusLevel:  contracts.ConsensusModerate,
		SuccessfulCount: 3,
	}

	syn := synthesize(agg, outputs)
	require.NotNil(t, syn)
	assert.Contains(t, syn.Summary, "ALLOW")
	assert.Contains(t, syn.Summary, "2 of 3")
	assert.Len(t, syn.SupportingEvidence, 2)
	require.Len(t, syn.ConflictingEvidence, 1)
	assert.Equal(t, []string{"legal"}, syn.ConflictingEvidence[0].Critics)
	assert.Equal(t, contracts.ConsensusModerate, syn.ConfidenceAssessment.ConsensusLevel)
}

func TestEngineCriticNames(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCritics(
		voteCritic("safety", contracts.VerdictAllow, 0.9),
		voteCritic("fairness", contracts.VerdictAllow, 0.8),
	))
	assert.Equal(t, []string{"safety", "fairness"}, eng.Critics())
}

func TestProcessElapsedIsPositive(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCritics(voteCritic("safety", contracts.VerdictAllow, 0.9)))

	out, err := eng.Process(context.Background(), Request{Text: "time me"})
	require.NoError(t, err)
	assert.Greater(t, out.Elapsed, time.Duration(0))
}
