package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eleanor-project/eje/pkg/aggregate"
	"github.com/eleanor-project/eje/pkg/audit"
	"github.com/eleanor-project/eje/pkg/canonicalize"
	"github.com/eleanor-project/eje/pkg/contracts"
	"github.com/eleanor-project/eje/pkg/fallback"
	"github.com/eleanor-project/eje/pkg/governance"
	"github.com/eleanor-project/eje/pkg/normalize"
	"github.com/eleanor-project/eje/pkg/precedent"
	"github.com/eleanor-project/eje/pkg/version"
)

// Request is one judgment request. Text is required; everything else is
// optional context the critics and the audit trail can use.
type Request struct {
	Text    string
	Context map[string]any
	Source  string
	Domain  string
	Tags    []string

	// CorrelationID ties pipeline artifacts and audit events back to the
	// caller's tracing. Generated when empty.
	CorrelationID string

	// IsTest marks the bundle so production consumers can filter it out.
	// Test decisions are never stored as precedents.
	IsTest bool
}

// RightsViolation reports the hard right that terminated a request, with
// the critic output that flagged it.
type RightsViolation struct {
	Right    string                  `json:"right"`
	Evidence *contracts.CriticOutput `json:"evidence,omitempty"`
}

// PipelineOutcome is the judgment result sum: exactly one of Decision or
// RightsViolation is set. Transport adapters map the violation arm to their
// own status vocabulary.
type PipelineOutcome struct {
	RequestID       string
	Decision        *contracts.Decision
	RightsViolation *RightsViolation
	Elapsed         time.Duration
}

// Err adapts the sum to exception style: a rights violation becomes a
// rights_violation error, a decision becomes nil.
func (o *PipelineOutcome) Err() error {
	if o == nil || o.RightsViolation == nil {
		return nil
	}
	return contracts.NewRightsViolation(o.RightsViolation.Right, o.RequestID, o.RightsViolation.Evidence)
}

// Process runs one request through the pipeline. The configuration snapshot
// is captured once on entry; a Reload during the request is invisible.
// Caller cancellation is honored at every suspension point and surfaces as a
// request_cancelled error with no verdict.
func (e *Engine) Process(ctx context.Context, req Request) (*PipelineOutcome, error) {
	pl := e.pl.Load()

	requestID := req.CorrelationID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if pl.limiter != nil {
		if err := pl.limiter.Wait(ctx); err != nil {
			return nil, contracts.Errorf(contracts.ErrRequestCancelled,
				"request admission: %w", err).WithRequest(requestID)
		}
	}

	ctx, finish := e.obs.TrackOperation(ctx, "eje.process",
		attribute.String("eje.request_id", requestID),
	)
	outcome, err := e.run(ctx, pl, req, requestID)
	finish(err)
	return outcome, err
}

func (e *Engine) run(ctx context.Context, pl *pipeline, req Request, requestID string) (*PipelineOutcome, error) {
	start := e.now()

	if strings.TrimSpace(req.Text) == "" {
		return nil, contracts.NewError(contracts.ErrMissingInput, "input text is empty").WithRequest(requestID)
	}
	if nested, ok := req.Context["text"].(string); ok && nested != req.Text {
		return nil, contracts.NewError(contracts.ErrInputConflict,
			"input text disagrees with context[\"text\"]").WithRequest(requestID)
	}
	if len(e.critics) == 0 {
		return nil, contracts.NewError(contracts.ErrMissingInput, "no critics are registered").WithRequest(requestID)
	}

	contextHash, err := canonicalize.ContextHash(req.Text, req.Context)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrMissingInput, "context hash: %w", err).WithRequest(requestID)
	}

	// The snapshot is frozen here; every critic and the normalizer see the
	// same hash and the same copy of the context.
	snapshot := &contracts.InputSnapshot{
		Text:        req.Text,
		Context:     contracts.CopyMap(req.Context),
		Source:      req.Source,
		Domain:      req.Domain,
		Tags:        append([]string(nil), req.Tags...),
		ContextHash: contextHash,
		Timestamp:   e.now().UTC(),
	}

	var refs []contracts.PrecedentRef
	if e.precedents != nil {
		refs = e.prefetch(ctx, pl, snapshot, requestID)
	}

	outputs, elapsed, stats, err := pl.runner.RunAll(ctx, snapshot, e.critics, pl.budget)
	if err != nil {
		return nil, err
	}
	for _, st := range stats {
		e.obs.RecordCriticDuration(ctx, st.Name, st.Elapsed, st.Verdict == contracts.VerdictError)
	}

	bundle, err := e.normalizer.Normalize(ctx, normalize.Request{
		InputText:      req.Text,
		Context:        req.Context,
		Source:         req.Source,
		Domain:         req.Domain,
		Tags:           req.Tags,
		Environment:    pl.cfg.Environment,
		CorrelationID:  requestID,
		Outputs:        outputs,
		PrecedentRefs:  refs,
		ProcessingTime: elapsed,
		ContextHash:    contextHash,
		IsTest:         req.IsTest,
	})
	if err != nil {
		return nil, err
	}

	agg := aggregate.Aggregate(bundle.CriticOutputs)

	gov, err := pl.governance.Evaluate(ctx, governance.Input{
		RequestID:  requestID,
		Proposed:   agg.OverallVerdict,
		Confidence: agg.AvgConfidence,
		Outputs:    bundle.CriticOutputs,
	})
	if err != nil {
		var pe *contracts.PipelineError
		if errors.As(err, &pe) && pe.Kind == contracts.ErrRightsViolation {
			e.logger.WarnContext(ctx, "hard right violated, no verdict emitted",
				"request_id", requestID, "right", pe.Right)
			e.obs.RecordError(ctx, pe, attribute.String("error.kind", string(pe.Kind)))
			e.auditRightsViolation(ctx, requestID, pe)
			return &PipelineOutcome{
				RequestID:       requestID,
				RightsViolation: &RightsViolation{Right: pe.Right, Evidence: pe.Evidence},
				Elapsed:         e.now().Sub(start),
			}, nil
		}
		return nil, err
	}

	bundle.Synthesis = synthesize(agg, bundle.CriticOutputs)

	elapsedMS := float64(elapsed.Microseconds()) / 1000.0
	fb, err := pl.fallback.Evaluate(ctx, fallback.Input{
		Outputs:          bundle.CriticOutputs,
		Aggregation:      &agg,
		ElapsedMS:        elapsedMS,
		ValidationErrors: bundle.ValidationErrors,
		SystemState: contracts.SystemState{
			RequestID:     requestID,
			CorrelationID: requestID,
			Environment:   pl.cfg.Environment,
			SystemVersion: version.Version,
		},
	})
	if err != nil {
		return nil, err
	}

	if fb.Triggered {
		e.obs.RecordFallback(ctx, string(fb.Type), string(fb.Decision.StrategyUsed))
		// The synthesized verdict supersedes the governance one; the full
		// fallback record rides in bundle metadata so provenance survives.
		gov.Verdict = fb.Decision.Verdict
		gov.AdjustedConfidence = fb.Decision.Confidence
		bundle.Metadata.Flags.IsFallback = true
		if fb.Decision.RequiresHumanReview {
			bundle.Metadata.Flags.RequiresHumanReview = true
		}
		if m, mErr := fb.Bundle.ToMap(); mErr != nil {
			e.logger.WarnContext(ctx, "fallback bundle not serializable",
				"request_id", requestID, "error", mErr)
		} else {
			bundle.Metadata.Fallback = m
		}
	}

	decision := &contracts.Decision{
		DecisionID:        uuid.NewString(),
		Bundle:            bundle,
		Aggregation:       agg,
		GovernanceOutcome: *gov,
		Escalated:         gov.Escalate || gov.Verdict == contracts.VerdictEscalate,
		Precedents:        refs,
		Timestamp:         e.now().UTC(),
	}

	e.auditDecision(ctx, decision, fb)
	if fb.Triggered && !fb.AuditDisabled {
		e.auditFallback(ctx, requestID, fb)
	}

	// Fallback and test decisions are not trustworthy precedents.
	if e.precedents != nil && !fb.Triggered && !req.IsTest {
		if _, serr := e.precedents.Store(ctx, decision); serr != nil {
			e.logger.WarnContext(ctx, "precedent store failed, decision stands",
				"request_id", requestID, "decision_id", decision.DecisionID, "error", serr)
			e.obs.RecordError(ctx, serr, attribute.String("error.kind", string(contracts.ErrPrecedentStore)))
		}
	}

	if e.archive != nil {
		e.archiveBundle(ctx, decision)
	}

	e.logger.InfoContext(ctx, "decision issued",
		"request_id", requestID,
		"decision_id", decision.DecisionID,
		"verdict", gov.Verdict,
		"consensus", agg.ConsensusLevel,
		"escalated", decision.Escalated,
		"fallback", fb.Triggered,
	)

	return &PipelineOutcome{
		RequestID: requestID,
		Decision:  decision,
		Elapsed:   e.now().Sub(start),
	}, nil
}

// prefetch looks up similar past decisions before the critics run. Retrieval
// failures degrade to an empty precedent set.
func (e *Engine) prefetch(ctx context.Context, pl *pipeline, snapshot *contracts.InputSnapshot, requestID string) []contracts.PrecedentRef {
	limit := pl.cfg.Precedent.Limit
	if limit <= 0 {
		limit = 5
	}
	ranked, err := e.precedents.SearchSimilar(ctx, snapshot, precedent.SearchOptions{
		Limit:         limit,
		MinSimilarity: pl.cfg.Precedent.MinSimilarity,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "precedent retrieval failed",
			"request_id", requestID, "error", err)
		e.obs.RecordError(ctx, err, attribute.String("error.kind", string(contracts.ErrPrecedentStore)))
		return nil
	}
	refs := make([]contracts.PrecedentRef, 0, len(ranked))
	for _, r := range ranked {
		refs = append(refs, contracts.PrecedentRef{
			PrecedentID:     r.Record.PrecedentID,
			SimilarityScore: r.Similarity,
			InfluenceWeight: r.Scores.Final,
		})
	}
	return refs
}

// synthesize fills the templated rationale from aggregation output. Nothing
// here is generated text; it restates the tallies.
func synthesize(agg contracts.Aggregation, outputs []*contracts.CriticOutput) *contracts.JustificationSynthesis {
	var supporting []string
	agreeing := 0
	dissent := map[contracts.Verdict][]string{}
	for _, o := range outputs {
		if !o.IsSuccessful() {
			continue
		}
		if o.Verdict == agg.OverallVerdict {
			agreeing++
			if o.Justification != "" {
				supporting = append(supporting, o.Critic+": "+o.Justification)
			}
			continue
		}
		dissent[o.Verdict] = append(dissent[o.Verdict], o.Critic)
	}

	var conflicts []contracts.ConflictingEvidence
	verdicts := make([]contracts.Verdict, 0, len(dissent))
	for v := range dissent {
		verdicts = append(verdicts, v)
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i] < verdicts[j] })
	for _, v := range verdicts {
		conflicts = append(conflicts, contracts.ConflictingEvidence{
			Critics:     dissent[v],
			Description: fmt.Sprintf("voted %s against the aggregate %s", v, agg.OverallVerdict),
		})
	}

	return &contracts.JustificationSynthesis{
		Summary: fmt.Sprintf("%s carried by %d of %d successful critics (consensus %s, mean confidence %.2f)",
			agg.OverallVerdict, agreeing, agg.SuccessfulCount, agg.ConsensusLevel, agg.AvgConfidence),
		SupportingEvidence:  supporting,
		ConflictingEvidence: conflicts,
		ConfidenceAssessment: contracts.ConfidenceAssessment{
			Average:        agg.AvgConfidence,
			Variance:       agg.ConfidenceVariance,
			ConsensusLevel: agg.ConsensusLevel,
		},
	}
}

// auditDecision appends the decision event. Decision events keep flowing on
// audit failure; override events are where a write failure is fatal.
func (e *Engine) auditDecision(ctx context.Context, d *contracts.Decision, fb *fallback.Result) {
	payload := map[string]any{
		"decision_id":     d.DecisionID,
		"bundle_id":       d.Bundle.BundleID,
		"verdict":         string(d.Verdict()),
		"avg_confidence":  d.Aggregation.AvgConfidence,
		"consensus_level": string(d.Aggregation.ConsensusLevel),
		"escalated":       d.Escalated,
		"context_hash":    d.Bundle.InputSnapshot.ContextHash,
		"critic_count":    len(d.Bundle.CriticOutputs),
		"is_fallback":     fb.Triggered,
	}
	if fb.Triggered {
		payload["fallback_type"] = string(fb.Type)
	}
	_, err := e.audit.WriteSigned(ctx, audit.Event{
		EventID:   d.DecisionID,
		RequestID: d.RequestID(),
		Type:      audit.EventDecision,
		Timestamp: e.now().UTC(),
		Actor:     "engine",
		Payload:   payload,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "audit write failed for decision",
			"decision_id", d.DecisionID, "error", err)
		e.obs.RecordError(ctx, err, attribute.String("error.kind", string(contracts.ErrAuditWrite)))
	}
}

func (e *Engine) auditFallback(ctx context.Context, requestID string, fb *fallback.Result) {
	payload, err := fb.Bundle.ToMap()
	if err != nil {
		e.logger.ErrorContext(ctx, "fallback bundle not serializable",
			"request_id", requestID, "error", err)
		return
	}
	if _, err := e.audit.WriteSigned(ctx, audit.Event{
		EventID:   fb.Bundle.BundleID,
		RequestID: requestID,
		Type:      audit.EventFallback,
		Timestamp: e.now().UTC(),
		Actor:     "engine",
		Payload:   payload,
	}); err != nil {
		e.logger.ErrorContext(ctx, "audit write failed for fallback",
			"request_id", requestID, "error", err)
		e.obs.RecordError(ctx, err, attribute.String("error.kind", string(contracts.ErrAuditWrite)))
	}
}

func (e *Engine) auditRightsViolation(ctx context.Context, requestID string, pe *contracts.PipelineError) {
	payload := map[string]any{"right": pe.Right}
	if pe.Evidence != nil {
		payload["critic"] = pe.Evidence.Critic
		payload["justification"] = pe.Evidence.Justification
	}
	if _, err := e.audit.WriteSigned(ctx, audit.Event{
		EventID:   requestID,
		RequestID: requestID,
		Type:      audit.EventRightsViolation,
		Timestamp: e.now().UTC(),
		Actor:     "engine",
		Payload:   payload,
	}); err != nil {
		e.logger.ErrorContext(ctx, "audit write failed for rights violation",
			"request_id", requestID, "error", err)
	}
}

// archiveBundle writes the serialized bundle to long-term storage. Archival
// is best-effort; a failed write never blocks the decision.
func (e *Engine) archiveBundle(ctx context.Context, d *contracts.Decision) {
	data, err := json.Marshal(d.Bundle)
	if err != nil {
		e.logger.WarnContext(ctx, "bundle not archivable",
			"decision_id", d.DecisionID, "error", err)
		return
	}
	hash, err := e.archive.Put(ctx, data)
	if err != nil {
		e.logger.WarnContext(ctx, "bundle archive failed",
			"decision_id", d.DecisionID, "error", err)
		return
	}
	e.logger.DebugContext(ctx, "bundle archived",
		"decision_id", d.DecisionID, "hash", hash)
}
