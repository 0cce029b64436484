// Package override applies validated human overrides to decisions and
// records each application as a signed audit event. Overrides never erase
// pipeline output: the decision keeps its pre-override verdict inside the
// override block, and the audit log keeps every event even when a later
// override supersedes the block.
package override

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleanor-project/eje/pkg/audit"
	"github.com/eleanor-project/eje/pkg/contracts"
)

// Pipeline validates, applies, and logs overrides. Per-decision locking
// serializes racing overrides so the second observes the post-first state.
type Pipeline struct {
	log    audit.Log
	locker Locker
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLocker replaces the in-process keyed mutex, typically with the
// Redis-backed lock in multi-instance deployments.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.locker = l
		}
	}
}

// WithClock pins the pipeline's notion of now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a pipeline writing events to log.
func New(log audit.Log, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:    log,
		locker: NewKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "override"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Validate checks an override request against its target decision. Request
// field validity (roles, justification, priority) is the constructor's
// job; this layer checks the request against the decision's current state.
func (p *Pipeline) Validate(decision *contracts.Decision, req *contracts.OverrideRequest) error {
	if decision == nil {
		return contracts.NewError(contracts.ErrOverrideValidation, "override target decision is nil")
	}
	if req == nil {
		return contracts.NewError(contracts.ErrOverrideValidation, "override request is nil").WithDecision(decision.DecisionID)
	}
	if req.Expired(p.now()) {
		return contracts.Errorf(contracts.ErrOverrideValidation,
			"override request %s expired at %s", req.RequestID, req.ExpiresAt.UTC().Format(time.RFC3339)).
			WithDecision(decision.DecisionID)
	}
	if req.DecisionID != decision.DecisionID {
		return contracts.Errorf(contracts.ErrOverrideValidation,
			"override request targets decision %s, not %s", req.DecisionID, decision.DecisionID).
			WithDecision(decision.DecisionID)
	}
	if req.OriginalOutcome != "" && req.OriginalOutcome != decision.Verdict() {
		return contracts.Errorf(contracts.ErrOverrideValidation,
			"original_outcome %s does not match current verdict %s", req.OriginalOutcome, decision.Verdict()).
			WithDecision(decision.DecisionID)
	}
	return nil
}

// ApplyOptions controls how Apply mutates the decision.
type ApplyOptions struct {
	// PreserveOriginal applies the override to a deep copy, leaving the
	// input decision untouched.
	PreserveOriginal bool
}

// Apply replaces the decision's verdict with the requested outcome and
// installs the override block. The per-decision lock is held for the
// duration of the mutation.
func (p *Pipeline) Apply(ctx context.Context, decision *contracts.Decision, req *contracts.OverrideRequest, opts ApplyOptions) (*contracts.Decision, error) {
	unlock, err := p.lock(ctx, decision)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := p.Validate(decision, req); err != nil {
		return nil, err
	}
	return p.applyLocked(decision, req, opts), nil
}

// ApplyAndLog validates, applies, and records one override while holding
// the per-decision lock, so validation, mutation, and the audit event are
// a single serialized step.
func (p *Pipeline) ApplyAndLog(ctx context.Context, decision *contracts.Decision, req *contracts.OverrideRequest, opts ApplyOptions) (*contracts.Decision, *Event, error) {
	unlock, err := p.lock(ctx, decision)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if err := p.Validate(decision, req); err != nil {
		return nil, nil, err
	}
	applied := p.applyLocked(decision, req, opts)
	ev, _, err := p.LogEvent(ctx, applied, req)
	if err != nil {
		return nil, nil, err
	}
	return applied, ev, nil
}

func (p *Pipeline) lock(ctx context.Context, decision *contracts.Decision) (func(), error) {
	if decision == nil {
		return nil, contracts.NewError(contracts.ErrOverrideValidation, "override target decision is nil")
	}
	unlock, err := p.locker.Lock(ctx, decision.DecisionID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, contracts.Errorf(contracts.ErrRequestCancelled, "override lock: %w", err).WithDecision(decision.DecisionID)
		}
		return nil, fmt.Errorf("acquire decision lock %s: %w", decision.DecisionID, err)
	}
	return unlock, nil
}

func (p *Pipeline) applyLocked(decision *contracts.Decision, req *contracts.OverrideRequest, opts ApplyOptions) *contracts.Decision {
	target := decision
	if opts.PreserveOriginal {
		target = decision.Clone()
	}
	pre := target.GovernanceOutcome.Verdict

	target.GovernanceOutcome.Verdict = req.ProposedOutcome
	target.GovernanceOutcome.HumanModified = true
	target.GovernanceOutcome.Override = &contracts.OverrideBlock{
		OverrideID:          req.RequestID,
		Timestamp:           p.now(),
		OverrideBy:          req.Reviewer,
		Justification:       req.Justification,
		ReasonCategory:      req.ReasonCategory,
		OriginalOutcome:     pre,
		ProposedOutcome:     req.ProposedOutcome,
		IsUrgent:            req.IsUrgent,
		Priority:            req.Priority,
		SupportingDocuments: append([]string(nil), req.SupportingDocuments...),
		StakeholderInput:    contracts.CopyMap(req.StakeholderInput),
	}

	// Overriding to ESCALATE raises the flag; overriding away from
	// ESCALATE resolves the routing, but the record that an escalation
	// happened persists.
	if req.ProposedOutcome == contracts.VerdictEscalate || pre == contracts.VerdictEscalate {
		target.Escalated = true
	}

	p.logger.Info("override applied",
		"decision_id", target.DecisionID,
		"override_id", req.RequestID,
		"from", pre,
		"to", req.ProposedOutcome,
		"reviewer", req.Reviewer.ReviewerID,
	)
	return target
}

// OutcomeChange captures the verdict transition an override produced.
type OutcomeChange struct {
	Original contracts.Verdict `json:"original"`
	Proposed contracts.Verdict `json:"proposed"`
	Current  contracts.Verdict `json:"current"`
}

// DecisionSnapshot summarizes the decision at event time without embedding
// the whole bundle in the audit payload.
type DecisionSnapshot struct {
	AggregationVerdict contracts.Verdict `json:"aggregation_verdict"`
	CriticCount        int               `json:"critic_count"`
	PrecedentCount     int               `json:"precedent_count"`
}

// Event is the audit payload recorded for one applied override. Its event
// id is the override request id, so retried submissions land on the same
// chain entry.
type Event struct {
	EventType        string             `json:"event_type"`
	EventID          string             `json:"event_id"`
	DecisionID       string             `json:"decision_id"`
	RequestTimestamp time.Time          `json:"request_timestamp"`
	AppliedTimestamp time.Time          `json:"applied_timestamp"`
	Reviewer         contracts.Reviewer `json:"reviewer"`
	Justification    string             `json:"justification"`
	ReasonCategory   string             `json:"reason_category,omitempty"`
	OutcomeChange    OutcomeChange      `json:"outcome_change"`
	EscalationStatus bool               `json:"escalation_status"`
	DecisionSnapshot DecisionSnapshot   `json:"decision_snapshot"`
}

// LogEvent records the applied override in the audit log. Writing the same
// request id twice returns the original receipt without a second entry.
func (p *Pipeline) LogEvent(ctx context.Context, decision *contracts.Decision, req *contracts.OverrideRequest) (*Event, *audit.Receipt, error) {
	if p.log == nil {
		return nil, nil, contracts.NewError(contracts.ErrConfiguration, "override pipeline has no audit log")
	}
	if decision == nil || req == nil {
		return nil, nil, contracts.NewError(contracts.ErrOverrideValidation, "override event needs a decision and a request")
	}

	// Read transition facts from the installed block when this request
	// produced it; a later override may already have replaced the block.
	original := req.OriginalOutcome
	applied := p.now()
	if ob := decision.GovernanceOutcome.Override; ob != nil && ob.OverrideID == req.RequestID {
		original = ob.OriginalOutcome
		applied = ob.Timestamp
	}

	criticCount := 0
	if decision.Bundle != nil {
		criticCount = len(decision.Bundle.CriticOutputs)
	}

	ev := &Event{
		EventType:        string(audit.EventOverrideApplied),
		EventID:          req.RequestID,
		DecisionID:       decision.DecisionID,
		RequestTimestamp: req.Timestamp,
		AppliedTimestamp: applied,
		Reviewer:         req.Reviewer,
		Justification:    req.Justification,
		ReasonCategory:   req.ReasonCategory,
		OutcomeChange: OutcomeChange{
			Original: original,
			Proposed: req.ProposedOutcome,
			Current:  decision.Verdict(),
		},
		EscalationStatus: decision.Escalated,
		DecisionSnapshot: DecisionSnapshot{
			AggregationVerdict: decision.Aggregation.OverallVerdict,
			CriticCount:        criticCount,
			PrecedentCount:     len(decision.Precedents),
		},
	}

	payload, err := ev.payload()
	if err != nil {
		return nil, nil, err
	}
	receipt, err := p.log.WriteSigned(ctx, audit.Event{
		EventID:   req.RequestID,
		RequestID: decision.RequestID(),
		Type:      audit.EventOverrideApplied,
		Timestamp: ev.AppliedTimestamp,
		Actor:     req.Reviewer.ReviewerID,
		Payload:   payload,
	})
	if err != nil {
		return nil, nil, err
	}
	return ev, receipt, nil
}

func (e *Event) payload() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrAuditWrite, "encode override event %s: %w", e.EventID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, contracts.Errorf(contracts.ErrAuditWrite, "encode override event %s: %w", e.EventID, err)
	}
	return m, nil
}

// BatchOptions controls ApplyBatch iteration.
type BatchOptions struct {
	PreserveOriginal bool
	// ContinueOnError keeps iterating after a failed request instead of
	// stopping at the first failure.
	ContinueOnError bool
}

// BatchResult collects per-request outcomes of a batch application.
type BatchResult struct {
	// Applied maps request id to the post-override decision.
	Applied map[string]*contracts.Decision
	// Errors maps request id to its failure.
	Errors    map[string]error
	Succeeded int
	Failed    int
}

// ApplyBatch applies a set of override requests against their decisions,
// looked up by decision id. Each request is applied and logged under its
// decision's lock. The returned error is non-nil only when iteration
// stopped early (ContinueOnError false).
func (p *Pipeline) ApplyBatch(ctx context.Context, decisions map[string]*contracts.Decision, requests []*contracts.OverrideRequest, opts BatchOptions) (*BatchResult, error) {
	res := &BatchResult{
		Applied: make(map[string]*contracts.Decision),
		Errors:  make(map[string]error),
	}
	applyOpts := ApplyOptions{PreserveOriginal: opts.PreserveOriginal}

	for _, req := range requests {
		if req == nil {
			continue
		}
		decision, ok := decisions[req.DecisionID]
		var applied *contracts.Decision
		var err error
		if !ok {
			err = contracts.Errorf(contracts.ErrOverrideValidation, "batch has no decision %s", req.DecisionID)
		} else {
			applied, _, err = p.ApplyAndLog(ctx, decision, req, applyOpts)
		}
		if err != nil {
			res.Errors[req.RequestID] = err
			res.Failed++
			if !opts.ContinueOnError {
				return res, err
			}
			continue
		}
		res.Applied[req.RequestID] = applied
		res.Succeeded++
	}
	return res, nil
}
