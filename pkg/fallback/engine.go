// Package fallback detects unsafe pipeline states and synthesizes safe
// decisions under a configured strategy. Detection rules are ordered and
// first-match-wins; every triggered fallback carries an audit bundle.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
)

// Input is the pipeline state the detector inspects.
type Input struct {
	Outputs          []*contracts.CriticOutput
	Aggregation      *contracts.Aggregation
	ElapsedMS        float64
	ValidationErrors []contracts.ValidationError

	// SystemState carries request-scoped identifiers; the engine fills the
	// computed counters itself.
	SystemState contracts.SystemState
}

// Result reports whether a fallback fired and, when it did, the synthesized
// decision and its audit bundle. The bundle is always built; AuditDisabled
// only tells callers the operator opted out of persisting it.
type Result struct {
	Triggered     bool
	Type          contracts.FallbackType
	Reason        string
	Decision      *contracts.FallbackDecision
	Bundle        *contracts.FallbackEvidenceBundle
	AuditDisabled bool
}

// Engine evaluates the ordered trigger rules and synthesizes fallback
// decisions. It is stateless and safe for concurrent use.
type Engine struct {
	cfg    config.FallbackConfig
	logger *slog.Logger
}

// New builds a fallback engine for the given configuration.
func New(cfg config.FallbackConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: slog.Default().With("component", "fallback"),
	}
}

// Evaluate runs trigger detection and, when a rule fires, synthesizes the
// fallback decision plus audit bundle. Evaluate never raises for strategy
// failures: a panicking strategy falls through to fail-safe.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Errorf(contracts.ErrRequestCancelled, "fallback evaluation cancelled: %w", err)
	}

	triggered, ftype, reason := e.detect(in)
	if !triggered {
		return &Result{Triggered: false}, nil
	}
	e.logger.Warn("fallback triggered", "type", ftype, "reason", reason)

	start := time.Now()
	decision, warnings := e.synthesize(ftype, reason, in)
	decision.DecisionTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	if decision.DecisionTimeMS < 0 {
		decision.DecisionTimeMS = 0
	}

	bundle := e.buildBundle(ftype, decision, warnings, in)
	return &Result{
		Triggered:     true,
		Type:          ftype,
		Reason:        reason,
		Decision:      decision,
		Bundle:        bundle,
		AuditDisabled: !e.cfg.EnableAuditBundles,
	}, nil
}

// detect walks the rules in order; the first match wins.
//
// Timeout and error shares are counted separately: a timed-out critic is
// not evidence of a broken critic population, so the error-rate rules (7
// and 8) only count non-timeout errors. The timeout-majority rule (5) is
// strict so an exactly-half timeout split still produces a normal decision
// from the surviving half.
func (e *Engine) detect(in Input) (bool, contracts.FallbackType, string) {
	total := len(in.Outputs)

	// 1. Nothing came back at all.
	if total == 0 {
		return true, contracts.FallbackAllCriticsFailed, "no critic outputs were produced"
	}

	// 2. Global wall-clock budget exceeded.
	if e.cfg.TimeoutThresholdMS > 0 && in.ElapsedMS > e.cfg.TimeoutThresholdMS {
		return true, contracts.FallbackTimeoutExceeded,
			fmt.Sprintf("elapsed %.0fms exceeded threshold %.0fms", in.ElapsedMS, e.cfg.TimeoutThresholdMS)
	}

	// 3. Normalization found blocking schema problems.
	for _, ve := range in.ValidationErrors {
		if ve.Severity == contracts.SeverityError {
			return true, contracts.FallbackSchemaValidationFailed,
				fmt.Sprintf("blocking validation error on %s: %s", ve.Field, ve.Error)
		}
	}

	timeouts, plainErrors, successful := 0, 0, 0
	for _, o := range in.Outputs {
		switch {
		case o.Verdict != contracts.VerdictError:
			if o.IsSuccessful() {
				successful++
			}
		case o.ErrorType == contracts.ErrorTypeTimeout:
			timeouts++
		default:
			plainErrors++
		}
	}
	errored := timeouts + plainErrors

	// 4. Every critic timed out.
	if timeouts == total {
		return true, contracts.FallbackTimeoutExceeded, "all critics timed out"
	}

	// 5. Timeouts hold a strict majority.
	if float64(timeouts)/float64(total) > 0.5 {
		return true, contracts.FallbackTimeoutExceeded,
			fmt.Sprintf("%d of %d critics timed out", timeouts, total)
	}

	// 6. Every critic errored one way or another.
	if errored == total {
		return true, contracts.FallbackAllCriticsFailed, "all critics failed"
	}

	// 7. Half or more of the critics raised non-timeout errors.
	if float64(plainErrors)/float64(total) >= 0.5 {
		return true, contracts.FallbackMajorityCriticsFailed,
			fmt.Sprintf("%d of %d critics failed", plainErrors, total)
	}

	// 8. Error rate above the configured ceiling.
	if threshold := e.cfg.ErrorRateThreshold; threshold > 0 {
		if rate := float64(plainErrors) / float64(total); rate >= threshold {
			return true, contracts.FallbackHighErrorRate,
				fmt.Sprintf("error rate %.2f at or above threshold %.2f", rate, threshold)
		}
	}

	// 9. A critic on the critical list failed.
	critical := e.cfg.CriticalSet()
	for _, o := range in.Outputs {
		if o.Verdict == contracts.VerdictError && critical[o.Critic] {
			return true, contracts.FallbackCriticalCriticFailed,
				fmt.Sprintf("critical critic %q failed", o.Critic)
		}
	}

	// 10. Too few successful critics to trust the aggregate.
	if successful < e.cfg.MinSuccessfulCritics {
		return true, contracts.FallbackMajorityCriticsFailed,
			fmt.Sprintf("only %d successful critics, need %d", successful, e.cfg.MinSuccessfulCritics)
	}

	// 11. Aggregate confidence below the floor.
	if in.Aggregation != nil {
		floor := e.cfg.ConfidenceFloor
		if floor <= 0 {
			floor = 0.3
		}
		if in.Aggregation.AvgConfidence < floor {
			return true, contracts.FallbackInsufficientConfidence,
				fmt.Sprintf("average confidence %.2f below floor %.2f", in.Aggregation.AvgConfidence, floor)
		}
	}

	return false, "", ""
}
