package fallback

import (
	"time"

	"github.com/google/uuid"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// buildBundle assembles the audit record for a triggered fallback. It is
// built unconditionally; enable_audit_bundles only controls persistence.
func (e *Engine) buildBundle(ftype contracts.FallbackType, decision *contracts.FallbackDecision, warnings []string, in Input) *contracts.FallbackEvidenceBundle {
	var (
		failed     []contracts.FailedCritic
		successful []*contracts.CriticOutput
		active     []string
		retried    bool
		recovered  bool
	)
	for _, o := range in.Outputs {
		active = append(active, o.Critic)
		if o.AttemptedRetries > 0 {
			retried = true
			if o.IsSuccessful() {
				recovered = true
			}
		}
		if o.Verdict == contracts.VerdictError {
			failed = append(failed, failedCritic(o))
			continue
		}
		if o.IsSuccessful() {
			successful = append(successful, o.Clone())
		}
	}

	state := in.SystemState
	state.TotalExpected = len(in.Outputs)
	state.Attempted = len(in.Outputs)
	state.Succeeded = len(successful)
	state.Failed = len(failed)
	state.ElapsedMS = in.ElapsedMS
	state.TimeoutThresholdMS = e.cfg.TimeoutThresholdMS
	state.ActiveCritics = active

	var errs []string
	for _, ve := range in.ValidationErrors {
		switch ve.Severity {
		case contracts.SeverityError:
			errs = append(errs, ve.Field+": "+ve.Error)
		case contracts.SeverityWarning:
			warnings = append(warnings, ve.Field+": "+ve.Error)
		}
	}

	return &contracts.FallbackEvidenceBundle{
		BundleID:             uuid.New().String(),
		Timestamp:            time.Now().UTC(),
		FallbackType:         ftype,
		FailedCritics:        failed,
		SystemStateAtTrigger: state,
		Decision:             *decision,
		SuccessfulOutputs:    successful,
		Warnings:             warnings,
		Errors:               errs,
		RecoveryAttempted:    retried,
		RecoverySuccessful:   recovered,
	}
}

func failedCritic(o *contracts.CriticOutput) contracts.FailedCritic {
	reason := o.ErrorMessage
	if reason == "" {
		reason = o.Justification
	}
	stack := ""
	if o.Context != nil {
		stack, _ = o.Context["stack_trace"].(string)
	}
	return contracts.FailedCritic{
		Name:             o.Critic,
		FailureReason:    reason,
		ErrorType:        o.ErrorType,
		ErrorMessage:     o.ErrorMessage,
		StackTrace:       stack,
		AttemptedRetries: o.AttemptedRetries,
	}
}
