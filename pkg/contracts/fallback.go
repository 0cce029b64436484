package contracts

import (
	"fmt"
	"time"
)

// FallbackType names the unsafe pipeline state that triggered a fallback.
type FallbackType string

const (
	FallbackAllCriticsFailed       FallbackType = "all_critics_failed"
	FallbackMajorityCriticsFailed  FallbackType = "majority_critics_failed"
	FallbackCriticalCriticFailed   FallbackType = "critical_critic_failed"
	FallbackTimeoutExceeded        FallbackType = "timeout_exceeded"
	FallbackSchemaValidationFailed FallbackType = "schema_validation_failed"
	FallbackInsufficientConfidence FallbackType = "insufficient_confidence"
	FallbackHighErrorRate          FallbackType = "high_error_rate"
	FallbackManualOverride         FallbackType = "manual_override"
	FallbackSystemError            FallbackType = "system_error"
)

// FallbackStrategy selects how a fallback verdict is synthesized.
type FallbackStrategy string

const (
	StrategyConservative FallbackStrategy = "conservative"
	StrategyPermissive   FallbackStrategy = "permissive"
	StrategyEscalate     FallbackStrategy = "escalate"
	StrategyFailSafe     FallbackStrategy = "fail_safe"
	StrategyMajority     FallbackStrategy = "majority"
)

// FailedCritic details one critic failure inside a fallback bundle.
type FailedCritic struct {
	Name             string `json:"name"`
	FailureReason    string `json:"failure_reason"`
	ErrorType        string `json:"error_type,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	StackTrace       string `json:"stack_trace,omitempty"`
	AttemptedRetries int    `json:"attempted_retries"`
}

// SystemState snapshots the pipeline at the moment a trigger fired.
type SystemState struct {
	TotalExpected      int            `json:"total_expected"`
	Attempted          int            `json:"attempted"`
	Succeeded          int            `json:"succeeded"`
	Failed             int            `json:"failed"`
	ElapsedMS          float64        `json:"elapsed_ms"`
	TimeoutThresholdMS float64        `json:"timeout_threshold_ms,omitempty"`
	ActiveCritics      []string       `json:"active_critics,omitempty"`
	RequestID          string         `json:"request_id,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	Environment        Environment    `json:"environment,omitempty"`
	SystemVersion      string         `json:"system_version,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// FallbackDecision is the synthesized safe verdict.
type FallbackDecision struct {
	Verdict             Verdict          `json:"verdict"`
	Confidence          float64          `json:"confidence"`
	StrategyUsed        FallbackStrategy `json:"strategy_used"`
	Reason              string           `json:"reason"`
	IsSafeDefault       bool             `json:"is_safe_default"`
	RequiresHumanReview bool             `json:"requires_human_review"`
	AlternativeVerdicts []Verdict        `json:"alternative_verdicts,omitempty"`
	DecisionTimeMS      float64          `json:"decision_time_ms"`
}

// FallbackEvidenceBundle is the audit record built on every triggered
// fallback, embedded in the decision's bundle metadata.
type FallbackEvidenceBundle struct {
	BundleID             string           `json:"bundle_id"`
	Timestamp            time.Time        `json:"timestamp"`
	FallbackType         FallbackType     `json:"fallback_type"`
	FailedCritics        []FailedCritic   `json:"failed_critics,omitempty"`
	SystemStateAtTrigger SystemState      `json:"system_state_at_trigger"`
	Decision             FallbackDecision `json:"fallback_decision"`
	SuccessfulOutputs    []*CriticOutput  `json:"successful_critic_outputs,omitempty"`
	Warnings             []string         `json:"warnings,omitempty"`
	Errors               []string         `json:"errors,omitempty"`
	RecoveryAttempted    bool             `json:"recovery_attempted"`
	RecoverySuccessful   bool             `json:"recovery_successful"`
	Metadata             map[string]any   `json:"metadata,omitempty"`
}

// ToMap serializes the fallback bundle to its JSON object form.
func (f *FallbackEvidenceBundle) ToMap() (map[string]any, error) {
	return toMap(f)
}

// FallbackEvidenceBundleFromMap rebuilds a fallback bundle from its ToMap
// form.
func FallbackEvidenceBundleFromMap(m map[string]any) (*FallbackEvidenceBundle, error) {
	var f FallbackEvidenceBundle
	if err := fromMap(m, &f); err != nil {
		return nil, fmt.Errorf("decode fallback bundle: %w", err)
	}
	return &f, nil
}
