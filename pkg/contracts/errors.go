package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable machine-readable classification surfaced to
// callers. Kinds are part of the wire contract and never renamed.
type ErrorKind string

const (
	ErrConfiguration      ErrorKind = "configuration"
	ErrMissingInput       ErrorKind = "missing_input"
	ErrInputConflict      ErrorKind = "input_conflict"
	ErrPluginSecurity     ErrorKind = "plugin_security"
	ErrPluginLoad         ErrorKind = "plugin_load"
	ErrRightsViolation    ErrorKind = "rights_violation"
	ErrFallbackValidation ErrorKind = "fallback_validation"
	ErrOverrideValidation ErrorKind = "override_validation"
	ErrAuditWrite         ErrorKind = "audit_write"
	ErrPrecedentStore     ErrorKind = "precedent_store"
	ErrRequestCancelled   ErrorKind = "request_cancelled"
)

// PipelineError is the error shape every surfaced failure takes: a stable
// kind, a human message, and the originating request or decision id.
// Per-critic failures are never raised this way; they stay inside
// CriticOutput as ERROR records.
type PipelineError struct {
	Kind       ErrorKind
	Message    string
	RequestID  string
	DecisionID string

	// Right is set for rights_violation errors only.
	Right string

	// Evidence optionally carries the critic output that triggered a
	// rights violation.
	Evidence *CriticOutput

	Err error
}

func (e *PipelineError) Error() string {
	id := e.RequestID
	if id == "" {
		id = e.DecisionID
	}
	switch {
	case id != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (id=%s): %v", e.Kind, e.Message, id, e.Err)
	case id != "":
		return fmt.Sprintf("%s: %s (id=%s)", e.Kind, e.Message, id)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError builds a PipelineError of the given kind.
func NewError(kind ErrorKind, msg string) *PipelineError {
	return &PipelineError{Kind: kind, Message: msg}
}

// Errorf builds a PipelineError with a formatted message. A trailing %w
// verb wraps the cause as usual.
func Errorf(kind ErrorKind, format string, args ...any) *PipelineError {
	wrapped := fmt.Errorf(format, args...)
	return &PipelineError{Kind: kind, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// WithRequest attaches the originating request id.
func (e *PipelineError) WithRequest(requestID string) *PipelineError {
	e.RequestID = requestID
	return e
}

// WithDecision attaches the originating decision id.
func (e *PipelineError) WithDecision(decisionID string) *PipelineError {
	e.DecisionID = decisionID
	return e
}

// NewRightsViolation builds the hard-right failure that terminates a
// request without a verdict.
func NewRightsViolation(right, requestID string, evidence *CriticOutput) *PipelineError {
	return &PipelineError{
		Kind:      ErrRightsViolation,
		Message:   fmt.Sprintf("hard right %q violated", right),
		RequestID: requestID,
		Right:     right,
		Evidence:  evidence,
	}
}

// IsKind reports whether err is (or wraps) a PipelineError of the given
// kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err when it is a PipelineError, or "" when it
// is not.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
