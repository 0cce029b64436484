// Package normalize converts raw per-critic outputs plus an input context
// into a validated evidence bundle. It is the single entry point through
// which anything becomes pipeline-visible evidence: outputs that fail
// validation are dropped with a recorded finding, never silently.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/eleanor-project/eje/pkg/canonicalize"
	"github.com/eleanor-project/eje/pkg/contracts"
	"github.com/eleanor-project/eje/pkg/version"
)

// rawOutputSchema validates plugin-shaped critic outputs before binding.
// Only the fields whose absence makes an output meaningless are required;
// everything else is defaulted during binding.
const rawOutputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["critic", "verdict", "confidence"],
  "properties": {
    "critic": {"type": "string", "minLength": 1},
    "verdict": {"type": "string", "enum": ["ALLOW", "DENY", "REVIEW", "ESCALATE", "ERROR", "ABSTAIN"]},
    "confidence": {"type": "number"},
    "justification": {"type": "string"},
    "weight": {"type": "number", "minimum": 0},
    "priority": {"type": "string", "enum": ["", "override", "veto"]},
    "error_type": {"type": "string"},
    "config_version": {"type": "string"}
  }
}`

const schemaURL = "https://eleanor-project.org/eje/critic_output.schema.json"

// Request carries everything the normalizer folds into a bundle. Outputs
// may arrive typed (from the runner) or raw (from external plugins); both
// paths validate identically.
type Request struct {
	InputText string
	Context   map[string]any

	Source string
	Domain string
	Tags   []string

	Environment   contracts.Environment
	CorrelationID string

	Outputs    []*contracts.CriticOutput
	RawOutputs []map[string]any

	PrecedentRefs  []contracts.PrecedentRef
	ProcessingTime time.Duration

	// ContextHash is computed from InputText and Context when empty.
	ContextHash string

	IsTest bool
}

// Normalizer builds evidence bundles. Safe for concurrent use.
type Normalizer struct {
	schema *jsonschema.Schema
	logger *slog.Logger
}

// New compiles the output schema once and returns a reusable normalizer.
func New() (*Normalizer, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(rawOutputSchema)); err != nil {
		return nil, fmt.Errorf("normalize: add schema resource: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("normalize: compile schema: %w", err)
	}
	return &Normalizer{
		schema: compiled,
		logger: slog.Default().With("component", "normalize"),
	}, nil
}

// Normalize validates the request and assembles an evidence bundle.
//
// Individual outputs missing required fields are dropped with a
// severity=error finding; normalization only fails when no text was given,
// no outputs were given, the text conflicts with context["text"], or zero
// outputs survive validation.
func (n *Normalizer) Normalize(ctx context.Context, req Request) (*contracts.EvidenceBundle, error) {
	if strings.TrimSpace(req.InputText) == "" {
		return nil, contracts.NewError(contracts.ErrMissingInput, "input text is empty").WithRequest(req.CorrelationID)
	}
	if len(req.Outputs) == 0 && len(req.RawOutputs) == 0 {
		return nil, contracts.NewError(contracts.ErrMissingInput, "no critic outputs provided").WithRequest(req.CorrelationID)
	}
	if nested, ok := req.Context["text"].(string); ok && nested != req.InputText {
		return nil, contracts.Errorf(contracts.ErrInputConflict,
			"input text disagrees with context[\"text\"]").WithRequest(req.CorrelationID)
	}

	contextHash := req.ContextHash
	if contextHash == "" {
		h, err := canonicalize.ContextHash(req.InputText, req.Context)
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrMissingInput, "context hash: %w", err).WithRequest(req.CorrelationID)
		}
		contextHash = h
	}

	var findings []contracts.ValidationError
	surviving := make([]*contracts.CriticOutput, 0, len(req.Outputs)+len(req.RawOutputs))

	for i, out := range req.Outputs {
		kept := n.admit(out, fmt.Sprintf("critic_outputs[%d]", i), &findings)
		if kept != nil {
			surviving = append(surviving, kept)
		}
	}
	for i, raw := range req.RawOutputs {
		field := fmt.Sprintf("raw_outputs[%d]", i)
		out, err := n.bindRaw(raw)
		if err != nil {
			findings = append(findings, contracts.ValidationError{
				Field:    field,
				Error:    err.Error(),
				Severity: contracts.SeverityError,
			})
			continue
		}
		kept := n.admit(out, field, &findings)
		if kept != nil {
			surviving = append(surviving, kept)
		}
	}

	if len(surviving) == 0 {
		return nil, contracts.Errorf(contracts.ErrMissingInput,
			"no critic outputs survived validation (%d dropped)", len(findings)).WithRequest(req.CorrelationID)
	}

	// Bundle outputs are ordered by completion when the runner recorded
	// ranks; otherwise input order is kept.
	sort.SliceStable(surviving, func(a, b int) bool {
		return surviving[a].CompletionRank < surviving[b].CompletionRank
	})

	requiresReview := false
	configVersions := map[string]string{}
	for _, out := range surviving {
		if out.Verdict == contracts.VerdictReview || out.Verdict == contracts.VerdictError {
			requiresReview = true
		}
		if out.ConfigVersion != "" {
			configVersions[out.Critic] = out.ConfigVersion
		}
	}
	if len(configVersions) == 0 {
		configVersions = nil
	}

	env := req.Environment
	if env == "" {
		env = contracts.EnvDevelopment
	}

	bundle := &contracts.EvidenceBundle{
		BundleID:  uuid.NewString(),
		Version:   contracts.BundleVersion,
		Timestamp: time.Now().UTC(),
		InputSnapshot: contracts.InputSnapshot{
			Text:        req.InputText,
			Context:     contracts.CopyMap(req.Context),
			Source:      req.Source,
			Domain:      req.Domain,
			Tags:        append([]string(nil), req.Tags...),
			ContextHash: contextHash,
			Timestamp:   time.Now().UTC(),
		},
		CriticOutputs: surviving,
		Metadata: contracts.BundleMetadata{
			SystemVersion:        version.Version,
			Environment:          env,
			CorrelationID:        req.CorrelationID,
			ProcessingTimeMS:     float64(req.ProcessingTime.Microseconds()) / 1000.0,
			CriticConfigVersions: configVersions,
			PrecedentRefs:        append([]contracts.PrecedentRef(nil), req.PrecedentRefs...),
			Flags: contracts.BundleFlags{
				RequiresHumanReview: requiresReview,
				IsTest:              req.IsTest,
			},
		},
		ValidationErrors: findings,
	}

	if len(findings) > 0 {
		n.logger.WarnContext(ctx, "outputs dropped during normalization",
			"correlation_id", req.CorrelationID,
			"dropped", len(findings),
			"survived", len(surviving),
		)
	}
	return bundle, nil
}

// admit clamps and validates one typed output. Returns nil when dropped.
func (n *Normalizer) admit(out *contracts.CriticOutput, field string, findings *[]contracts.ValidationError) *contracts.CriticOutput {
	if out == nil {
		*findings = append(*findings, contracts.ValidationError{
			Field:    field,
			Error:    "output is nil",
			Severity: contracts.SeverityError,
		})
		return nil
	}
	kept := out.Clone()
	kept.Confidence = contracts.Clamp01(kept.Confidence)
	if kept.Timestamp.IsZero() {
		kept.Timestamp = time.Now().UTC()
	}
	if kept.Verdict == contracts.VerdictError {
		kept.Confidence = 0
	}
	if err := kept.Validate(); err != nil {
		*findings = append(*findings, contracts.ValidationError{
			Field:    field,
			Error:    err.Error(),
			Severity: contracts.SeverityError,
		})
		return nil
	}
	return kept
}

// bindRaw schema-validates a plugin-shaped map and binds it to a typed
// output.
func (n *Normalizer) bindRaw(raw map[string]any) (*contracts.CriticOutput, error) {
	if err := n.schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode raw output: %w", err)
	}
	var out contracts.CriticOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("bind raw output: %w", err)
	}
	if _, present := raw["weight"]; !present {
		out.Weight = 1.0
	}
	return &out, nil
}
