package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
	"github.com/eleanor-project/eje/pkg/engine"
	"github.com/eleanor-project/eje/pkg/precedent"
)

// runEvaluateCmd implements `eje evaluate`.
//
// One-shot mode judges --text and prints the decision. Batch mode
// (--stdin) reads one JSON request per line and emits one JSON result per
// line; with --watch the config file is re-read between requests.
//
// Exit codes:
//
//	0 = decision issued (batch: every line judged)
//	1 = terminated by a rights violation (batch: at least one line failed)
//	2 = usage or runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("evaluate", stderr)

	var (
		configPath string
		text       string
		contextArg string
		source     string
		domain     string
		tags       string
		requestID  string
		isTest     bool
		stdinMode  bool
		watch      bool
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config (default: built-in defaults + env)")
	cmd.StringVar(&text, "text", "", "Input text to judge (REQUIRED unless --stdin)")
	cmd.StringVar(&contextArg, "context", "", "Request context as a JSON object")
	cmd.StringVar(&source, "source", "", "Request source")
	cmd.StringVar(&domain, "domain", "", "Request domain")
	cmd.StringVar(&tags, "tags", "", "Comma-separated request tags")
	cmd.StringVar(&requestID, "request-id", "", "Correlation id (default: generated)")
	cmd.BoolVar(&isTest, "test", false, "Mark the request as a test (not stored as precedent)")
	cmd.BoolVar(&stdinMode, "stdin", false, "Read JSON requests from stdin, one per line")
	cmd.BoolVar(&watch, "watch", false, "Reload --config between batch requests on file change")
	cmd.BoolVar(&jsonOutput, "json", false, "Output full decisions as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !stdinMode && strings.TrimSpace(text) == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --text is required (or use --stdin)")
		return 2
	}
	if watch && !stdinMode {
		_, _ = fmt.Fprintln(stderr, "Error: --watch only applies to --stdin batches")
		return 2
	}
	if watch && configPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --watch requires --config")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if watch {
		watcher, err = config.NewWatcher(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		go watcher.Run(ctx)
		cfg = watcher.Current()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = eng.Close() }()

	if stdinMode {
		return runBatch(ctx, eng, watcher, cfg, os.Stdin, stdout, stderr, jsonOutput)
	}

	req := engine.Request{
		Text:          text,
		Source:        source,
		Domain:        domain,
		Tags:          splitTags(tags),
		CorrelationID: requestID,
		IsTest:        isTest,
	}
	if contextArg != "" {
		if err := json.Unmarshal([]byte(contextArg), &req.Context); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --context is not a JSON object: %v\n", err)
			return 2
		}
	}

	out, err := eng.Process(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if out.RightsViolation != nil {
		if jsonOutput {
			printJSON(stdout, map[string]any{
				"request_id":       out.RequestID,
				"rights_violation": out.RightsViolation,
			})
		} else {
			critic := "unknown"
			if out.RightsViolation.Evidence != nil {
				critic = out.RightsViolation.Evidence.Critic
			}
			_, _ = fmt.Fprintf(stdout, "No verdict issued: hard right %q violated (flagged by %s)\n",
				out.RightsViolation.Right, critic)
		}
		return 1
	}

	if jsonOutput {
		printJSON(stdout, out.Decision)
	} else {
		printDecision(stdout, out)
	}
	return 0
}

// buildEngine wires the demo critic set, sharing the precedent store
// between the engine and the precedent critic when one is configured.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, error) {
	var (
		store precedent.Store
		opts  []engine.Option
	)
	if cfg.Precedent.Enabled {
		svc, err := precedent.Open(ctx, cfg.Precedent)
		if err != nil {
			return nil, err
		}
		store = svc
		opts = append(opts, engine.WithPrecedents(svc))
	}
	reg, err := demoRegistry(store)
	if err != nil {
		return nil, err
	}
	opts = append(opts, engine.WithRegistry(reg))
	return engine.New(ctx, cfg, opts...)
}

// evalRequest is the JSONL wire form of one batch request.
type evalRequest struct {
	Text          string         `json:"text"`
	Context       map[string]any `json:"context,omitempty"`
	Source        string         `json:"source,omitempty"`
	Domain        string         `json:"domain,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	IsTest        bool           `json:"is_test,omitempty"`
}

// batchResult is the compact per-line output of a --stdin run.
type batchResult struct {
	RequestID       string                  `json:"request_id,omitempty"`
	DecisionID      string                  `json:"decision_id,omitempty"`
	Verdict         contracts.Verdict       `json:"verdict,omitempty"`
	Confidence      float64                 `json:"confidence,omitempty"`
	Escalated       bool                    `json:"escalated,omitempty"`
	Fallback        bool                    `json:"fallback,omitempty"`
	RightsViolation *engine.RightsViolation `json:"rights_violation,omitempty"`
	Decision        *contracts.Decision     `json:"decision,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

func runBatch(ctx context.Context, eng *engine.Engine, watcher *config.Watcher, cfg *config.Config, in io.Reader, stdout, stderr io.Writer, jsonOutput bool) int {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	failed := false
	last := cfg
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if watcher != nil {
			if cur := watcher.Current(); cur != last {
				if err := eng.Reload(cur); err != nil {
					_, _ = fmt.Fprintf(stderr, "config reload rejected, keeping previous: %v\n", err)
				}
				last = cur
			}
		}

		var req evalRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			failed = true
			printJSON(stdout, batchResult{Error: fmt.Sprintf("parse request: %v", err)})
			continue
		}

		out, err := eng.Process(ctx, engine.Request{
			Text:          req.Text,
			Context:       req.Context,
			Source:        req.Source,
			Domain:        req.Domain,
			Tags:          req.Tags,
			CorrelationID: req.CorrelationID,
			IsTest:        req.IsTest,
		})
		switch {
		case err != nil:
			failed = true
			printJSON(stdout, batchResult{Error: err.Error()})
		case out.RightsViolation != nil:
			failed = true
			printJSON(stdout, batchResult{
				RequestID:       out.RequestID,
				RightsViolation: out.RightsViolation,
			})
		case jsonOutput:
			printJSON(stdout, batchResult{
				RequestID: out.RequestID,
				Decision:  out.Decision,
			})
		default:
			printJSON(stdout, batchResult{
				RequestID:  out.RequestID,
				DecisionID: out.Decision.DecisionID,
				Verdict:    out.Decision.Verdict(),
				Confidence: out.Decision.GovernanceOutcome.AdjustedConfidence,
				Escalated:  out.Decision.Escalated,
				Fallback:   out.Decision.Bundle.Metadata.Flags.IsFallback,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error reading stdin: %v\n", err)
		return 2
	}
	if failed {
		return 1
	}
	return 0
}

func printDecision(w io.Writer, out *engine.PipelineOutcome) {
	d := out.Decision
	_, _ = fmt.Fprintf(w, "Verdict:    %s\n", d.Verdict())
	_, _ = fmt.Fprintf(w, "Confidence: %.2f\n", d.GovernanceOutcome.AdjustedConfidence)
	_, _ = fmt.Fprintf(w, "Consensus:  %s\n", d.Aggregation.ConsensusLevel)
	_, _ = fmt.Fprintf(w, "Decision:   %s\n", d.DecisionID)
	_, _ = fmt.Fprintf(w, "Request:    %s\n", out.RequestID)
	if d.Escalated {
		_, _ = fmt.Fprintln(w, "Escalated:  yes")
	}
	if d.Bundle.Metadata.Flags.IsFallback {
		_, _ = fmt.Fprintln(w, "Fallback:   yes")
	}
	if len(d.GovernanceOutcome.SafeguardsTriggered) > 0 {
		_, _ = fmt.Fprintf(w, "Safeguards: %s\n", strings.Join(d.GovernanceOutcome.SafeguardsTriggered, ", "))
	}
	for _, warning := range d.GovernanceOutcome.AdvisoryWarnings {
		_, _ = fmt.Fprintf(w, "Warning:    %s\n", warning)
	}
	_, _ = fmt.Fprintln(w, "Critics:")
	for _, o := range d.Bundle.CriticOutputs {
		_, _ = fmt.Fprintf(w, "  - %-16s %-7s %.2f  %s\n", o.Critic, o.Verdict, o.Confidence, o.Justification)
	}
}

func printJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", err.Error())
		return
	}
	_, _ = fmt.Fprintln(w, string(data))
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
