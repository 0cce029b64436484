package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/eleanor-project/eje/pkg/audit"
	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
	"github.com/eleanor-project/eje/pkg/override"
)

// runOverrideCmd implements `eje override`: load a decision from a JSON file
// (as produced by `eje evaluate --json`), apply a human override under the
// per-decision lock, append the override event to the audit chain, and write
// the modified decision back out.
//
// Exit codes:
//
//	0 = override applied and logged
//	1 = override rejected by validation
//	2 = usage or runtime error
func runOverrideCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("override", stderr)

	var (
		configPath    string
		decisionPath  string
		outPath       string
		proposed      string
		original      string
		justification string
		reason        string
		priority      int
		urgent        bool
		reviewerID    string
		reviewerRole  string
		reviewerName  string
		reviewerEmail string
		token         string
		secret        string
		expires       time.Duration
		preserve      bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config (default: built-in defaults + env)")
	cmd.StringVar(&decisionPath, "decision", "", "Path to the decision JSON file (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Write the overridden decision here (default: stdout)")
	cmd.StringVar(&proposed, "proposed", "", "Proposed verdict: ALLOW, DENY, REVIEW or ESCALATE (REQUIRED)")
	cmd.StringVar(&original, "original", "", "Expected current verdict (stale-read guard)")
	cmd.StringVar(&justification, "justification", "", "Reason for the override, at least 10 characters (REQUIRED)")
	cmd.StringVar(&reason, "reason", "", "Reason category, e.g. policy_exception")
	cmd.IntVar(&priority, "priority", 0, "Priority 0-10")
	cmd.BoolVar(&urgent, "urgent", false, "Mark the override as urgent")
	cmd.StringVar(&reviewerID, "reviewer-id", "", "Reviewer id (REQUIRED unless --token)")
	cmd.StringVar(&reviewerRole, "reviewer-role", "", "Reviewer role, e.g. ethics_officer (REQUIRED unless --token)")
	cmd.StringVar(&reviewerName, "reviewer-name", "", "Reviewer display name")
	cmd.StringVar(&reviewerEmail, "reviewer-email", "", "Reviewer email")
	cmd.StringVar(&token, "token", "", "Signed reviewer JWT (replaces --reviewer-id/--reviewer-role)")
	cmd.StringVar(&secret, "secret", "", "HS256 secret for --token (default: override.jwt_secret)")
	cmd.DurationVar(&expires, "expires", 0, "Override validity window, e.g. 24h (default: no expiry)")
	cmd.BoolVar(&preserve, "preserve", false, "Leave the input decision untouched, write a modified copy")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if decisionPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --decision is required")
		return 2
	}
	if proposed == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --proposed is required")
		return 2
	}
	if token == "" && (reviewerID == "" || reviewerRole == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --reviewer-id and --reviewer-role are required (or pass --token)")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, err := os.ReadFile(decisionPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var decision contracts.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %s is not a decision: %v\n", decisionPath, err)
		return 2
	}

	reviewer, code := resolveReviewer(cfg, token, secret, reviewerID, reviewerRole, reviewerName, reviewerEmail, stderr)
	if code != 0 {
		return code
	}

	orReq := contracts.OverrideRequest{
		Reviewer:        *reviewer,
		DecisionID:      decision.DecisionID,
		OriginalOutcome: contracts.Verdict(strings.ToUpper(original)),
		ProposedOutcome: contracts.Verdict(strings.ToUpper(proposed)),
		Justification:   justification,
		ReasonCategory:  reason,
		Priority:        priority,
		IsUrgent:        urgent,
	}
	if expires > 0 {
		t := time.Now().UTC().Add(expires)
		orReq.ExpiresAt = &t
	}
	req, err := contracts.NewOverrideRequest(orReq)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Override rejected: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := audit.OpenStore(cfg.Audit.DBURI)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()
	keyring, err := loadKeyring(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	writer, err := audit.NewChainWriter(store, keyring, cfg.Audit.EnableSigning)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var opts []override.Option
	if cfg.Override.RedisAddr != "" {
		ttl := time.Duration(cfg.Override.LockTTLMS) * time.Millisecond
		opts = append(opts, override.WithLocker(
			override.NewRedisLocker(cfg.Override.RedisAddr, cfg.Override.RedisPassword, cfg.Override.RedisDB, ttl)))
	}
	pipe := override.New(writer, opts...)

	applied, ev, err := pipe.ApplyAndLog(ctx, &decision, req, override.ApplyOptions{PreserveOriginal: preserve})
	if err != nil {
		if contracts.IsKind(err, contracts.ErrOverrideValidation) {
			_, _ = fmt.Fprintf(stderr, "Override rejected: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out, err := json.MarshalIndent(applied, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, out, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Override applied: %s -> %s (event %s)\n",
			ev.OutcomeChange.Original, ev.OutcomeChange.Current, ev.EventID)
		_, _ = fmt.Fprintf(stdout, "Decision written to %s\n", outPath)
	} else {
		_, _ = fmt.Fprintln(stdout, string(out))
	}
	return 0
}

// resolveReviewer builds the reviewer identity from either a signed token or
// the explicit flags. Returns a non-zero exit code on failure.
func resolveReviewer(cfg *config.Config, token, secret, id, role, name, email string, stderr io.Writer) (*contracts.Reviewer, int) {
	if token == "" {
		return &contracts.Reviewer{
			ReviewerID:   id,
			ReviewerRole: contracts.ReviewerRole(role),
			Name:         name,
			Email:        email,
		}, 0
	}
	if secret == "" {
		secret = cfg.Override.JWTSecret
	}
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --token needs --secret or override.jwt_secret")
		return nil, 2
	}
	reviewer, err := override.ParseReviewerToken(token, []byte(secret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Override rejected: %v\n", err)
		return nil, 1
	}
	return reviewer, 0
}
