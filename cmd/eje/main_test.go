package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
)

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"eje"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunWithoutArgsPrintsUsage(t *testing.T) {
	code, _, stderr := runCLI()
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "USAGE") {
		t.Errorf("stderr missing usage:\n%s", stderr)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI("frobnicate")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunHelpListsCommands(t *testing.T) {
	code, stdout, _ := runCLI("help")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	for _, cmd := range []string{"evaluate", "override", "verify-audit", "config", "version"} {
		if !strings.Contains(stdout, cmd) {
			t.Errorf("usage missing %q:\n%s", cmd, stdout)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	code, stdout, _ := runCLI("version")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if !strings.HasPrefix(stdout, "eje ") {
		t.Errorf("banner = %q", stdout)
	}

	code, stdout, _ = runCLI("version", "-json")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version -json output: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("version field empty: %v", info)
	}
}

func TestEvaluateRequiresText(t *testing.T) {
	code, _, stderr := runCLI("evaluate")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--text") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestEvaluateWatchNeedsStdin(t *testing.T) {
	code, _, stderr := runCLI("evaluate", "-text", "hello", "-watch")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--watch") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestEvaluateRejectsMalformedContext(t *testing.T) {
	code, _, stderr := runCLI("evaluate", "-text", "hello", "-context", "{not json")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--context") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestEvaluateCleanRequestJSON(t *testing.T) {
	code, stdout, stderr := runCLI("evaluate",
		"-text", "please approve this routine shipment",
		"-request-id", "req-cli-1",
		"-json")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}

	var d contracts.Decision
	if err := json.Unmarshal([]byte(stdout), &d); err != nil {
		t.Fatalf("output is not a decision: %v\n%s", err, stdout)
	}
	if d.Verdict() != contracts.VerdictAllow {
		t.Errorf("verdict = %s, want ALLOW", d.Verdict())
	}
	if d.DecisionID == "" {
		t.Error("decision id empty")
	}
	if d.Bundle.Metadata.CorrelationID != "req-cli-1" {
		t.Errorf("correlation id = %q", d.Bundle.Metadata.CorrelationID)
	}
	if len(d.Bundle.CriticOutputs) != 3 {
		t.Errorf("critic outputs = %d, want 3", len(d.Bundle.CriticOutputs))
	}
}

func TestEvaluateHumanOutput(t *testing.T) {
	code, stdout, stderr := runCLI("evaluate", "-text", "please approve this routine shipment")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Verdict:    ALLOW") {
		t.Errorf("stdout missing verdict line:\n%s", stdout)
	}
	if !strings.Contains(stdout, "Critics:") {
		t.Errorf("stdout missing critic section:\n%s", stdout)
	}
}

func TestEvaluateRightsViolationExitCode(t *testing.T) {
	code, stdout, _ := runCLI("evaluate", "-text", "they mean to torture the detainees")
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stdout, "dignity") {
		t.Errorf("stdout = %q", stdout)
	}

	code, stdout, _ = runCLI("evaluate", "-text", "they mean to torture the detainees", "-json")
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	var result struct {
		RightsViolation struct {
			Right string `json:"right"`
		} `json:"rights_violation"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.RightsViolation.Right != "dignity" {
		t.Errorf("right = %q, want dignity", result.RightsViolation.Right)
	}
}

func TestEvaluateOverrideRoundTrip(t *testing.T) {
	dir := t.TempDir()
	decisionPath := filepath.Join(dir, "decision.json")
	outPath := filepath.Join(dir, "overridden.json")

	code, stdout, stderr := runCLI("evaluate", "-text", "destroy the archive", "-json")
	if code != 0 {
		t.Fatalf("evaluate exit = %d (stderr: %s)", code, stderr)
	}
	var before contracts.Decision
	if err := json.Unmarshal([]byte(stdout), &before); err != nil {
		t.Fatalf("parse decision: %v", err)
	}
	if before.Verdict() != contracts.VerdictDeny {
		t.Fatalf("verdict = %s, want DENY on a harm term", before.Verdict())
	}
	if err := os.WriteFile(decisionPath, []byte(stdout), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr = runCLI("override",
		"-decision", decisionPath,
		"-proposed", "ALLOW",
		"-justification", "approved under the archival research exemption",
		"-reviewer-id", "rev-7",
		"-reviewer-role", "ethics_officer",
		"-out", outPath)
	if code != 0 {
		t.Fatalf("override exit = %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Override applied") {
		t.Errorf("stdout = %q", stdout)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	var after contracts.Decision
	if err := json.Unmarshal(data, &after); err != nil {
		t.Fatalf("parse overridden decision: %v", err)
	}
	if after.Verdict() != contracts.VerdictAllow {
		t.Errorf("verdict = %s, want ALLOW", after.Verdict())
	}
	if !after.GovernanceOutcome.HumanModified {
		t.Error("human_modified not set")
	}
	ob := after.GovernanceOutcome.Override
	if ob == nil {
		t.Fatal("override block missing")
	}
	if ob.OverrideBy.ReviewerID != "rev-7" {
		t.Errorf("reviewer = %q, want rev-7", ob.OverrideBy.ReviewerID)
	}
}

func TestOverrideRejectsWeakJustification(t *testing.T) {
	dir := t.TempDir()
	decisionPath := filepath.Join(dir, "decision.json")
	if err := os.WriteFile(decisionPath, []byte(`{"decision_id":"d-1"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLI("override",
		"-decision", decisionPath,
		"-proposed", "ALLOW",
		"-justification", "ok",
		"-reviewer-id", "rev-7",
		"-reviewer-role", "ethics_officer")
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Override rejected") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestOverrideRequiresReviewer(t *testing.T) {
	code, _, stderr := runCLI("override", "-decision", "x.json", "-proposed", "ALLOW",
		"-justification", "a perfectly adequate justification")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--reviewer-id") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestConfigCommandPrintsEffectiveYAML(t *testing.T) {
	code, stdout, stderr := runCLI("config")
	if code != 0 {
		t.Fatalf("exit = %d (stderr: %s)", code, stderr)
	}
	for _, section := range []string{"governance:", "fallback:", "critics:", "audit:"} {
		if !strings.Contains(stdout, section) {
			t.Errorf("dump missing %q", section)
		}
	}
}

func TestConfigCheck(t *testing.T) {
	code, stdout, _ := runCLI("config", "-check")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("governance:\n  fairness_penalty: 2.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLI("config", "-check", "-config", path)
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Configuration invalid") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestVerifyAuditEmptyStore(t *testing.T) {
	code, stdout, stderr := runCLI("verify-audit")
	if code != 0 {
		t.Fatalf("exit = %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "empty log") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestVerifyAuditSQLiteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "eje.yaml")
	dbPath := filepath.Join(dir, "audit.db")
	packPath := filepath.Join(dir, "pack.zip")
	if err := os.WriteFile(cfgPath, []byte("audit:\n  db_uri: "+dbPath+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLI("evaluate", "-config", cfgPath, "-text", "please approve this routine shipment")
	if code != 0 {
		t.Fatalf("evaluate exit = %d (stderr: %s)", code, stderr)
	}

	code, stdout, stderr := runCLI("verify-audit", "-config", cfgPath, "-export", packPath)
	if code != 0 {
		t.Fatalf("verify exit = %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Chain OK") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "Review pack written") {
		t.Errorf("stdout = %q", stdout)
	}
	if fi, err := os.Stat(packPath); err != nil || fi.Size() == 0 {
		t.Errorf("pack not written: %v", err)
	}
}

func TestVerifyAuditCheckedSignatures(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "eje.yaml")
	dbPath := filepath.Join(dir, "audit.db")
	seed := strings.Repeat("5c", 32)
	body := "audit:\n  db_uri: " + dbPath + "\n  enable_signing: true\n  signing_seed: " + seed + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLI("evaluate", "-config", cfgPath, "-text", "please approve this routine shipment")
	if code != 0 {
		t.Fatalf("evaluate exit = %d (stderr: %s)", code, stderr)
	}

	// A second process holding the same seed verifies the signature, not
	// just the hash links.
	code, stdout, stderr := runCLI("verify-audit", "-config", cfgPath)
	if code != 0 {
		t.Fatalf("verify exit = %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Chain OK") {
		t.Errorf("stdout = %q", stdout)
	}

	// A verifier with the wrong seed rejects the chain.
	otherSeed := strings.Repeat("6d", 32)
	otherCfg := filepath.Join(dir, "other.yaml")
	otherBody := "audit:\n  db_uri: " + dbPath + "\n  signing_seed: " + otherSeed + "\n"
	if err := os.WriteFile(otherCfg, []byte(otherBody), 0o600); err != nil {
		t.Fatal(err)
	}
	code, stdout, _ = runCLI("verify-audit", "-config", otherCfg)
	if code != 1 {
		t.Fatalf("verify with wrong seed exit = %d, want 1", code)
	}
	if !strings.Contains(stdout, "FAILED") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestBatchEvaluation(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	in := strings.NewReader(strings.Join([]string{
		`{"text":"please approve this routine shipment","correlation_id":"batch-1"}`,
		`{"text":"they mean to torture the detainees","correlation_id":"batch-2"}`,
		`{nope}`,
	}, "\n"))
	var stdout, stderr bytes.Buffer

	code := runBatch(ctx, eng, nil, cfg, in, &stdout, &stderr, false)
	if code != 1 {
		t.Fatalf("exit = %d, want 1 when any line fails", code)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output lines = %d, want 3:\n%s", len(lines), stdout.String())
	}

	var first batchResult
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.RequestID != "batch-1" || first.Verdict != contracts.VerdictAllow || first.DecisionID == "" {
		t.Errorf("first = %+v", first)
	}

	var second batchResult
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second.RequestID != "batch-2" || second.RightsViolation == nil || second.RightsViolation.Right != "dignity" {
		t.Errorf("second = %+v", second)
	}

	var third batchResult
	if err := json.Unmarshal([]byte(lines[2]), &third); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(third.Error, "parse request") {
		t.Errorf("third = %+v", third)
	}
}
