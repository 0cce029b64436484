package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eleanor-project/eje/pkg/audit"
	"github.com/eleanor-project/eje/pkg/config"
)

// runVerifyAuditCmd implements `eje verify-audit`: walk the audit chain and
// recompute every hash link. When audit.signing_seed supplies the key
// material, Ed25519 signatures are checked too; without it only the hash
// links are verified. With --export it also writes a review pack zip for
// external auditors.
//
// Exit codes:
//
//	0 = chain verified (and pack exported, if requested)
//	1 = chain broken
//	2 = usage or runtime error
func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("verify-audit", stderr)

	var (
		configPath string
		dbURI      string
		exportPath string
		requestID  string
		startArg   string
		endArg     string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config (default: built-in defaults + env)")
	cmd.StringVar(&dbURI, "db", "", "Audit store DSN (default: audit.db_uri from config)")
	cmd.StringVar(&exportPath, "export", "", "Write a review pack zip to this path")
	cmd.StringVar(&requestID, "request", "", "Limit the export to one request id")
	cmd.StringVar(&startArg, "start", "", "Export window start (RFC 3339)")
	cmd.StringVar(&endArg, "end", "", "Export window end (RFC 3339)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if dbURI == "" {
		dbURI = cfg.Audit.DBURI
	}

	ctx := context.Background()
	store, err := audit.OpenStore(dbURI)
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
	writer, err := audit.NewChainWriter(store, keyring, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	verifyErr := writer.VerifyChain(ctx)
	head, seq, headErr := store.Head(ctx)
	if headErr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", headErr)
		return 2
	}

	if jsonOutput {
		result := map[string]any{"ok": verifyErr == nil, "entries": seq, "head": head}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
		}
		printJSON(stdout, result)
	} else if verifyErr != nil {
		_, _ = fmt.Fprintf(stdout, "Chain verification FAILED: %v\n", verifyErr)
	} else if seq == 0 {
		_, _ = fmt.Fprintln(stdout, "Chain OK: empty log")
	} else {
		_, _ = fmt.Fprintf(stdout, "Chain OK: %d entries, head %s\n", seq, shortHash(head))
	}
	if verifyErr != nil {
		return 1
	}

	if exportPath == "" {
		return 0
	}
	req := audit.ExportRequest{RequestID: requestID}
	if req.StartTime, err = parseTimeArg(startArg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --start: %v\n", err)
		return 2
	}
	if req.EndTime, err = parseTimeArg(endArg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --end: %v\n", err)
		return 2
	}
	pack, checksum, err := audit.NewExporter(store).GeneratePack(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := os.WriteFile(exportPath, pack, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Review pack written to %s (sha256 %s)\n", exportPath, shortHash(checksum))
	return 0
}

// loadKeyring builds the signing keyring from audit.signing_seed. A nil
// keyring (no seed configured) skips signature verification and lets
// writers fall back to an ephemeral key.
func loadKeyring(cfg *config.Config) (*audit.Keyring, error) {
	if cfg.Audit.SigningSeed == "" {
		return nil, nil
	}
	return audit.KeyringFromHex(cfg.Audit.SigningSeed)
}

func parseTimeArg(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
