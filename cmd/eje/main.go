// Command eje is the local driver for the judgment engine: one-shot and
// batch evaluation, human overrides, audit chain verification, and
// configuration inspection. Long-lived transports live outside this repo;
// everything here wires the pkg/ libraries for an operator at a terminal.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/eleanor-project/eje/pkg/version"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	// Local development keeps secrets in .env; a missing file is normal.
	_ = godotenv.Load()

	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "override":
		return runOverrideCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(args[2:], stdout, stderr)
	case "version":
		return runVersionCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "eje %s\n", version.Version)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  eje <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "evaluate", "Judge input text (one-shot or --stdin batch)")
	printCommand(w, "override", "Apply a human override to a decision file")
	printCommand(w, "verify-audit", "Verify the audit chain (--export for evidence packs)")
	printCommand(w, "config", "Print or check the effective configuration")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-14s %s\n", name, desc)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	return cmd
}

// runVersionCmd implements `eje version`.
func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("version", stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	info := version.Get()
	if *jsonOutput {
		data, _ := json.MarshalIndent(info, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintln(stdout, info.String())
	return 0
}
