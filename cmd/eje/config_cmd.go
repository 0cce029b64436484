package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/eleanor-project/eje/pkg/config"
)

// runConfigCmd implements `eje config`: resolve the effective configuration
// (defaults, then file, then environment) and print it, or just validate it
// with --check.
//
// Exit codes:
//
//	0 = configuration valid
//	1 = configuration invalid
//	2 = usage or runtime error
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("config", stderr)

	var (
		configPath string
		check      bool
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config (default: built-in defaults + env)")
	cmd.BoolVar(&check, "check", false, "Validate only, print nothing on success")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the effective configuration as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	if check {
		_, _ = fmt.Fprintln(stdout, "Configuration valid")
		return 0
	}
	if jsonOutput {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	dump, err := cfg.DumpYAML()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprint(stdout, dump)
	return 0
}
