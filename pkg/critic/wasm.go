package critic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// WASMConfig tunes the sandbox hosting .wasm critics.
type WASMConfig struct {
	// MemoryLimitBytes caps each module instance. Zero means 64 MiB.
	MemoryLimitBytes int64
}

// WASMHost compiles and runs critic modules under a deny-by-default WASI
// sandbox: no filesystem mounts, no network, no environment, memory capped
// at the configured ceiling and CPU time bounded by the per-critic context.
// Modules speak JSON: the input snapshot on stdin, one CriticOutput object
// on stdout.
type WASMHost struct {
	runtime wazero.Runtime
	logger  *slog.Logger
}

// NewWASMHost builds the shared wazero runtime. Close it when the engine
// shuts down.
func NewWASMHost(ctx context.Context, cfg WASMConfig) *WASMHost {
	limit := cfg.MemoryLimitBytes
	if limit <= 0 {
		limit = 64 << 20
	}
	// wazero counts memory in 64KiB pages.
	pages := uint32(limit / (64 * 1024))
	if pages == 0 {
		pages = 1
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &WASMHost{
		runtime: r,
		logger:  slog.Default().With("component", "critic"),
	}
}

// Load compiles the module at path once; instances are created per
// Evaluate call so runs never share linear memory.
func (h *WASMHost) Load(ctx context.Context, path string) (Critic, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "read wasm module %s: %w", path, err)
	}
	compiled, err := h.runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "compile wasm module %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &wasmCritic{name: name, host: h, compiled: compiled}, nil
}

// Close frees the runtime and every compiled module.
func (h *WASMHost) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

type wasmCritic struct {
	name     string
	host     *WASMHost
	compiled wazero.CompiledModule
}

func (c *wasmCritic) Name() string { return c.name }

// wasmInput is the JSON document written to the module's stdin.
type wasmInput struct {
	Snapshot         *contracts.InputSnapshot `json:"snapshot"`
	PerCriticTimeout int64                    `json:"per_critic_timeout_ms,omitempty"`
}

func (c *wasmCritic) Evaluate(ctx context.Context, snapshot *contracts.InputSnapshot, budget Budget) (*contracts.CriticOutput, error) {
	input, err := json.Marshal(wasmInput{
		Snapshot:         snapshot,
		PerCriticTimeout: int64(budget.PerCriticTimeout / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("encode wasm input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := c.host.runtime.InstantiateModule(ctx, c.compiled, modCfg)
	if err != nil {
		var exit *sys.ExitError
		switch {
		case errors.As(err, &exit) && exit.ExitCode() == 0:
			// proc_exit(0) is a normal termination path for WASI binaries.
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			if stderr.Len() > 0 {
				return nil, fmt.Errorf("wasm critic %s: %w (stderr: %s)", c.name, err, strings.TrimSpace(stderr.String()))
			}
			return nil, fmt.Errorf("wasm critic %s: %w", c.name, err)
		}
	}
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if stderr.Len() > 0 {
		c.host.logger.Debug("wasm critic stderr", "critic", c.name, "stderr", stderr.String())
	}

	out := &contracts.CriticOutput{}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return nil, fmt.Errorf("wasm critic %s produced invalid output: %w", c.name, err)
	}
	if out.Critic == "" {
		out.Critic = c.name
	}
	if out.Weight == 0 {
		out.Weight = 1.0
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("wasm critic %s produced invalid output: %w", c.name, err)
	}
	return out, nil
}
