// Package engine wires the judgment pipeline end to end: input snapshot,
// critic fan-out, aggregation, governance, fallback synthesis, decision
// assembly, audit trail, precedent storage and bundle archival. One Engine
// serves many concurrent requests; the only shared writable resources are
// the audit log and the precedent store.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eleanor-project/eje/pkg/archive"
	"github.com/eleanor-project/eje/pkg/audit"
	"github.com/eleanor-project/eje/pkg/config"
	"github.com/eleanor-project/eje/pkg/contracts"
	"github.com/eleanor-project/eje/pkg/critic"
	"github.com/eleanor-project/eje/pkg/fallback"
	"github.com/eleanor-project/eje/pkg/governance"
	"github.com/eleanor-project/eje/pkg/normalize"
	"github.com/eleanor-project/eje/pkg/observability"
	"github.com/eleanor-project/eje/pkg/precedent"
)

// pipeline is the immutable per-config view of the engine. Process loads it
// exactly once per request, so a Reload between requests never changes the
// rules mid-flight.
type pipeline struct {
	cfg        *config.Config
	governance *governance.Evaluator
	fallback   *fallback.Engine
	runner     *critic.Runner
	budget     critic.Budget
	limiter    *rate.Limiter
}

// Engine orchestrates the full pipeline. Construct with New; the zero value
// is not usable.
type Engine struct {
	pl atomic.Pointer[pipeline]

	normalizer *normalize.Normalizer
	critics    []critic.Critic

	audit      audit.Log
	precedents precedent.Store
	archive    archive.Store
	obs        *observability.Provider

	now    func() time.Time
	logger *slog.Logger

	// closers tears down collaborators the engine opened itself. Injected
	// collaborators stay the caller's responsibility.
	closers []func() error
}

type options struct {
	critics    []critic.Critic
	registry   *critic.Registry
	wasm       *critic.WASMHost
	audit      audit.Log
	keyring    *audit.Keyring
	precedents precedent.Store
	archive    archive.Store
	obs        *observability.Provider
	now        func() time.Time
}

// Option customizes engine construction.
type Option func(*options)

// WithCritics adds compile-time critics to the evaluation set.
func WithCritics(cs ...critic.Critic) Option {
	return func(o *options) { o.critics = append(o.critics, cs...) }
}

// WithRegistry builds and adds every critic registered in reg.
func WithRegistry(reg *critic.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithWASMHost supplies the sandbox used for .wasm plugins found under the
// configured plugin dir. Without one, .wasm files are rejected.
func WithWASMHost(h *critic.WASMHost) Option {
	return func(o *options) { o.wasm = h }
}

// WithAuditLog injects the audit log instead of opening one from
// audit.db_uri.
func WithAuditLog(log audit.Log) Option {
	return func(o *options) { o.audit = log }
}

// WithKeyring supplies the signing keyring for the default audit log. A
// deployment that generates a fresh keyring per boot cannot verify old
// signatures, so production passes a persistent one.
func WithKeyring(kr *audit.Keyring) Option {
	return func(o *options) { o.keyring = kr }
}

// WithPrecedents injects the precedent store instead of opening one from the
// precedent config block.
func WithPrecedents(store precedent.Store) Option {
	return func(o *options) { o.precedents = store }
}

// WithArchive injects the evidence archive instead of opening archive.uri.
func WithArchive(store archive.Store) Option {
	return func(o *options) { o.archive = store }
}

// WithObservability injects a telemetry provider. Absent one, a disabled
// provider is used and every record call no-ops.
func WithObservability(p *observability.Provider) Option {
	return func(o *options) { o.obs = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds an engine from cfg. Collaborators not injected via options are
// opened from their config blocks: the audit store from audit.db_uri, the
// precedent store when precedent.enabled, the archive when archive.enabled,
// and dynamic critics from critics.plugin_dir.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	normalizer, err := normalize.New()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		normalizer: normalizer,
		audit:      o.audit,
		precedents: o.precedents,
		archive:    o.archive,
		obs:        o.obs,
		now:        o.now,
		logger:     slog.Default().With("component", "engine"),
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.critics = append(e.critics, o.critics...)
	if o.registry != nil {
		built, err := o.registry.BuildAll()
		if err != nil {
			return nil, err
		}
		e.critics = append(e.critics, built...)
	}
	if cfg.Critics.PluginDir != "" {
		loader, err := critic.NewLoader(cfg.Critics.PluginDir, o.wasm)
		if err != nil {
			return nil, err
		}
		loaded, err := loader.LoadDir(ctx)
		if err != nil {
			return nil, err
		}
		e.critics = append(e.critics, loaded...)
	}

	if e.audit == nil {
		store, err := audit.OpenStore(cfg.Audit.DBURI)
		if err != nil {
			return nil, err
		}
		keyring := o.keyring
		if keyring == nil && cfg.Audit.SigningSeed != "" {
			keyring, err = audit.KeyringFromHex(cfg.Audit.SigningSeed)
			if err != nil {
				store.Close()
				return nil, contracts.Errorf(contracts.ErrConfiguration, "audit keyring: %w", err)
			}
		}
		writer, err := audit.NewChainWriter(store, keyring, cfg.Audit.EnableSigning)
		if err != nil {
			store.Close()
			return nil, err
		}
		e.audit = writer
		e.closers = append(e.closers, store.Close)
	}

	if e.precedents == nil && cfg.Precedent.Enabled {
		svc, err := precedent.Open(ctx, cfg.Precedent)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.precedents = svc
		e.closers = append(e.closers, svc.Close)
	}

	if e.archive == nil && cfg.Archive.Enabled {
		store, err := archive.Open(ctx, cfg.Archive.URI)
		if err != nil {
			e.Close()
			return nil, contracts.Errorf(contracts.ErrConfiguration, "open archive: %w", err)
		}
		e.archive = store
		if c, ok := store.(io.Closer); ok {
			e.closers = append(e.closers, c.Close)
		}
	}

	if e.obs == nil {
		p, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			e.Close()
			return nil, err
		}
		e.obs = p
	}

	pl, err := buildPipeline(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.pl.Store(pl)

	e.logger.InfoContext(ctx, "engine ready",
		"environment", cfg.Environment,
		"critics", len(e.critics),
		"precedents_enabled", cfg.Precedent.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)
	return e, nil
}

func buildPipeline(cfg *config.Config) (*pipeline, error) {
	gov, err := governance.New(cfg.Governance)
	if err != nil {
		return nil, err
	}

	retry := critic.DefaultRetryPolicy()
	if cfg.Critics.RetryMaxAttempts > 1 {
		retry = critic.RetryPolicy{
			MaxAttempts: cfg.Critics.RetryMaxAttempts,
			Backoff: critic.Backoff{
				Base: time.Duration(cfg.Critics.RetryBackoffBaseMS) * time.Millisecond,
			},
		}
	}

	breakers := critic.NewBreakerSet(critic.BreakerConfig{
		Enabled:      cfg.Critics.BreakerEnabled,
		FailureRatio: cfg.Critics.BreakerFailureRatio,
	})

	var dispatch *rate.Limiter
	if rps := cfg.Critics.DispatchRateRPS; rps > 0 {
		dispatch = rate.NewLimiter(rate.Limit(rps), burstFor(rps))
	}

	var limiter *rate.Limiter
	if rps := cfg.RateLimitRPS; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burstFor(rps))
	}

	return &pipeline{
		cfg:        cfg,
		governance: gov,
		fallback:   fallback.New(cfg.Fallback),
		runner:     critic.NewRunner(retry, breakers, dispatch),
		budget: critic.Budget{
			PerCriticTimeout: time.Duration(cfg.Critics.PerCriticTimeoutMS) * time.Millisecond,
			GlobalTimeout:    time.Duration(cfg.Critics.GlobalTimeoutMS) * time.Millisecond,
			MaxParallelism:   cfg.Critics.MaxParallelism,
		},
		limiter: limiter,
	}, nil
}

func burstFor(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

// Reload swaps in a new configuration snapshot between requests. Governance
// rules, fallback tuning, runner limits and budgets refresh; the critic set
// and opened collaborators stay fixed for the engine's lifetime.
func (e *Engine) Reload(cfg *config.Config) error {
	if cfg == nil {
		return contracts.NewError(contracts.ErrConfiguration, "reload with nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	pl, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	e.pl.Store(pl)
	e.logger.Info("configuration reloaded", "environment", cfg.Environment)
	return nil
}

// Config returns the currently installed configuration snapshot.
func (e *Engine) Config() *config.Config {
	return e.pl.Load().cfg
}

// Critics returns the names of the evaluation set, in registration order.
func (e *Engine) Critics() []string {
	names := make([]string, 0, len(e.critics))
	for _, c := range e.critics {
		names = append(names, c.Name())
	}
	return names
}

// AuditLog exposes the engine's audit log so callers can run override
// pipelines and chain verification against the same trail.
func (e *Engine) AuditLog() audit.Log {
	return e.audit
}

// Close releases collaborators the engine opened itself, most recently
// opened first.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
