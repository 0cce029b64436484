// Package critic defines the critic plugin contract and the runner that
// dispatches a heterogeneous critic set against one request concurrently.
// Critics are stateless across requests or supply their own
// synchronization; the runner guarantees nothing about concurrent
// invocation.
package critic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// Critic is the evaluator contract every plugin satisfies. Evaluate
// receives a frozen snapshot and the runner's budget; it may signal failure
// by returning an ERROR output, by returning an error, or by panicking.
// The runner normalizes all three into ERROR outputs.
type Critic interface {
	Name() string
	Evaluate(ctx context.Context, snapshot *contracts.InputSnapshot, budget Budget) (*contracts.CriticOutput, error)
}

// Budget carries the timing and parallelism limits for one run.
type Budget struct {
	// PerCriticTimeout bounds each critic's Evaluate call. Zero means no
	// per-critic deadline beyond the global one.
	PerCriticTimeout time.Duration
	// GlobalTimeout bounds the whole fan-out. Critics not complete at the
	// deadline are abandoned and credited ERROR/timeout outputs.
	GlobalTimeout time.Duration
	// MaxParallelism bounds concurrent critics. Zero or negative runs all
	// N at once.
	MaxParallelism int
}

// Factory constructs a critic. Compile-time plugins register factories;
// dynamic loaders wrap loaded symbols in one.
type Factory func() (Critic, error)

// Registry holds named critic factories. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering the same name twice is a
// configuration error: silently replacing a critic would change verdicts
// without a trace.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return contracts.NewError(contracts.ErrConfiguration, "critic name is empty")
	}
	if f == nil {
		return contracts.Errorf(contracts.ErrConfiguration, "critic %q has nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return contracts.Errorf(contracts.ErrConfiguration, "critic %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Build instantiates the named critic.
func (r *Registry) Build(name string) (Critic, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "critic %q is not registered", name)
	}
	c, err := f()
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "build critic %q: %w", name, err)
	}
	return c, nil
}

// BuildAll instantiates every registered critic in name order.
func (r *Registry) BuildAll() ([]Critic, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	critics := make([]Critic, 0, len(names))
	for _, name := range names {
		c, err := r.Build(name)
		if err != nil {
			return nil, err
		}
		critics = append(critics, c)
	}
	return critics, nil
}

// Names lists registered critic names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a plain function into a Critic, for tests and demos.
type Func struct {
	CriticName string
	Fn         func(ctx context.Context, snapshot *contracts.InputSnapshot, budget Budget) (*contracts.CriticOutput, error)
}

func (f Func) Name() string { return f.CriticName }

func (f Func) Evaluate(ctx context.Context, snapshot *contracts.InputSnapshot, budget Budget) (*contracts.CriticOutput, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("critic %q has no evaluate function", f.CriticName)
	}
	return f.Fn(ctx, snapshot, budget)
}
