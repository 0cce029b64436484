package critic

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// Symbol names a shared-object plugin may export, probed in order.
var pluginSymbols = []string{"Critic", "CustomCriticSupplier", "CustomRuleCritic"}

// Loader loads dynamic critics from files under a single allowed root.
// Shared objects (.so) are linked in-process; WASM modules (.wasm) run
// sandboxed under the host. Paths outside the root, symlink escapes
// included, are rejected before anything is opened.
type Loader struct {
	root   string
	wasm   *WASMHost
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[string]bool
}

// NewLoader resolves allowedRoot and returns a loader. wasm may be nil, in
// which case .wasm files are rejected as unsupported.
func NewLoader(allowedRoot string, wasm *WASMHost) (*Loader, error) {
	if strings.TrimSpace(allowedRoot) == "" {
		return nil, contracts.NewError(contracts.ErrConfiguration, "plugin allowed root is empty")
	}
	abs, err := filepath.Abs(allowedRoot)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrConfiguration, "resolve plugin root %s: %w", allowedRoot, err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrConfiguration, "resolve plugin root %s: %w", allowedRoot, err)
	}
	return &Loader{
		root:   root,
		wasm:   wasm,
		logger: slog.Default().With("component", "critic"),
		loaded: make(map[string]bool),
	}, nil
}

// LoadDir loads every plugin file under the root, in sorted path order.
// Files without a plugin extension are skipped; duplicate paths are deduped
// silently.
func (l *Loader) LoadDir(ctx context.Context) ([]Critic, error) {
	var paths []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".so", ".wasm":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "scan plugin root %s: %w", l.root, err)
	}
	sort.Strings(paths)

	var critics []Critic
	for _, path := range paths {
		c, err := l.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		if c != nil {
			critics = append(critics, c)
		}
	}
	return critics, nil
}

// Load validates path and loads the plugin it names. A path already loaded
// returns (nil, nil).
func (l *Loader) Load(ctx context.Context, path string) (Critic, error) {
	resolved, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.loaded[resolved] {
		l.mu.Unlock()
		return nil, nil
	}
	l.loaded[resolved] = true
	l.mu.Unlock()

	var c Critic
	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".so":
		c, err = loadShared(resolved)
	case ".wasm":
		if l.wasm == nil {
			return nil, contracts.Errorf(contracts.ErrPluginLoad, "plugin %s: wasm host is not configured", path)
		}
		c, err = l.wasm.Load(ctx, resolved)
	}
	if err != nil {
		l.mu.Lock()
		delete(l.loaded, resolved)
		l.mu.Unlock()
		return nil, err
	}
	l.logger.Info("loaded critic plugin", "critic", c.Name(), "path", resolved)
	return c, nil
}

// resolve rejects wrong extensions and any path that leaves the allowed
// root once symlinks are followed.
func (l *Loader) resolve(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".so", ".wasm":
	default:
		return "", contracts.Errorf(contracts.ErrPluginSecurity, "plugin %s has an unsupported extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPluginSecurity, "plugin path %s cannot be resolved: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrPluginSecurity, "plugin path %s cannot be resolved: %w", path, err)
	}
	rel, err := filepath.Rel(l.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contracts.Errorf(contracts.ErrPluginSecurity, "plugin %s escapes allowed root %s", path, l.root)
	}
	return resolved, nil
}

// loadShared opens a Go shared object and adopts the first recognized
// exported symbol.
func loadShared(path string) (Critic, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "open plugin %s: %w", path, err)
	}
	for _, name := range pluginSymbols {
		sym, err := p.Lookup(name)
		if err != nil {
			continue
		}
		c, err := adoptSymbol(path, name, sym)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, contracts.Errorf(contracts.ErrPluginLoad,
		"plugin %s exports none of %s", path, strings.Join(pluginSymbols, ", "))
}

// adoptSymbol turns an exported symbol into a critic. Vars arrive as
// pointers to their declared type, funcs as function values.
func adoptSymbol(path, name string, sym plugin.Symbol) (Critic, error) {
	switch v := sym.(type) {
	case Critic:
		return v, nil
	case *Critic:
		if v == nil || *v == nil {
			return nil, contracts.Errorf(contracts.ErrPluginLoad, "plugin %s symbol %s is nil", path, name)
		}
		return *v, nil
	case Factory:
		return buildFromFactory(path, name, v)
	case *Factory:
		if v == nil || *v == nil {
			return nil, contracts.Errorf(contracts.ErrPluginLoad, "plugin %s symbol %s is nil", path, name)
		}
		return buildFromFactory(path, name, *v)
	case func() (Critic, error):
		return buildFromFactory(path, name, v)
	case *func() (Critic, error):
		if v == nil || *v == nil {
			return nil, contracts.Errorf(contracts.ErrPluginLoad, "plugin %s symbol %s is nil", path, name)
		}
		return buildFromFactory(path, name, *v)
	default:
		return nil, contracts.Errorf(contracts.ErrPluginLoad,
			"plugin %s symbol %s has unsupported type %T", path, name, sym)
	}
}

func buildFromFactory(path, name string, f Factory) (Critic, error) {
	c, err := f()
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "plugin %s symbol %s: %w", path, name, err)
	}
	if c == nil {
		return nil, contracts.Errorf(contracts.ErrPluginLoad, "plugin %s symbol %s built a nil critic", path, name)
	}
	return c, nil
}
