// Package plugin resolves "module.symbol" identifiers to Go values loaded
// either from a shared object on a configured search path (via the standard
// library's plugin package, the idiomatic analogue of a dynamic module
// import since this is a runtime/linker mechanism rather than an algorithm
// any third-party library could better express) or from a built-in registry
// compiled into the binary.
package plugin

import (
	"errors"
	"fmt"
	stdplugin "plugin"
	"sync"

	"github.com/spf13/afero"
)

// ErrPluginNotFound is returned when module.so cannot be located on any
// search path and no built-in module of that name is registered.
var ErrPluginNotFound = errors.New("plugin: module not found")

// ErrSymbolNotFound is returned when a module resolves but does not export
// the requested symbol.
var ErrSymbolNotFound = errors.New("plugin: symbol not found")

// Loader resolves "module.symbol" identifiers, memoizing results per
// instance. There is deliberately no package-level cache: every Loader
// owns its own resolved symbols, so two configurations loaded in the same
// process (e.g. during a config hot-reload) never share state.
type Loader struct {
	fs          afero.Fs
	searchPaths []string

	mu       sync.Mutex
	cache    map[string]interface{}
	builtins map[string]map[string]interface{}
}

// New constructs a Loader that searches the given directories, in order,
// for "<module>.so" files.
func New(fs afero.Fs, searchPaths []string) *Loader {
	return &Loader{
		fs:          fs,
		searchPaths: searchPaths,
		cache:       map[string]interface{}{},
		builtins:    map[string]map[string]interface{}{},
	}
}

// RegisterBuiltin adds a symbol to the built-in registry under the given
// module namespace, used as a fallback when no shared object is found on
// the search path. Both built-in handlers (e.g. "builtin.passthrough") and
// built-in predicates used by rule clauses (e.g. "builtin.always_true") live
// under the "builtin" namespace.
func (l *Loader) RegisterBuiltin(module, symbol string, value interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.builtins[module]
	if !ok {
		m = map[string]interface{}{}
		l.builtins[module] = m
	}
	m[symbol] = value
}

// splitIdentifier splits "module.symbol" on the last '.', since module
// names may themselves contain dots (e.g. "modules.youtube.fix_artist" is
// module "modules.youtube", symbol "fix_artist").
func splitIdentifier(identifier string) (module, symbol string, err error) {
	idx := -1
	for i := len(identifier) - 1; i >= 0; i-- {
		if identifier[i] == '.' {
			idx = i
			break
		}
	}
	if idx <= 0 || idx == len(identifier)-1 {
		return "", "", fmt.Errorf("plugin: malformed identifier %q", identifier)
	}
	return identifier[:idx], identifier[idx+1:], nil
}

// Resolve loads and returns the symbol named by identifier ("module.symbol").
// Resolution order: in-process cache, then each search path directory's
// "<module>.so" in order, then the built-in registry.
func (l *Loader) Resolve(identifier string) (interface{}, error) {
	l.mu.Lock()
	if v, ok := l.cache[identifier]; ok {
		l.mu.Unlock()
		return v, nil
	}
	l.mu.Unlock()

	module, symbol, err := splitIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	if v, err := l.resolveFromSharedObject(module, symbol); err == nil {
		l.store(identifier, v)
		return v, nil
	} else if !errors.Is(err, ErrPluginNotFound) {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.builtins[module]; ok {
		if v, ok := m[symbol]; ok {
			l.cache[identifier] = v
			return v, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, identifier)
	}
	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, identifier)
}

func (l *Loader) store(identifier string, v interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[identifier] = v
}

func (l *Loader) resolveFromSharedObject(module, symbol string) (interface{}, error) {
	for _, dir := range l.searchPaths {
		path := dir + "/" + module + ".so"
		if ok, _ := afero.Exists(l.fs, path); !ok {
			continue
		}
		p, err := stdplugin.Open(path)
		if err != nil {
			return nil, fmt.Errorf("plugin: opening %s: %w", path, err)
		}
		sym, err := p.Lookup(symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, path)
		}
		return sym, nil
	}
	return nil, ErrPluginNotFound
}
