package rules

import (
	"fmt"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/plugin"

	"go.uber.org/zap"
)

// Handler transforms a metadata dictionary. It receives the cumulative
// output of earlier handlers in the rule set and must return a full
// replacement dictionary, not a diff. state is nil unless the resolved
// symbol implements StatefulHandler.
type Handler func(in metadata.Dict, logger *zap.Logger, state interface{}, args []interface{}, kwargs map[string]interface{}) (metadata.Dict, error)

// StatefulHandler is implemented by handlers that need memory across
// invocations (e.g. a cache keyed by track ID). NewState is called exactly
// once, at rule-set compile time, and the returned value is threaded back
// into every subsequent Apply call for that handler. There is no
// package-level mutable state anywhere in this reimplementation: all such
// state is allocated and owned by the Engine.
type StatefulHandler interface {
	NewState() interface{}
	Apply(in metadata.Dict, logger *zap.Logger, state interface{}, args []interface{}, kwargs map[string]interface{}) (metadata.Dict, error)
}

// RuleSetEntry is one (rule, handler, args, kwargs) tuple from configuration.
type RuleSetEntry struct {
	Rule    string
	Handler string
	Args    []interface{}
	Kwargs  map[string]interface{}
}

type compiledEntry struct {
	rule      *Rule
	handlerID string
	handler   interface{}
	state     interface{}
	args      []interface{}
	kwargs    map[string]interface{}
}

// Engine applies an ordered rule set to metadata dictionaries. It is pure
// with respect to bus state: it only ever receives and returns
// dictionaries. One Engine is built per configuration generation; a config
// hot-reload builds a fresh Engine and swaps it in atomically rather than
// mutating this one in place.
type Engine struct {
	loader  *plugin.Loader
	matcher *Matcher
	logger  *zap.Logger
	entries []compiledEntry
}

// NewEngine constructs an uninitialized engine; call Init with the rule set
// before the first Apply.
func NewEngine(loader *plugin.Loader, matcher *Matcher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{loader: loader, matcher: matcher, logger: logger}
}

// RegisterBuiltins installs the handlers every configuration can reference
// without an external plugin, currently just the identity transform used by
// the "always -> builtin.passthrough" fallback entry.
func RegisterBuiltins(loader *plugin.Loader) {
	loader.RegisterBuiltin("builtin", "passthrough", Handler(
		func(in metadata.Dict, _ *zap.Logger, _ interface{}, _ []interface{}, _ map[string]interface{}) (metadata.Dict, error) {
			return in, nil
		}))
}

// Init compiles every entry in order: parsing its rule string, resolving its
// handler identifier, and allocating per-handler state exactly once. A
// pcre() clause compiled against a PCRE-unavailable build fails the entire
// Init call with ErrPcreUnavailable, per spec a hard rule-set-compile-time
// error rather than a per-clause one.
func (e *Engine) Init(entries []RuleSetEntry) error {
	compiled := make([]compiledEntry, 0, len(entries))
	for _, ent := range entries {
		rule, err := ParseRule(ent.Rule)
		if err != nil {
			return err
		}
		if usesPcre(rule) && !e.matcher.pcre.Available() {
			return ErrPcreUnavailable
		}
		sym, err := e.loader.Resolve(ent.Handler)
		if err != nil {
			return fmt.Errorf("rules: resolving handler %q: %w", ent.Handler, err)
		}
		var state interface{}
		if sh, ok := sym.(StatefulHandler); ok {
			state = sh.NewState()
		}
		compiled = append(compiled, compiledEntry{
			rule: rule, handlerID: ent.Handler, handler: sym, state: state,
			args: ent.Args, kwargs: ent.Kwargs,
		})
	}
	e.entries = compiled
	return nil
}

func usesPcre(r *Rule) bool {
	for _, c := range r.Clauses {
		if c.Method == "pcre" {
			return true
		}
	}
	return false
}

// Apply runs the compiled rule set against in, returning the transformed
// dictionary. On any handler error, Apply stops immediately and returns the
// error alongside the original, unmodified input: the caller (the Player)
// is responsible for logging and retaining its previously cached metadata.
func (e *Engine) Apply(in metadata.Dict) (metadata.Dict, error) {
	working := in.Clone()
	for _, ent := range e.entries {
		matched, err := e.matcher.Evaluate(ent.rule, working)
		if err != nil {
			return in, err
		}
		if !matched {
			continue
		}
		out, err := e.invoke(ent, working)
		if err != nil {
			return in, fmt.Errorf("rules: handler %q: %w", ent.handlerID, err)
		}
		working = out
	}
	return working, nil
}

func (e *Engine) invoke(ent compiledEntry, working metadata.Dict) (metadata.Dict, error) {
	switch h := ent.handler.(type) {
	case StatefulHandler:
		return h.Apply(working, e.logger, ent.state, ent.args, ent.kwargs)
	case Handler:
		return h(working, e.logger, nil, ent.args, ent.kwargs)
	case func(metadata.Dict, *zap.Logger, interface{}, []interface{}, map[string]interface{}) (metadata.Dict, error):
		return h(working, e.logger, nil, ent.args, ent.kwargs)
	default:
		return working, fmt.Errorf("handler %q has an unsupported signature", ent.handlerID)
	}
}
