package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/plugin"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Predicate is the function signature a plugin-resolved clause method must
// satisfy. Anything resolved that does not satisfy this signature is
// treated as a non-match, per the matcher's "non-boolean result means
// false" rule.
type Predicate func(value interface{}, args []interface{}, kwargs map[string]interface{}) (bool, error)

var builtinMethods = map[string]bool{
	"regexpr": true, "pcre": true, "contains": true, "equals": true, "starts_with": true,
}

// Matcher evaluates compiled rules against metadata dictionaries. One
// Matcher is owned by a single transformation engine instance; it holds no
// package-level state, only the rate limiter for unknown-flag warnings
// (mirroring the pack's rate-limited-warning pattern for noisy, repeatable
// conditions) and the regexp cache, both scoped to this Matcher's lifetime.
type Matcher struct {
	loader *plugin.Loader
	pcre   PcreEngine
	logger *zap.Logger

	warnLimiter *rate.Limiter

	mu        sync.Mutex
	reCache   map[string]*regexp.Regexp
}

// NewMatcher constructs a Matcher. logger may be nil, in which case
// diagnostic messages are dropped.
func NewMatcher(loader *plugin.Loader, pcreEngine PcreEngine, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		loader:      loader,
		pcre:        pcreEngine,
		logger:      logger,
		warnLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		reCache:     map[string]*regexp.Regexp{},
	}
}

// Evaluate folds the rule's clauses left-to-right with its operators, with
// no operator precedence: for N clauses there are exactly N-1 operators,
// applied strictly in the order they appear.
func (m *Matcher) Evaluate(rule *Rule, dict metadata.Dict) (bool, error) {
	if rule.Always {
		return true, nil
	}
	if len(rule.Clauses) == 0 {
		return false, fmt.Errorf("rules: rule has no clauses")
	}
	if rule.HasMixedOperators() {
		m.logger.Warn("rule mixes and/or/xor with no precedence; evaluating strictly left-to-right")
	}
	result, err := m.evaluateClause(rule.Clauses[0], dict)
	if err != nil {
		return false, err
	}
	for i, op := range rule.Operators {
		next, err := m.evaluateClause(rule.Clauses[i+1], dict)
		if err != nil {
			return false, err
		}
		result = applyOperator(op, result, next)
	}
	return result, nil
}

func applyOperator(op string, a, b bool) bool {
	switch op {
	case "and":
		return a && b
	case "or":
		return a || b
	case "xor":
		return a != b
	}
	return false
}

func (m *Matcher) evaluateClause(c Clause, dict metadata.Dict) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = false, nil
		}
	}()

	v, ok := dict[c.Key]
	if !ok {
		return false, nil
	}

	var matched bool
	matched, err = m.dispatch(c.Method, v, c.Args, c.Kwargs)
	if err != nil {
		if err == ErrPcreUnavailable {
			return false, err
		}
		// All other clause-evaluation errors are trapped: the clause is
		// simply false, never propagated to the caller.
		return false, nil
	}
	if c.Negate {
		matched = !matched
	}
	return matched, nil
}

func (m *Matcher) dispatch(method string, v interface{}, args []interface{}, kwargs map[string]interface{}) (bool, error) {
	switch method {
	case "regexpr":
		return m.matchRegexpr(v, args, kwargs)
	case "pcre":
		return m.matchPcre(v, args)
	case "contains":
		return matchContains(v, args)
	case "equals":
		return matchEquals(v, args)
	case "starts_with":
		return matchStartsWith(v, args)
	}

	identifier := method
	if !strings.Contains(method, ".") {
		identifier = "builtin." + method
	}
	sym, err := m.loader.Resolve(identifier)
	if err != nil {
		return false, err
	}
	switch pred := sym.(type) {
	case Predicate:
		return pred(v, args, kwargs)
	case func(interface{}, []interface{}, map[string]interface{}) (bool, error):
		return pred(v, args, kwargs)
	}
	return false, nil
}

func (m *Matcher) matchRegexpr(v interface{}, args []interface{}, kwargs map[string]interface{}) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("regexpr: expected exactly one positional argument")
	}
	pattern, ok := args[0].(string)
	if !ok {
		return false, fmt.Errorf("regexpr: pattern must be a string")
	}
	prefix := m.flagsPrefix(kwargs)
	key := prefix + pattern
	m.mu.Lock()
	re, cached := m.reCache[key]
	m.mu.Unlock()
	if !cached {
		compiled, err := regexp.Compile(prefix + pattern)
		if err != nil {
			return false, err
		}
		re = compiled
		m.mu.Lock()
		m.reCache[key] = re
		m.mu.Unlock()
	}
	return re.MatchString(toString(v)), nil
}

func (m *Matcher) flagsPrefix(kwargs map[string]interface{}) string {
	raw, ok := kwargs["flags"]
	if !ok {
		return ""
	}
	list, ok := raw.([]interface{})
	if !ok {
		return ""
	}
	var mode strings.Builder
	for _, f := range list {
		name, _ := f.(string)
		switch strings.ToUpper(name) {
		case "IGNORECASE":
			mode.WriteByte('i')
		case "MULTILINE":
			mode.WriteByte('m')
		case "DOTALL":
			mode.WriteByte('s')
		default:
			if m.warnLimiter.Allow() {
				m.logger.Warn("unknown regexpr flag ignored", zap.String("flag", name))
			}
		}
	}
	if mode.Len() == 0 {
		return ""
	}
	return "(?" + mode.String() + ")"
}

func (m *Matcher) matchPcre(v interface{}, args []interface{}) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("pcre: expected exactly one positional argument")
	}
	pattern, ok := args[0].(string)
	if !ok {
		return false, fmt.Errorf("pcre: pattern must be a string")
	}
	if !m.pcre.Available() {
		return false, ErrPcreUnavailable
	}
	return m.pcre.MatchString(pattern, toString(v))
}

func matchContains(v interface{}, args []interface{}) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("contains: expected exactly one positional argument")
	}
	if list, ok := v.([]string); ok {
		sub, _ := args[0].(string)
		for _, item := range list {
			if item == sub {
				return true, nil
			}
		}
		return false, nil
	}
	sub := toString(args[0])
	return strings.Contains(toString(v), sub), nil
}

func matchEquals(v interface{}, args []interface{}) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("equals: expected exactly one positional argument")
	}
	return toString(v) == toString(args[0]), nil
}

func matchStartsWith(v interface{}, args []interface{}) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("starts_with: expected exactly one positional argument")
	}
	prefix, _ := args[0].(string)
	return strings.HasPrefix(toString(v), prefix), nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}
