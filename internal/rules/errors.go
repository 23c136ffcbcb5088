package rules

import "errors"

// RuleParseError wraps any failure to parse a rule string: malformed
// delimiters, an empty rule, an unknown logical operator, or a malformed
// call expression.
type RuleParseError struct {
	Rule string
	Err  error
}

func (e *RuleParseError) Error() string {
	return "rules: failed to parse rule " + quoteForError(e.Rule) + ": " + e.Err.Error()
}

func (e *RuleParseError) Unwrap() error { return e.Err }

func quoteForError(s string) string {
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return "\"" + s + "\""
}

// ErrPcreUnavailable is a hard, rule-set-compile-time error: it is returned
// (never trapped per-clause like other matcher errors) when a rule set
// contains a pcre() clause but the binary was built without the cgo PCRE
// engine.
var ErrPcreUnavailable = errors.New("rules: pcre engine unavailable (built without cgo)")
