package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Clause is one (optionally negated) `KEY <-> CALL(...)` term of a rule.
type Clause struct {
	Negate bool
	Key    string
	Method string
	Args   []interface{}
	Kwargs map[string]interface{}
}

// Rule is a compiled predicate: either the unconditional "always" sentinel,
// or a sequence of clauses folded left-to-right by Operators (len(Operators)
// == len(Clauses)-1).
type Rule struct {
	Always    bool
	Clauses   []Clause
	Operators []string // "and", "or", "xor", lower-cased.
}

var kwargRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\s*=`)

var validOperators = map[string]bool{"and": true, "or": true, "xor": true}

// ParseRule compiles a rule string. The literal trimmed string "always"
// compiles to the unconditional rule. Otherwise the string must be
// delimited by "||" at both ends and between clauses, with and/or/xor
// (case-insensitive) joining them, strictly left-associative.
func ParseRule(raw string) (*Rule, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &RuleParseError{Rule: raw, Err: fmt.Errorf("empty rule")}
	}
	if strings.EqualFold(trimmed, "always") {
		return &Rule{Always: true}, nil
	}

	segments := splitTopLevel(trimmed, "||", true)
	if len(segments) < 3 || len(segments)%2 == 0 {
		return nil, &RuleParseError{Rule: raw, Err: fmt.Errorf("malformed || delimiters")}
	}
	if strings.TrimSpace(segments[0]) != "" || strings.TrimSpace(segments[len(segments)-1]) != "" {
		return nil, &RuleParseError{Rule: raw, Err: fmt.Errorf("rule must start and end with ||")}
	}

	rule := &Rule{}
	for i := 1; i < len(segments); i += 2 {
		clause, err := parseClause(segments[i])
		if err != nil {
			return nil, &RuleParseError{Rule: raw, Err: err}
		}
		rule.Clauses = append(rule.Clauses, clause)
		if i+1 < len(segments)-1 {
			op := strings.ToLower(strings.TrimSpace(segments[i+1]))
			if !validOperators[op] {
				return nil, &RuleParseError{Rule: raw, Err: fmt.Errorf("unknown operator %q", op)}
			}
			rule.Operators = append(rule.Operators, op)
		}
	}
	return rule, nil
}

// HasMixedOperators reports whether a rule combines more than one distinct
// logical operator, which is almost certainly not what the author intended
// given the strict left-associative (no-precedence) fold: callers should
// log a one-line warning when this is true.
func (r *Rule) HasMixedOperators() bool {
	seen := map[string]bool{}
	for _, op := range r.Operators {
		seen[op] = true
	}
	return len(seen) > 1
}

func parseClause(s string) (Clause, error) {
	s = strings.TrimSpace(s)
	negate := false
	if len(s) >= 4 && strings.EqualFold(s[:3], "not") && (s[3] == ' ' || s[3] == '\t') {
		negate = true
		s = strings.TrimSpace(s[4:])
	}

	parts := splitTopLevel(s, "<->", true)
	if len(parts) != 2 {
		return Clause{}, fmt.Errorf("clause must have exactly one <->: %q", s)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return Clause{}, fmt.Errorf("clause is missing a key")
	}
	method, args, kwargs, err := parseCall(strings.TrimSpace(parts[1]))
	if err != nil {
		return Clause{}, err
	}
	return Clause{Negate: negate, Key: key, Method: method, Args: args, Kwargs: kwargs}, nil
}

func parseCall(s string) (method string, args []interface{}, kwargs map[string]interface{}, err error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", nil, nil, fmt.Errorf("malformed call expression: %q", s)
	}
	method = strings.TrimSpace(s[:open])
	if method == "" {
		return "", nil, nil, fmt.Errorf("call expression is missing an identifier: %q", s)
	}
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	kwargs = map[string]interface{}{}
	if inner == "" {
		return method, nil, kwargs, nil
	}
	for _, tok := range splitTopLevel(inner, ",", true) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if loc := kwargRE.FindStringIndex(tok); loc != nil {
			eq := strings.IndexByte(tok, '=')
			name := strings.TrimSpace(tok[:eq])
			val, verr := parseLiteral(strings.TrimSpace(tok[eq+1:]))
			if verr != nil {
				return "", nil, nil, verr
			}
			kwargs[name] = val
			continue
		}
		val, verr := parseLiteral(tok)
		if verr != nil {
			return "", nil, nil, verr
		}
		args = append(args, val)
	}
	return method, args, kwargs, nil
}

func parseLiteral(tok string) (interface{}, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, fmt.Errorf("empty literal")
	}
	if strings.EqualFold(tok, "true") {
		return true, nil
	}
	if strings.EqualFold(tok, "false") {
		return false, nil
	}
	if unq, ok := unquote(tok); ok {
		return unq, nil
	}
	if strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]") {
		inner := strings.TrimSpace(tok[1 : len(tok)-1])
		if inner == "" {
			return []interface{}{}, nil
		}
		var list []interface{}
		for _, elemTok := range splitTopLevel(inner, ",", true) {
			v, err := parseLiteral(strings.TrimSpace(elemTok))
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("malformed literal: %q", tok)
}
