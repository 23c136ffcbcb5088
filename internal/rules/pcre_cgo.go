//go:build cgo

package rules

import "github.com/gijsbers/go-pcre"

// cgoPcreEngine wraps github.com/gijsbers/go-pcre, compiling patterns on
// first use and caching them for the lifetime of the engine instance.
type cgoPcreEngine struct {
	cache map[string]pcre.Regexp
}

// NewPcreEngine returns the real PCRE engine. It is always available when
// the binary is built with cgo enabled.
func NewPcreEngine() PcreEngine {
	return &cgoPcreEngine{cache: map[string]pcre.Regexp{}}
}

func (e *cgoPcreEngine) Available() bool { return true }

func (e *cgoPcreEngine) MatchString(pattern, s string) (bool, error) {
	re, ok := e.cache[pattern]
	if !ok {
		compiled, err := pcre.Compile(pattern, 0)
		if err != nil {
			return false, err
		}
		re = compiled
		e.cache[pattern] = re
	}
	m := re.MatcherString(s, 0)
	return m.Matches(), nil
}
