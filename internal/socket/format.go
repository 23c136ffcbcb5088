package socket

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rkallin/mprisbridge/internal/metadata"
)

// naSentinel is substituted for a str-template placeholder whose key is
// absent from the outbound metadata.
const naSentinel = "N/A"

// Formatter renders a wire-ready (':' already rewritten to '|') metadata
// dictionary for one client, according to the format it negotiated at
// handshake time.
type Formatter interface {
	Format(d metadata.Dict) ([]byte, error)
}

// allFormatter emits the full dictionary as JSON, keys already
// pipe-separated by the caller.
type allFormatter struct{}

func (allFormatter) Format(d metadata.Dict) ([]byte, error) { return json.Marshal(d) }

var placeholderRE = regexp.MustCompile(`\{([a-zA-Z0-9_|]+)\}`)

// strFormatter substitutes {key} placeholders into a template string.
type strFormatter struct{ template string }

func (f strFormatter) Format(d metadata.Dict) ([]byte, error) {
	out := placeholderRE.ReplaceAllStringFunc(f.template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := d[key]
		if !ok {
			return naSentinel
		}
		return fmt.Sprintf("%v", v)
	})
	return []byte(out), nil
}

// jsonFormatter substitutes |key| tokens into the string-valued fields of a
// template object, emitting a JSON object with the same key set.
type jsonFormatter struct{ template map[string]interface{} }

var tokenRE = regexp.MustCompile(`^\|([a-zA-Z0-9_|]+)\|$`)

func (f jsonFormatter) Format(d metadata.Dict) ([]byte, error) {
	out := make(map[string]interface{}, len(f.template))
	for k, v := range f.template {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if m := tokenRE.FindStringSubmatch(s); m != nil {
			if val, ok := d[m[1]]; ok {
				out[k] = val
			} else {
				out[k] = naSentinel
			}
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// compileFormat builds the Formatter named by a handshake's format_type and
// format fields, per the wire contract in the configuration/handshake
// documentation.
func compileFormat(formatType string, format interface{}) (Formatter, error) {
	if s, ok := format.(string); ok && s == "all" {
		return allFormatter{}, nil
	}
	switch formatType {
	case "str":
		tmpl, ok := format.(string)
		if !ok {
			return nil, fmt.Errorf("socket: format_type str requires a string format")
		}
		return strFormatter{template: tmpl}, nil
	case "json":
		tmpl, ok := format.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("socket: format_type json requires an object format")
		}
		return jsonFormatter{template: tmpl}, nil
	default:
		return nil, fmt.Errorf("socket: unknown format_type %q", formatType)
	}
}

// knownIntervals enumerates the valid handshake interval selectors.
var knownIntervals = map[string]bool{
	"ON_METADATA": true,
	"ON_STATUS":   true,
	"ON_SEEK":     true,
	"ON_EVENT":    true,
	"ON_PLAYER":   true,
}

func validInterval(s string) bool { return knownIntervals[strings.ToUpper(s)] }
