// Package cmdline implements the minimal argv<->configuration round trip
// trial.Branch's merge step depends on (spec.md §4.3.4), grounded on
// original_source/src/kleio/core/io/cmdline_parser.py. This is not a CLI
// flag framework: no subcommands, no help text, only parse/format/reparse.
package cmdline

import (
	"fmt"
	"strconv"
	"strings"

	"chronicle.dev/chronicle/trial"
)

// Template is a parsed commandline: each element is either a literal
// (positional argument or program name) or a "{key}" placeholder Format
// substitutes a configuration value into.
type Template []string

// Parse tokenizes argv into a Template and the Configuration of values it
// carries. "--key value" and "--key=value" forms are both recognized;
// "--flag" with no value is treated as a boolean true. A bare token (no
// leading "--") is kept as a positional literal in the template and does
// not appear in the configuration.
func Parse(argv []string) (Template, trial.Configuration, error) {
	tmpl := make(Template, 0, len(argv))
	cfg := make(trial.Configuration)
	pos := 0

	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		if !strings.HasPrefix(tok, "--") {
			tmpl = append(tmpl, tok)
			continue
		}
		key, value, hasValue := strings.Cut(tok[2:], "=")
		if key == "" {
			return nil, nil, fmt.Errorf("cmdline: empty flag name in %q", tok)
		}
		if !hasValue {
			if i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "--") {
				value = argv[i+1]
				i++
			} else {
				value = "true"
			}
		}
		cfg[key] = trial.ConfigValue{Scalar: parseScalar(value)}
		tmpl = append(tmpl, "--"+key, "{"+key+"}")
		pos++
	}
	return tmpl, cfg, nil
}

// Format substitutes cfg's values into tmpl, producing an argv slice
// suitable for exec.Command. Every "{key}" placeholder in tmpl must have a
// corresponding entry in cfg.
func Format(tmpl Template, cfg trial.Configuration) ([]string, error) {
	out := make([]string, 0, len(tmpl))
	for _, tok := range tmpl {
		if strings.HasPrefix(tok, "{") && strings.HasSuffix(tok, "}") {
			key := tok[1 : len(tok)-1]
			v, ok := cfg[key]
			if !ok {
				return nil, fmt.Errorf("cmdline: missing configuration value for %q", key)
			}
			out = append(out, formatScalar(v))
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

// Merge overlays overrides onto base, returning a new Configuration; values
// present in overrides win. Neither input is mutated.
func Merge(base, overrides trial.Configuration) trial.Configuration {
	merged := make(trial.Configuration, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func parseScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func formatScalar(v trial.ConfigValue) string {
	if v.File != "" {
		return v.File
	}
	switch x := v.Scalar.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
