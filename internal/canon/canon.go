// Package canon implements the canonical serializer spec.md §4.3 and §9
// require for trial identity hashing: sorted keys at every map level,
// preserved list order, and bit-stable float formatting, so that two
// independent language implementations given the same header fields produce
// byte-identical hash input.
package canon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// String renders v in canonical form. v is expected to be built from the
// JSON-like value set (map[string]any, []any, string, float64, bool, nil)
// that Configuration, Host and Version values reduce to.
func String(v any) string {
	var b strings.Builder
	write(&b, v)
	return b.String()
}

func write(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString(strconv.Quote(x))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case float64:
		b.WriteString(formatFloat(x))
	case float32:
		b.WriteString(formatFloat(float64(x)))
	case int:
		b.WriteString(strconv.Itoa(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			write(b, e)
		}
		b.WriteByte(']')
	case map[string]any:
		writeMap(b, x)
	default:
		writeReflectMap(b, v)
	}
}

func writeMap(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		write(b, m[k])
	}
	b.WriteByte('}')
}

// writeReflectMap handles a value with a Canon() map[string]any method by
// writing that map; any other value is written as the quoted fmt.Sprint
// text rather than failing closed.
func writeReflectMap(b *strings.Builder, v any) {
	type keyed interface{ Canon() map[string]any }
	if k, ok := v.(keyed); ok {
		writeMap(b, k.Canon())
		return
	}
	b.WriteString(strconv.Quote(fmt.Sprint(v)))
}

// formatFloat matches the original implementation's choice of the shortest
// round-trippable decimal representation, so the same float always produces
// the same bytes regardless of how it arrived (parsed from JSON, computed).
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
