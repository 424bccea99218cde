// Package template renders the narrow "{{ path.to.value }}" grammar
// used in goal step params and payload templates. Unlike the reference
// platform's Jinja2 engine, it resolves only dotted lookups rooted at
// trigger, params, or prev — no expressions, filters, or control flow.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render substitutes every "{{ path.to.value }}" reference in s with
// its resolved value from context. A string with no "{{" is returned
// unchanged. A reference that cannot be resolved is left verbatim
// (the engine never raises; it logs and moves on), matching the
// reference platform's fail-open behavior.
//
// When the entire string is exactly one reference, the resolved value
// is returned as-is (preserving its type); otherwise every reference
// is stringified and interpolated into the surrounding text.
func Render(s string, context map[string]interface{}) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}

	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		val, ok := lookup(context, m[1])
		if !ok {
			log.Debug().Str("ref", m[1]).Msg("unresolved template reference")
			return s
		}
		return val
	}

	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := refPattern.FindStringSubmatch(match)[1]
		val, ok := lookup(context, path)
		if !ok {
			log.Debug().Str("ref", path).Msg("unresolved template reference")
			return match
		}
		return stringify(val)
	})
}

// RenderDict recursively renders every string value in data, leaving
// non-string scalars untouched and descending into nested maps/lists.
func RenderDict(data map[string]interface{}, context map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = renderValue(v, context)
	}
	return out
}

func renderValue(v interface{}, context map[string]interface{}) interface{} {
	switch x := v.(type) {
	case string:
		return Render(x, context)
	case map[string]interface{}:
		return RenderDict(x, context)
	case []interface{}:
		rendered := make([]interface{}, len(x))
		for i, item := range x {
			rendered[i] = renderValue(item, context)
		}
		return rendered
	default:
		return v
	}
}

// lookup resolves a dotted path (e.g. "trigger.event.name") against
// context, descending through nested maps.
func lookup(context map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = context
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}
