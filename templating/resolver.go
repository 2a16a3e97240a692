// Package templating substitutes {{path}} placeholders in connector
// configuration with values from a run's execution context.
//
// A placeholder holds a dotted path, e.g. {{n1.output.items.0.name}}. Paths
// that do not resolve are replaced by an empty string. Only malformed syntax
// is an error.
package templating

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"flow-runner/shared"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

var pathPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

// Lookup resolves a dotted path. *shared.ExecutionContext satisfies it.
type Lookup interface {
	Get(path string) (interface{}, bool)
}

// Resolve replaces every placeholder in tmpl. A string without placeholders is
// returned unchanged, which makes resolution idempotent on resolved text.
func Resolve(tmpl string, data Lookup) (string, error) {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl, nil
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	rest := tmpl
	offset := 0
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])

		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return "", &shared.TemplateError{Template: tmpl, Offset: offset + start, Reason: "unterminated placeholder"}
		}
		expr := strings.TrimSpace(rest[start+len(openDelim) : start+len(openDelim)+end])
		if expr == "" {
			return "", &shared.TemplateError{Template: tmpl, Offset: offset + start, Reason: "empty placeholder"}
		}
		if !pathPattern.MatchString(expr) {
			return "", &shared.TemplateError{Template: tmpl, Offset: offset + start, Reason: "invalid path " + strconv.Quote(expr)}
		}

		if data != nil {
			if v, ok := data.Get(expr); ok {
				b.WriteString(Stringify(v))
			}
		}

		consumed := start + len(openDelim) + end + len(closeDelim)
		rest = rest[consumed:]
		offset += consumed
	}
}

// ResolveValue resolves every string leaf and every map key of a JSON-like
// document. Maps and slices are copied; the input is left untouched.
func ResolveValue(doc interface{}, data Lookup) (interface{}, error) {
	switch v := doc.(type) {
	case string:
		return Resolve(v, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			key, err := Resolve(k, data)
			if err != nil {
				return nil, err
			}
			resolved, err := ResolveValue(item, data)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := ResolveValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			key, err := Resolve(k, data)
			if err != nil {
				return nil, err
			}
			resolved, err := Resolve(item, data)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	default:
		return doc, nil
	}
}

// Stringify renders a context value for substitution into text
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
