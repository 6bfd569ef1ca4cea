// Package template resolves {{expr}} placeholders against a variable scope
// and an optional item document.
//
// Supported expressions:
//
//	Guid                      fresh 32 char lowercase hex id
//	Vars.<key>                variable lookup, "" when unknown
//	item.<path> / $.<path>    dotted path into the item
//	abs(x)                    absolute value, "0" for non-numeric input
//	sign(x, "pos", "neg")     pos when x >= 0
//	coalesce(a, b, "lit")     first non-empty argument
//
// Placeholders nest: {{abs({{Vars.n}})}} resolves the inner placeholder first.
// Helper arguments are split before nested placeholders are resolved, so a
// resolved value may contain commas. Anything else resolves to "".
package template

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"brokerstream/internal/jsonpath"
)

const (
	openTag  = "{{"
	closeTag = "}}"
)

// NewGuid returns a random identifier without dashes.
func NewGuid() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Resolve replaces every placeholder in text. vars and item may be nil.
func Resolve(text string, vars VarSource, item any) string {
	if !strings.Contains(text, openTag) {
		return text
	}
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := matchClose(rest, start)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		inner := strings.TrimSpace(rest[start+len(openTag) : end])
		if name, args, ok := splitCall(inner); ok {
			b.WriteString(call(name, args, vars, item))
		} else {
			if strings.Contains(inner, openTag) {
				inner = Resolve(inner, vars, item)
			}
			b.WriteString(eval(strings.TrimSpace(inner), vars, item))
		}
		rest = rest[end+len(closeTag):]
	}
	return b.String()
}

// matchClose finds the "}}" that closes the "{{" at start, honouring nesting.
func matchClose(s string, start int) int {
	depth := 0
	for i := start; i < len(s)-1; {
		switch {
		case strings.HasPrefix(s[i:], openTag):
			depth++
			i += len(openTag)
		case strings.HasPrefix(s[i:], closeTag):
			depth--
			if depth == 0 {
				return i
			}
			i += len(closeTag)
		default:
			i++
		}
	}
	return -1
}

func eval(expr string, vars VarSource, item any) string {
	switch {
	case strings.EqualFold(expr, "Guid"):
		return NewGuid()
	case hasPrefixFold(expr, "Vars."):
		return lookup(vars, expr[len("Vars."):])
	case hasPrefixFold(expr, "item."):
		return jsonpath.SelectString(item, expr[len("item."):])
	case strings.HasPrefix(expr, "$."):
		return jsonpath.SelectString(item, expr[len("$."):])
	}
	if name, args, ok := splitCall(expr); ok {
		return call(name, args, vars, item)
	}
	// bare {{Key}} is accepted as a Vars lookup
	return lookup(vars, expr)
}

func lookup(vars VarSource, key string) string {
	if vars == nil {
		return ""
	}
	v, _ := vars.Lookup(strings.TrimSpace(key))
	return v
}

func call(name string, args []string, vars VarSource, item any) string {
	switch strings.ToLower(name) {
	case "abs":
		if len(args) < 1 {
			return "0"
		}
		d, err := decimal.NewFromString(strings.TrimSpace(arg(args[0], vars, item)))
		if err != nil {
			return "0"
		}
		return d.Abs().String()
	case "sign":
		if len(args) < 3 {
			return ""
		}
		d, err := decimal.NewFromString(strings.TrimSpace(arg(args[0], vars, item)))
		if err != nil {
			return ""
		}
		if d.Sign() >= 0 {
			return arg(args[1], vars, item)
		}
		return arg(args[2], vars, item)
	case "coalesce":
		for _, a := range args {
			if _, ok := unquote(strings.TrimSpace(a)); ok {
				return arg(a, vars, item)
			}
			if v := arg(a, vars, item); v != "" {
				return v
			}
		}
		return ""
	}
	return ""
}

// arg evaluates a helper argument: quoted literals and nested placeholders
// are resolved as text, known expressions are evaluated, anything else is
// taken verbatim.
func arg(a string, vars VarSource, item any) string {
	a = strings.TrimSpace(a)
	if lit, ok := unquote(a); ok {
		return Resolve(lit, vars, item)
	}
	if strings.Contains(a, openTag) {
		return Resolve(a, vars, item)
	}
	if isExpression(a) {
		return eval(a, vars, item)
	}
	return a
}

func isExpression(a string) bool {
	if strings.EqualFold(a, "Guid") || hasPrefixFold(a, "Vars.") || hasPrefixFold(a, "item.") || strings.HasPrefix(a, "$.") {
		return true
	}
	_, _, ok := splitCall(a)
	return ok
}

func unquote(a string) (string, bool) {
	if len(a) >= 2 {
		if (a[0] == '"' && a[len(a)-1] == '"') || (a[0] == '\'' && a[len(a)-1] == '\'') {
			return a[1 : len(a)-1], true
		}
	}
	return "", false
}

// splitCall parses name(arg, arg, ...) splitting on commas outside quotes,
// parentheses and nested placeholders.
func splitCall(expr string) (string, []string, bool) {
	p := strings.IndexByte(expr, '(')
	if p <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	name := strings.TrimSpace(expr[:p])
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return "", nil, false
		}
	}
	body := expr[p+1 : len(expr)-1]
	var args []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '{':
			depth++
		case c == ')' || c == '}':
			depth--
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(body[last:i]))
			last = i + 1
		}
	}
	if tail := strings.TrimSpace(body[last:]); tail != "" || len(args) > 0 {
		args = append(args, tail)
	}
	return name, args, true
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Render walks a template document and resolves every string leaf. Resolved
// values that parse as a decimal become JSON numbers, "true"/"false" become
// booleans, everything else stays a string. Other leaves pass through.
func Render(doc any, vars VarSource, item any) any {
	switch t := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = Render(v, vars, item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = Render(v, vars, item)
		}
		return out
	case string:
		return retype(Resolve(t, vars, item))
	default:
		return t
	}
}

// ResolveDocument walks a request document and resolves every string leaf
// as text. Unlike Render, resolved strings stay strings.
func ResolveDocument(doc any, vars VarSource, item any) any {
	switch t := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = ResolveDocument(v, vars, item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = ResolveDocument(v, vars, item)
		}
		return out
	case string:
		return Resolve(t, vars, item)
	default:
		return t
	}
}

// ResolveJSON resolves doc with ResolveDocument and encodes the result.
func ResolveJSON(doc any, vars VarSource, item any) ([]byte, error) {
	return json.Marshal(ResolveDocument(doc, vars, item))
}

// RenderHeaders resolves every header value.
func RenderHeaders(headers map[string]string, vars VarSource, item any) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = Resolve(v, vars, item)
	}
	return out
}

func retype(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	if d, err := decimal.NewFromString(trimmed); err == nil {
		return json.Number(d.String())
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
