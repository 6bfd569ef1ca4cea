// Package jsonpath works on decoded JSON trees (map[string]any, []any,
// json.Number, string, bool, nil) with case-insensitive dotted paths.
package jsonpath

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Decode parses data into a generic tree keeping numbers as json.Number.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// Field returns the member of an object, preferring an exact key match and
// falling back to a case-insensitive one.
func Field(node any, name string) (any, bool) {
	obj, ok := node.(map[string]any)
	if !ok {
		return nil, false
	}
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Select walks a dotted path such as "position.contractSize" or "Data.0.Bid".
// A leading "$." is ignored. Numeric segments index into arrays.
func Select(node any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$.")
	if path == "" || path == "$" {
		return node, node != nil
	}
	cur := node
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch n := cur.(type) {
		case map[string]any:
			v, ok := Field(n, seg)
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, false
			}
			cur = n[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SelectString is Select followed by String; missing paths give "".
func SelectString(node any, path string) string {
	v, ok := Select(node, path)
	if !ok {
		return ""
	}
	return String(v)
}

// First tries candidates in order and returns the first one holding a
// non-empty scalar value together with the candidate that matched.
func First(node any, candidates []string) (string, string, bool) {
	for _, c := range candidates {
		if s := SelectString(node, c); s != "" {
			return s, c, true
		}
	}
	return "", "", false
}

// String renders a leaf. Numbers use invariant decimal formatting, objects
// and arrays are rendered as compact JSON.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return FormatNumber(t.String())
	case float64:
		return decimal.NewFromFloat(t).String()
	case float32:
		return decimal.NewFromFloat32(t).String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// FormatNumber normalises a numeric literal ("1.1000" -> "1.1", "1e2" -> "100").
// Anything that does not parse is returned unchanged.
func FormatNumber(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.String()
}

// Clone deep-copies a tree so callers can modify the copy freely.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return t
	}
}

// Set assigns value at key inside obj, reusing an existing key that matches
// case-insensitively so "currency" does not sit next to "Currency".
func Set(obj map[string]any, key string, value any) {
	if _, ok := obj[key]; ok {
		obj[key] = value
		return
	}
	for k := range obj {
		if strings.EqualFold(k, key) {
			obj[k] = value
			return
		}
	}
	obj[key] = value
}

// Child returns the object stored under key, creating it when absent or
// when the existing value is not an object.
func Child(obj map[string]any, key string) map[string]any {
	if v, ok := Field(obj, key); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	m := map[string]any{}
	Set(obj, key, m)
	return m
}

// Has reports whether key is present with a non-empty value.
func Has(node any, key string) bool {
	v, ok := Field(node, key)
	return ok && String(v) != ""
}
