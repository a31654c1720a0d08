// Package resolver substitutes {{path}} templates in node configs and edge
// conditions against run data and upstream node outputs.
package resolver

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveConfig resolves every value in a config map. The input map is not
// modified.
func ResolveConfig(config, data, outputs map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		resolved[key] = ResolveValue(value, data, outputs)
	}
	return resolved
}

// ResolveValue recursively resolves a value (string, map, array). Primitives
// and other non-strings pass through untouched.
func ResolveValue(value any, data, outputs map[string]any) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, data, outputs)
	case map[string]any:
		return ResolveConfig(v, data, outputs)
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = ResolveValue(item, data, outputs)
		}
		return resolved
	default:
		return value
	}
}

// ResolveString resolves templates in a single string. When the entire
// string is one placeholder the referenced value is returned with its
// original type; otherwise each placeholder is stringified in place.
// Unresolvable placeholders are left literal so a failed substitution is
// visible downstream.
func ResolveString(s string, data, outputs map[string]any) any {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-value single placeholder keeps the raw type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		if value, ok := Lookup(path, data, outputs); ok {
			return value
		}
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		value, ok := Lookup(path, data, outputs)
		if !ok {
			return m
		}
		return stringify(value)
	})
}

// Lookup dereferences a dot-separated path: first against run data, then
// treating the first segment as a node id into that node's output.
func Lookup(path string, data, outputs map[string]any) (any, bool) {
	if path == "" {
		return nil, false
	}

	if value, ok := lookupIn(data, path); ok {
		return value, true
	}

	nodeID, rest, hasRest := strings.Cut(path, ".")
	output, ok := outputs[nodeID]
	if !ok {
		return nil, false
	}
	if !hasRest {
		return output, true
	}
	if m, ok := output.(map[string]any); ok {
		return lookupIn(m, rest)
	}
	return nil, false
}

// lookupIn walks a dotted path inside a map. Direct key hits win over path
// traversal so keys containing dots still resolve.
func lookupIn(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if value, ok := m[path]; ok {
		return value, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// stringify renders a resolved value for in-place interpolation. Strings
// pass through; everything else uses canonical JSON.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
