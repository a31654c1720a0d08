package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWholeValuePreservesType(t *testing.T) {
	data := map[string]any{
		"n":    42,
		"ok":   true,
		"list": []any{"a", "b"},
		"obj":  map[string]any{"k": "v"},
	}

	assert.Equal(t, 42, ResolveValue("{{n}}", data, nil))
	assert.Equal(t, true, ResolveValue("{{ok}}", data, nil))
	assert.Equal(t, []any{"a", "b"}, ResolveValue("{{list}}", data, nil))
	assert.Equal(t, map[string]any{"k": "v"}, ResolveValue("{{obj}}", data, nil))
}

func TestResolveEmbeddedPlaceholderStringifies(t *testing.T) {
	data := map[string]any{"n": 42, "name": "fleet"}

	assert.Equal(t, "count=42", ResolveValue("count={{n}}", data, nil))
	assert.Equal(t, "hello fleet!", ResolveValue("hello {{name}}!", data, nil))
}

func TestResolveDottedPath(t *testing.T) {
	data := map[string]any{
		"task": map[string]any{
			"id":    "t-1",
			"owner": map[string]any{"name": "sam"},
		},
	}

	assert.Equal(t, "t-1", ResolveValue("{{task.id}}", data, nil))
	assert.Equal(t, "sam", ResolveValue("{{task.owner.name}}", data, nil))
}

func TestResolveNodeOutputFallback(t *testing.T) {
	outputs := map[string]any{
		"fetch": map[string]any{"status": "done", "count": float64(3)},
	}

	assert.Equal(t, "done", ResolveValue("{{fetch.status}}", map[string]any{}, outputs))
	assert.Equal(t, float64(3), ResolveValue("{{fetch.count}}", map[string]any{}, outputs))
}

func TestResolveDataWinsOverNodeOutput(t *testing.T) {
	data := map[string]any{"fetch": map[string]any{"status": "from-data"}}
	outputs := map[string]any{"fetch": map[string]any{"status": "from-output"}}

	assert.Equal(t, "from-data", ResolveValue("{{fetch.status}}", data, outputs))
}

func TestResolveUnresolvedLeftLiteral(t *testing.T) {
	assert.Equal(t, "{{missing}}", ResolveValue("{{missing}}", map[string]any{}, nil))
	assert.Equal(t, "x={{nope.deep}}", ResolveValue("x={{nope.deep}}", map[string]any{}, nil))
}

func TestResolveConfigRecursive(t *testing.T) {
	data := map[string]any{"branch": "feat/x", "n": 2}

	cfg := map[string]any{
		"branch": "{{branch}}",
		"nested": map[string]any{"count": "{{n}}"},
		"list":   []any{"{{branch}}", "literal"},
		"plain":  7,
	}
	resolved := ResolveConfig(cfg, data, nil)

	require.Equal(t, "feat/x", resolved["branch"])
	assert.Equal(t, 2, resolved["nested"].(map[string]any)["count"])
	assert.Equal(t, []any{"feat/x", "literal"}, resolved["list"])
	assert.Equal(t, 7, resolved["plain"])
}

func TestResolveNilAndNonStringPassThrough(t *testing.T) {
	assert.Nil(t, ResolveValue(nil, map[string]any{}, nil))
	assert.Equal(t, 5, ResolveValue(5, map[string]any{}, nil))
	assert.Equal(t, "null", ResolveValue("v={{x}}", map[string]any{"x": nil}, nil))
}
