package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func TestEvaluateComparisons(t *testing.T) {
	e := newTestEvaluator(t)
	b := Bindings{
		Output: map[string]any{"status": "done", "count": 3},
		Data:   map[string]any{"threshold": 2},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`$output.status === "done"`, true},
		{`$output.status !== "done"`, false},
		{`$output.count > $data.threshold`, true},
		{`$output.count <= 2`, false},
		{`$output.count == 3 && $output.status == "done"`, true},
		{`$output.count == 4 || $output.status == "done"`, true},
		{`!($output.count == 3)`, false},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(tc.expr, b)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateDollarShorthand(t *testing.T) {
	e := newTestEvaluator(t)
	b := Bindings{Output: map[string]any{"success": true}}

	got, err := e.Evaluate(`$.success === true`, b)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateGetNodeOutput(t *testing.T) {
	e := newTestEvaluator(t)
	b := Bindings{
		Outputs: map[string]any{
			"fetch": map[string]any{"count": 5},
		},
	}

	got, err := e.Evaluate(`$ctx.getNodeOutput("fetch").count == 5`, b)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateTypeof(t *testing.T) {
	e := newTestEvaluator(t)
	b := Bindings{Output: map[string]any{"name": "x", "count": 1, "tags": []any{}}}

	cases := []struct {
		expr string
		want bool
	}{
		{`typeof $output.name === "string"`, true},
		{`typeof $output.count === "number"`, true},
		{`typeof $output.tags === "object"`, true},
		{`typeof $output.missing === "undefined"`, true},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(tc.expr, b)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateArrayIsArrayAndJSONParse(t *testing.T) {
	e := newTestEvaluator(t)
	b := Bindings{Output: map[string]any{
		"tags": []any{"a"},
		"raw":  `["x","y"]`,
	}}

	got, err := e.Evaluate(`Array.isArray($output.tags)`, b)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate(`Array.isArray(JSON.parse($output.raw))`, b)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate(`Array.isArray($output.raw)`, b)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateIncludes(t *testing.T) {
	e := newTestEvaluator(t)
	b := Bindings{Output: map[string]any{
		"labels": []any{"bug", "urgent"},
		"title":  "fix the parser",
	}}

	got, err := e.Evaluate(`$output.labels.includes("bug")`, b)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate(`$output.labels.includes("feature")`, b)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = e.Evaluate(`$output.title.includes("parser")`, b)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateTernaryAndArithmetic(t *testing.T) {
	e := newTestEvaluator(t)
	b := Bindings{Data: map[string]any{"n": 10}}

	got, err := e.Evaluate(`($data.n > 5 ? 1 : 0) == 1`, b)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate(`$data.n * 2 - 5 == 15`, b)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateStatusBinding(t *testing.T) {
	e := newTestEvaluator(t)

	got, err := e.Evaluate(`$status === "completed"`, Bindings{Status: "completed"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateBoolFailsClosed(t *testing.T) {
	e := newTestEvaluator(t)

	assert.False(t, e.EvaluateBool(`this is not an expression ((`, Bindings{}))
	assert.False(t, e.EvaluateBool(`$output.missing.deep == 1`, Bindings{Output: map[string]any{}}))
}

func TestEvaluateNonBoolResultErrors(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.Evaluate(`1 + 1`, Bindings{})
	assert.Error(t, err)
}

func TestEvaluateValue(t *testing.T) {
	e := newTestEvaluator(t)

	v, err := e.EvaluateValue(`"left"`, Bindings{})
	require.NoError(t, err)
	assert.Equal(t, "left", v)
}

func TestProgramCache(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.Evaluate(`$data.x == 1`, Bindings{Data: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	_, err = e.Evaluate(`$data.x == 1`, Bindings{Data: map[string]any{"x": 2}})
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}
