// Package condition evaluates edge conditions and condition.expression
// nodes. Expressions run inside a CEL environment with four bindings and a
// handful of convenience functions; they can never reach the shell, the
// filesystem, the network, or the host process.
package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Bindings holds the values visible to an expression: $output, $data,
// $status and the per-run outputs table backing $ctx.getNodeOutput(id).
type Bindings struct {
	Output  any
	Data    map[string]any
	Status  string
	Outputs map[string]any
}

// Evaluator compiles and evaluates condition expressions with a compiled
// program cache keyed by the normalized expression.
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() (*Evaluator, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate evaluates an expression and requires a boolean result.
func (e *Evaluator) Evaluate(expr string, b Bindings) (bool, error) {
	out, err := e.EvaluateValue(expr, b)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return boolean, got %T", out)
	}
	return result, nil
}

// EvaluateBool evaluates an edge condition; any error evaluates to false.
func (e *Evaluator) EvaluateBool(expr string, b Bindings) bool {
	result, err := e.Evaluate(expr, b)
	if err != nil {
		return false
	}
	return result
}

// EvaluateValue evaluates an expression and returns its raw result.
func (e *Evaluator) EvaluateValue(expr string, b Bindings) (any, error) {
	normalized := normalize(expr)

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(activation(b))
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	return out.Value(), nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return prg, nil
}

func activation(b Bindings) map[string]any {
	data := b.Data
	if data == nil {
		data = map[string]any{}
	}
	outputs := b.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	var output any = b.Output
	if output == nil {
		output = map[string]any{}
	}
	return map[string]any{
		"output":  output,
		"data":    data,
		"status":  b.Status,
		"outputs": outputs,
	}
}

var (
	getNodeOutputPattern = regexp.MustCompile(`\$ctx\.getNodeOutput\(\s*([^)]*?)\s*\)`)
	typeofPattern        = regexp.MustCompile(`\btypeof\s+([^\s()&|=!<>?:,+\-*/%]+)`)
)

// normalize rewrites the workflow-facing expression surface into CEL before
// compilation. Conditions are written in a JS-flavored dialect; the rewrite
// keeps authored workflows portable without widening what they can touch.
//
//	$output / $data / $status      -> bound identifiers
//	$.field                        -> output.field
//	$ctx.getNodeOutput("id")       -> outputs["id"]
//	=== / !==                      -> == / !=
//	typeof x                       -> typeof(x)
//	Array.isArray(x)               -> isArray(x)
//	JSON.parse(s)                  -> parseJSON(s)
func normalize(expr string) string {
	normalized := getNodeOutputPattern.ReplaceAllString(expr, "outputs[$1]")
	normalized = strings.ReplaceAll(normalized, "$output", "output")
	normalized = strings.ReplaceAll(normalized, "$data", "data")
	normalized = strings.ReplaceAll(normalized, "$status", "status")
	normalized = strings.ReplaceAll(normalized, "$.", "output.")
	normalized = strings.ReplaceAll(normalized, "!==", "!=")
	normalized = strings.ReplaceAll(normalized, "===", "==")
	normalized = strings.ReplaceAll(normalized, "Array.isArray(", "isArray(")
	normalized = strings.ReplaceAll(normalized, "JSON.parse(", "parseJSON(")
	normalized = typeofPattern.ReplaceAllString(normalized, "typeof($1)")
	return normalized
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("data", cel.DynType),
		cel.Variable("status", cel.StringType),
		cel.Variable("outputs", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
		cel.Function("typeof",
			cel.Overload("typeof_dyn", []*cel.Type{cel.DynType}, cel.StringType,
				cel.UnaryBinding(typeofImpl))),
		cel.Function("isArray",
			cel.Overload("isarray_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(isArrayImpl))),
		cel.Function("parseJSON",
			cel.Overload("parsejson_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(parseJSONImpl))),
		cel.Function("includes",
			cel.MemberOverload("dyn_includes_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(includesImpl))),
	)
}

// typeofImpl mirrors the JS operator: arrays and maps report "object",
// null reports "undefined".
func typeofImpl(v ref.Val) ref.Val {
	switch v.(type) {
	case types.String:
		return types.String("string")
	case types.Bool:
		return types.String("boolean")
	case types.Int, types.Uint, types.Double:
		return types.String("number")
	case types.Null:
		return types.String("undefined")
	case traits.Lister, traits.Mapper:
		return types.String("object")
	default:
		return types.String("object")
	}
}

func isArrayImpl(v ref.Val) ref.Val {
	_, ok := v.(traits.Lister)
	return types.Bool(ok)
}

func parseJSONImpl(v ref.Val) ref.Val {
	s, ok := v.(types.String)
	if !ok {
		return types.NewErr("parseJSON expects a string")
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return types.NewErr("parseJSON: %v", err)
	}
	return types.DefaultTypeAdapter.NativeToValue(parsed)
}

// includesImpl supports both string containment and list membership.
func includesImpl(lhs, rhs ref.Val) ref.Val {
	switch l := lhs.(type) {
	case types.String:
		if r, ok := rhs.(types.String); ok {
			return types.Bool(strings.Contains(string(l), string(r)))
		}
		return types.Bool(strings.Contains(string(l), fmt.Sprintf("%v", rhs.Value())))
	case traits.Lister:
		it := l.Iterator()
		for it.HasNext() == types.True {
			if it.Next().Equal(rhs) == types.True {
				return types.True
			}
		}
		return types.False
	default:
		return types.False
	}
}
