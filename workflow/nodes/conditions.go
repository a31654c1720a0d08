package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/supervisor/workflow/condition"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// The pack shares one expression evaluator; compiled programs are cached
// inside it.
var (
	evalOnce sync.Once
	eval     *condition.Evaluator
	evalErr  error
)

func evaluator() (*condition.Evaluator, error) {
	evalOnce.Do(func() {
		eval, evalErr = condition.NewEvaluator()
	})
	return eval, evalErr
}

func bindingsFor(ec *execution.Context, sourceNodeID string) condition.Bindings {
	b := condition.Bindings{
		Data:    ec.DataSnapshot(),
		Outputs: ec.NodeOutputs(),
	}
	if sourceNodeID != "" {
		b.Output, _ = ec.NodeOutput(sourceNodeID)
		b.Status = string(ec.NodeStatus(sourceNodeID))
	}
	return b
}

// conditionExpression evaluates config.expression and routes through the
// "true"/"false" ports. An expression that fails to parse or evaluate fails
// the node, unlike edge conditions which fail closed.
func conditionExpression(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	expr, err := requireString(node.Config, "expression")
	if err != nil {
		return nil, err
	}

	ev, err := evaluator()
	if err != nil {
		return nil, err
	}

	result, err := ev.Evaluate(expr, bindingsFor(ec, getString(node.Config, "sourceNodeId")))
	if err != nil {
		return nil, fmt.Errorf("expression failed: %w", err)
	}

	port := "false"
	if result {
		port = "true"
	}
	return map[string]any{
		"result":      result,
		"matchedPort": port,
	}, nil
}

// conditionSwitch evaluates config.value and routes to the port named by
// the matching case, or "default" when nothing matches.
func conditionSwitch(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	valueExpr, err := requireString(node.Config, "value")
	if err != nil {
		return nil, err
	}
	cases := getMap(node.Config, "cases")

	ev, err := evaluator()
	if err != nil {
		return nil, err
	}

	value, err := ev.EvaluateValue(valueExpr, bindingsFor(ec, getString(node.Config, "sourceNodeId")))
	if err != nil {
		return nil, fmt.Errorf("switch value failed: %w", err)
	}

	key := fmt.Sprintf("%v", value)
	port := sdk.DefaultSourcePort
	if p, ok := cases[key]; ok {
		if s, ok := p.(string); ok && s != "" {
			port = s
		}
	}

	return map[string]any{
		"value":       value,
		"matchedPort": port,
	}, nil
}

// conditionSlotAvailable checks the slot pool and routes through
// "true"/"false" ports so workflows can branch on capacity.
func conditionSlotAvailable(_ context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	slot, err := requireString(node.Config, "slot")
	if err != nil {
		return nil, err
	}
	pool, err := slotsOf(eng)
	if err != nil {
		return nil, err
	}

	available := pool.Available(slot)
	port := "false"
	if available > 0 {
		port = "true"
	}
	return map[string]any{
		"slot":        slot,
		"available":   available,
		"result":      available > 0,
		"matchedPort": port,
	}, nil
}
