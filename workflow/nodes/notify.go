package nodes

import (
	"context"

	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// notifyLog appends a message to the run log.
func notifyLog(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	message, err := requireString(node.Config, "message")
	if err != nil {
		return nil, err
	}
	level := getStringDefault(node.Config, "level", "info")

	ec.Log(node.ID, message, level)
	return map[string]any{"logged": true}, nil
}

// notifyTelegram sends an operator notification.
func notifyTelegram(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	tg, err := telegramOf(eng)
	if err != nil {
		return nil, err
	}
	message, err := requireString(node.Config, "message")
	if err != nil {
		return nil, err
	}
	if err := tg.Send(ctx, message); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}
