package nodes

import (
	"context"
	"strings"
	"time"

	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// Trigger handlers return {triggered: bool, ...}. The dispatcher runs them
// against a scratch context seeded with the event under the reserved keys;
// when a run starts through one of them they simply pass the decision (and
// the event) downstream.

func eventOf(ec *execution.Context) (string, map[string]any) {
	eventType, _ := ec.GetData(sdk.KeyEventType)
	event, _ := ec.GetData(sdk.KeyEvent)
	t, _ := eventType.(string)
	m, _ := event.(map[string]any)
	return t, m
}

// filtersMatch checks every key of filter for equality against the event.
// Missing event keys fail the filter.
func filtersMatch(filter, event map[string]any) bool {
	for k, want := range filter {
		got, ok := event[k]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func triggerManual(_ context.Context, _ *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
	return map[string]any{
		"triggered": true,
		"firedAt":   time.Now().Format(time.RFC3339),
	}, nil
}

// triggerSchedule and triggerScheduledOnce fire from the dispatcher's
// schedule tick; as run entry nodes they just acknowledge.
func triggerSchedule(_ context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
	return map[string]any{
		"triggered": true,
		"cron":      getString(node.Config, "cron"),
	}, nil
}

func triggerScheduledOnce(_ context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
	return map[string]any{
		"triggered": true,
		"at":        getString(node.Config, "at"),
	}, nil
}

// triggerEvent fires when the incoming event type equals config.eventType
// and every configured filter field matches.
func triggerEvent(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	eventType, event := eventOf(ec)

	want := getString(node.Config, "eventType")
	if want != "" && want != eventType {
		return map[string]any{"triggered": false}, nil
	}
	if filter := getMap(node.Config, "filter"); len(filter) > 0 && !filtersMatch(filter, event) {
		return map[string]any{"triggered": false}, nil
	}

	return map[string]any{
		"triggered": true,
		"eventType": eventType,
		"event":     event,
	}, nil
}

// triggerPREvent fires for pull-request events, optionally narrowed by
// action (opened, merged, closed, review_requested) and repository.
func triggerPREvent(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	eventType, event := eventOf(ec)
	if eventType != "pr_event" {
		return map[string]any{"triggered": false}, nil
	}

	if actions := getStrings(node.Config, "actions"); len(actions) > 0 {
		got, _ := event["action"].(string)
		matched := false
		for _, a := range actions {
			if a == got {
				matched = true
				break
			}
		}
		if !matched {
			return map[string]any{"triggered": false}, nil
		}
	}
	if repo := getString(node.Config, "repo"); repo != "" {
		if got, _ := event["repo"].(string); got != repo {
			return map[string]any{"triggered": false}, nil
		}
	}

	return map[string]any{
		"triggered": true,
		"event":     event,
	}, nil
}

// triggerTaskAssigned fires when a task is assigned, optionally only for a
// specific assignee.
func triggerTaskAssigned(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	eventType, event := eventOf(ec)
	if eventType != "task_assigned" {
		return map[string]any{"triggered": false}, nil
	}
	if assignee := getString(node.Config, "assignee"); assignee != "" {
		if got, _ := event["assignee"].(string); got != assignee {
			return map[string]any{"triggered": false}, nil
		}
	}
	return map[string]any{
		"triggered": true,
		"event":     event,
	}, nil
}

// triggerTaskAvailable polls the kanban backend for tasks in a status
// (default "ready"). Not event-capable; runs on its own tick or as a run
// entry.
func triggerTaskAvailable(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	kanban, err := kanbanOf(eng)
	if err != nil {
		return nil, err
	}

	tasks, err := kanban.ListTasks(ctx, servicesFilter(node.Config))
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"triggered": len(tasks) > 0,
		"count":     len(tasks),
		"tasks":     tasksToAny(tasks),
	}
	if len(tasks) > 0 {
		out["task"] = taskToMap(tasks[0])
	}
	return out, nil
}

// triggerAnomaly fires for anomaly events, narrowed by kind and a minimum
// severity. Cooldown decisions are made upstream and arrive as filter
// fields on the event.
func triggerAnomaly(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	eventType, event := eventOf(ec)
	if eventType != "anomaly" {
		return map[string]any{"triggered": false}, nil
	}

	if kinds := getStrings(node.Config, "kinds"); len(kinds) > 0 {
		got, _ := event["kind"].(string)
		matched := false
		for _, k := range kinds {
			if k == got {
				matched = true
				break
			}
		}
		if !matched {
			return map[string]any{"triggered": false}, nil
		}
	}
	if min := getInt(node.Config, "minSeverity", 0); min > 0 {
		if sev, ok := asFloat(event["severity"]); !ok || int(sev) < min {
			return map[string]any{"triggered": false}, nil
		}
	}

	return map[string]any{
		"triggered": true,
		"event":     event,
	}, nil
}

// triggerWebhook fires for webhook events, optionally matching the path.
func triggerWebhook(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	eventType, event := eventOf(ec)
	if eventType != "webhook" {
		return map[string]any{"triggered": false}, nil
	}
	if path := getString(node.Config, "path"); path != "" {
		if got, _ := event["path"].(string); got != path {
			return map[string]any{"triggered": false}, nil
		}
	}
	return map[string]any{
		"triggered": true,
		"event":     event,
	}, nil
}

// triggerWakePhrase fires when a meeting transcript line contains the
// configured phrase, case-insensitively.
func triggerWakePhrase(_ context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	_, event := eventOf(ec)

	phrase := getString(node.Config, "phrase")
	if phrase == "" {
		return map[string]any{"triggered": false}, nil
	}
	text, _ := event["text"].(string)
	if !strings.Contains(strings.ToLower(text), strings.ToLower(phrase)) {
		return map[string]any{"triggered": false}, nil
	}

	return map[string]any{
		"triggered": true,
		"phrase":    phrase,
		"text":      text,
	}, nil
}
