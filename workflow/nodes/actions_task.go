package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/supervisor/services"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

func servicesFilter(cfg map[string]any) services.TaskFilter {
	return services.TaskFilter{
		ProjectID: getString(cfg, "projectId"),
		Status:    getStringDefault(cfg, "status", "ready"),
		Assignee:  getString(cfg, "assignee"),
	}
}

func taskToMap(t services.Task) map[string]any {
	raw, err := json.Marshal(t)
	if err != nil {
		return map[string]any{"id": t.ID, "title": t.Title}
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return map[string]any{"id": t.ID, "title": t.Title}
	}
	return m
}

func tasksToAny(tasks []services.Task) []any {
	out := make([]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToMap(t))
	}
	return out
}

func taskFromMap(m map[string]any) services.Task {
	var t services.Task
	raw, err := json.Marshal(m)
	if err == nil {
		_ = json.Unmarshal(raw, &t)
	}
	return t
}

// actionCreateTask creates one kanban card.
func actionCreateTask(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	kanban, err := kanbanOf(eng)
	if err != nil {
		return nil, err
	}
	projectID, err := requireString(node.Config, "projectId")
	if err != nil {
		return nil, err
	}
	title, err := requireString(node.Config, "title")
	if err != nil {
		return nil, err
	}

	task := services.Task{
		Title:       title,
		Description: getString(node.Config, "description"),
		Status:      getString(node.Config, "status"),
	}
	for _, l := range getStrings(node.Config, "labels") {
		task.Labels = append(task.Labels, l)
	}

	id, err := kanban.CreateTask(ctx, projectID, task)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "created": true}, nil
}

// actionUpdateTaskStatus moves one card to a new status.
func actionUpdateTaskStatus(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	kanban, err := kanbanOf(eng)
	if err != nil {
		return nil, err
	}
	taskID, err := requireString(node.Config, "taskId")
	if err != nil {
		return nil, err
	}
	status, err := requireString(node.Config, "status")
	if err != nil {
		return nil, err
	}

	task, err := kanban.UpdateTask(ctx, taskID, map[string]any{"status": status})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success": true,
		"task":    taskToMap(*task),
	}, nil
}

// actionMaterializePlannerTasks turns a planner's task list into kanban
// cards. Entries that fail to create are reported, not fatal, so one bad
// entry cannot lose the rest of the plan.
func actionMaterializePlannerTasks(ctx context.Context, node *sdk.Node, ec *execution.Context, eng registry.Engine) (map[string]any, error) {
	kanban, err := kanbanOf(eng)
	if err != nil {
		return nil, err
	}
	projectID, err := requireString(node.Config, "projectId")
	if err != nil {
		return nil, err
	}
	entries := getSlice(node.Config, "tasks")
	if len(entries) == 0 {
		return map[string]any{"created": []any{}, "count": 0}, nil
	}

	var created []any
	var failed int
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			failed++
			continue
		}
		task := taskFromMap(m)
		if task.Title == "" {
			failed++
			continue
		}
		if task.Status == "" {
			task.Status = getStringDefault(node.Config, "status", "backlog")
		}

		id, err := kanban.CreateTask(ctx, projectID, task)
		if err != nil {
			ec.Log(node.ID, fmt.Sprintf("failed to create task %q: %s", task.Title, err), "warn")
			failed++
			continue
		}
		created = append(created, id)
	}

	return map[string]any{
		"created": created,
		"count":   len(created),
		"failed":  failed,
	}, nil
}

// actionClaimTask takes exclusive ownership of a task for an agent.
func actionClaimTask(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	claims, err := claimsOf(eng)
	if err != nil {
		return nil, err
	}
	taskID, err := requireString(node.Config, "taskId")
	if err != nil {
		return nil, err
	}
	agentID, err := requireString(node.Config, "agentId")
	if err != nil {
		return nil, err
	}

	token, err := claims.Claim(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"claimed": true,
		"taskId":  taskID,
		"token":   token,
	}, nil
}

// actionReleaseClaim releases task ownership.
func actionReleaseClaim(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	claims, err := claimsOf(eng)
	if err != nil {
		return nil, err
	}
	taskID, err := requireString(node.Config, "taskId")
	if err != nil {
		return nil, err
	}
	if err := claims.Release(ctx, taskID); err != nil {
		return nil, err
	}
	return map[string]any{"released": true, "taskId": taskID}, nil
}
