package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/supervisor/services"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

const defaultAgentTimeout = 10 * time.Minute

// actionRunAgent launches an ephemeral agent thread on a prompt. Agent
// progress events stream into the run log. With failOnError (default true)
// an unsuccessful agent fails the node; otherwise the result passes through
// for downstream branching.
func actionRunAgent(ctx context.Context, node *sdk.Node, ec *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := agentPoolOf(eng)
	if err != nil {
		return nil, err
	}
	prompt, err := requireString(node.Config, "prompt")
	if err != nil {
		return nil, err
	}
	cwd := getStringDefault(node.Config, "cwd", getString(node.Config, "worktreePath"))
	timeout := getDuration(node.Config, "agentTimeoutMs", defaultAgentTimeout)

	result, err := pool.LaunchEphemeralThread(ctx, prompt, cwd, timeout, func(ev services.AgentEvent) {
		if ev.Message != "" {
			ec.Log(node.ID, ev.Message, "info")
		}
	})
	if err != nil {
		return nil, err
	}
	if !result.Success && getBool(node.Config, "failOnError", true) {
		return nil, fmt.Errorf("agent reported failure: %s", truncate(result.Output, 500))
	}

	return map[string]any{
		"success":  result.Success,
		"output":   result.Output,
		"threadId": result.ThreadID,
	}, nil
}

// actionRunPlanner runs an agent with a planning prompt and parses its
// output as a JSON task list. A planner that returns unparsable output
// fails the node; partial plans are worse than no plans.
func actionRunPlanner(ctx context.Context, node *sdk.Node, ec *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := agentPoolOf(eng)
	if err != nil {
		return nil, err
	}
	objective, err := requireString(node.Config, "objective")
	if err != nil {
		return nil, err
	}

	prompt := getStringDefault(node.Config, "prompt",
		"Plan the following objective as a JSON array of tasks, each with title and description fields. Respond with the JSON array only.\n\nObjective: "+objective)
	cwd := getString(node.Config, "cwd")
	timeout := getDuration(node.Config, "agentTimeoutMs", defaultAgentTimeout)

	result, err := pool.LaunchEphemeralThread(ctx, prompt, cwd, timeout, func(ev services.AgentEvent) {
		if ev.Message != "" {
			ec.Log(node.ID, ev.Message, "info")
		}
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("planner reported failure: %s", truncate(result.Output, 500))
	}

	tasks, err := parseTaskList(result.Output)
	if err != nil {
		return nil, fmt.Errorf("planner output not parseable: %w", err)
	}

	return map[string]any{
		"success": true,
		"tasks":   tasks,
		"count":   len(tasks),
	}, nil
}

// parseTaskList extracts the first JSON array from agent output, tolerating
// prose around it.
func parseTaskList(output string) ([]any, error) {
	start := strings.IndexByte(output, '[')
	end := strings.LastIndexByte(output, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found")
	}
	var tasks []any
	if err := json.Unmarshal([]byte(output[start:end+1]), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// actionRunCommand executes a shell command through the agent pool's
// retrying executor. The engine itself never shells out.
func actionRunCommand(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := agentPoolOf(eng)
	if err != nil {
		return nil, err
	}
	command, err := requireString(node.Config, "command")
	if err != nil {
		return nil, err
	}
	cwd := getString(node.Config, "cwd")
	timeout := getDuration(node.Config, "commandTimeoutMs", 2*time.Minute)

	result, err := pool.ExecWithRetry(ctx, command, cwd, timeout)
	if err != nil {
		return nil, err
	}
	if !result.Success && getBool(node.Config, "failOnError", true) {
		return nil, fmt.Errorf("command failed: %s", truncate(result.Output, 500))
	}

	return map[string]any{
		"success": result.Success,
		"output":  result.Output,
	}, nil
}

// actionCreatePR opens a pull request for a branch via the gh CLI, executed
// through the agent pool.
func actionCreatePR(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := agentPoolOf(eng)
	if err != nil {
		return nil, err
	}
	title, err := requireString(node.Config, "title")
	if err != nil {
		return nil, err
	}
	branch, err := requireString(node.Config, "branch")
	if err != nil {
		return nil, err
	}
	body := getString(node.Config, "body")
	base := getStringDefault(node.Config, "base", "main")
	cwd := getString(node.Config, "cwd")

	command := fmt.Sprintf("gh pr create --head %q --base %q --title %q --body %q", branch, base, title, body)
	result, err := pool.ExecWithRetry(ctx, command, cwd, getDuration(node.Config, "commandTimeoutMs", 2*time.Minute))
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("pr creation failed: %s", truncate(result.Output, 500))
	}

	out := map[string]any{
		"success": true,
		"branch":  branch,
	}
	if url := lastURL(result.Output); url != "" {
		out["url"] = url
	}
	return out, nil
}

func lastURL(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "https://") {
			return line
		}
	}
	return ""
}

// actionBuildTaskPrompt renders the prompt handed to a coding agent from a
// task. A custom template (already resolved by the engine) wins; otherwise
// the default layout is used.
func actionBuildTaskPrompt(_ context.Context, node *sdk.Node, _ *execution.Context, _ registry.Engine) (map[string]any, error) {
	if tpl := getString(node.Config, "template"); tpl != "" {
		return map[string]any{"prompt": tpl}, nil
	}

	task := getMap(node.Config, "task")
	if task == nil {
		return nil, fmt.Errorf("config %q is required", "task")
	}
	title, _ := task["title"].(string)
	description, _ := task["description"].(string)

	var b strings.Builder
	b.WriteString("Work on the following task.\n\n")
	b.WriteString("Title: " + title + "\n")
	if description != "" {
		b.WriteString("\nDescription:\n" + description + "\n")
	}
	if extra := getString(node.Config, "instructions"); extra != "" {
		b.WriteString("\nInstructions:\n" + extra + "\n")
	}

	return map[string]any{"prompt": b.String()}, nil
}

// actionHandleRateLimit backs off when an upstream provider rate-limits an
// agent: wait the advised interval, capped, then report ready to resume.
func actionHandleRateLimit(ctx context.Context, node *sdk.Node, ec *execution.Context, _ registry.Engine) (map[string]any, error) {
	wait := getDuration(node.Config, "retryAfterMs", time.Minute)
	if maxWait := getDuration(node.Config, "maxWaitMs", 5*time.Minute); wait > maxWait {
		wait = maxWait
	}

	ec.Log(node.ID, fmt.Sprintf("rate limited, backing off %s", wait), "warn")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return map[string]any{
		"resumed":  true,
		"waitedMs": wait.Milliseconds(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
