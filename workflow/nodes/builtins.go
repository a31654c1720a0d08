package nodes

import (
	"github.com/lyzr/supervisor/workflow/registry"
)

// RegisterBuiltins installs every node type the engine ships with. Called
// once at bootstrap, before the first run; extension packs may register
// further types afterwards.
func RegisterBuiltins(r *registry.Registry) {
	builtins := []registry.Registration{
		// Triggers
		{Type: "trigger.manual", Execute: triggerManual, Describe: "Fires when invoked directly."},
		{Type: "trigger.schedule", Execute: triggerSchedule, Describe: "Fires on a cron schedule.", Schema: schemaProps("cron")},
		{Type: "trigger.scheduled_once", Execute: triggerScheduledOnce, Describe: "Fires once at a fixed time.", Schema: schemaProps("at")},
		{Type: "trigger.event", Execute: triggerEvent, Describe: "Fires on a matching generic event.", Schema: schemaProps("eventType", "filter")},
		{Type: "trigger.pr_event", Execute: triggerPREvent, Describe: "Fires on pull-request lifecycle events.", Schema: schemaProps("actions", "repo")},
		{Type: "trigger.task_assigned", Execute: triggerTaskAssigned, Describe: "Fires when a task is assigned.", Schema: schemaProps("assignee")},
		{Type: "trigger.task_available", Execute: triggerTaskAvailable, Describe: "Polls the board for available tasks.", Schema: schemaProps("projectId", "status")},
		{Type: "trigger.anomaly", Execute: triggerAnomaly, Describe: "Fires on anomaly alerts.", Schema: schemaProps("kinds", "minSeverity")},
		{Type: "trigger.webhook", Execute: triggerWebhook, Describe: "Fires on incoming webhooks.", Schema: schemaProps("path")},
		{Type: "trigger.meeting.wake_phrase", Execute: triggerWakePhrase, Describe: "Fires when a transcript contains a phrase.", Schema: schemaProps("phrase")},

		// Conditions
		{Type: "condition.expression", Execute: conditionExpression, Describe: "Routes true/false on an expression.", Schema: schemaProps("expression")},
		{Type: "condition.switch", Execute: conditionSwitch, Describe: "Routes to the port of the matching case.", Schema: schemaProps("value", "cases")},
		{Type: "condition.slot_available", Execute: conditionSlotAvailable, Describe: "Routes true/false on slot capacity.", Schema: schemaProps("slot")},

		// Flow control
		{Type: "flow.gate", Execute: flowGate, Describe: "Waits until an expression passes.", Schema: schemaProps("expression", "pollIntervalMs", "maxWaitMs")},
		{Type: "loop.for_each", Execute: loopForEach, Describe: "Iterates downstream nodes per item.", Schema: schemaProps("items", "variable")},

		// Actions
		{Type: "action.run_agent", Execute: actionRunAgent, Describe: "Launches a coding agent on a prompt.", Schema: schemaProps("prompt", "cwd", "agentTimeoutMs")},
		{Type: "action.run_planner", Execute: actionRunPlanner, Describe: "Runs a planning agent, returns a task list.", Schema: schemaProps("objective")},
		{Type: "action.run_command", Execute: actionRunCommand, Describe: "Executes a shell command via the agent pool.", Schema: schemaProps("command", "cwd")},
		{Type: "action.create_pr", Execute: actionCreatePR, Describe: "Opens a pull request for a branch.", Schema: schemaProps("title", "branch", "body", "base")},
		{Type: "action.create_task", Execute: actionCreateTask, Describe: "Creates a kanban card.", Schema: schemaProps("projectId", "title", "description")},
		{Type: "action.update_task_status", Execute: actionUpdateTaskStatus, Describe: "Moves a card to a new status.", Schema: schemaProps("taskId", "status")},
		{Type: "action.git_operations", Execute: actionGitOperations, Describe: "Runs one repository operation.", Schema: schemaProps("operation", "path", "branch")},
		{Type: "action.delay", Execute: actionDelay, Describe: "Sleeps for a duration.", Schema: schemaProps("durationMs")},
		{Type: "action.set_variable", Execute: actionSetVariable, Describe: "Writes one key into run data.", Schema: schemaProps("name", "value")},
		{Type: "action.execute_workflow", Execute: actionExecuteWorkflow, Describe: "Runs another workflow, sync or dispatched.", Schema: schemaProps("workflowId", "mode", "input")},
		{Type: "action.materialize_planner_tasks", Execute: actionMaterializePlannerTasks, Describe: "Turns a plan into kanban cards.", Schema: schemaProps("projectId", "tasks")},
		{Type: "action.allocate_slot", Execute: actionAllocateSlot, Describe: "Takes one slot from a lane.", Schema: schemaProps("slot")},
		{Type: "action.release_slot", Execute: actionReleaseSlot, Describe: "Returns one slot to a lane.", Schema: schemaProps("slot")},
		{Type: "action.claim_task", Execute: actionClaimTask, Describe: "Claims exclusive task ownership.", Schema: schemaProps("taskId", "agentId")},
		{Type: "action.release_claim", Execute: actionReleaseClaim, Describe: "Releases task ownership.", Schema: schemaProps("taskId")},
		{Type: "action.resolve_executor", Execute: actionResolveExecutor, Describe: "Resolves the executor, honoring auto priority.", Schema: schemaProps("executor")},
		{Type: "action.acquire_worktree", Execute: actionAcquireWorktree, Describe: "Checks out a working copy.", Schema: schemaProps("branch")},
		{Type: "action.release_worktree", Execute: actionReleaseWorktree, Describe: "Returns a working copy.", Schema: schemaProps("path")},
		{Type: "action.build_task_prompt", Execute: actionBuildTaskPrompt, Describe: "Renders the agent prompt for a task.", Schema: schemaProps("task", "template")},
		{Type: "action.detect_new_commits", Execute: actionDetectNewCommits, Describe: "Lists commits since a reference.", Schema: schemaProps("path", "sinceRef")},
		{Type: "action.push_branch", Execute: actionPushBranch, Describe: "Pushes a branch, refusing protected targets.", Schema: schemaProps("branch", "worktreePath")},
		{Type: "action.handle_rate_limit", Execute: actionHandleRateLimit, Describe: "Backs off after a provider rate limit.", Schema: schemaProps("retryAfterMs")},

		// Meetings
		{Type: "meeting.start", Execute: meetingStart, Describe: "Opens a meeting session.", Schema: schemaProps("topic")},
		{Type: "meeting.send", Execute: meetingSend, Describe: "Appends and relays a meeting message.", Schema: schemaProps("message", "role")},
		{Type: "meeting.transcript", Execute: meetingTranscript, Describe: "Reads the meeting transcript."},
		{Type: "meeting.vision", Execute: meetingVision, Describe: "Describes an image into the transcript.", Schema: schemaProps("imagePath")},
		{Type: "meeting.finalize", Execute: meetingFinalize, Describe: "Closes the meeting, returns the transcript."},

		// Notifications
		{Type: "notify.log", Execute: notifyLog, Describe: "Appends a message to the run log.", Schema: schemaProps("message", "level")},
		{Type: "notify.telegram", Execute: notifyTelegram, Describe: "Sends an operator notification.", Schema: schemaProps("message")},
	}

	for _, reg := range builtins {
		r.Register(reg)
	}
}

// schemaProps builds the minimal JSON-schema-flavored mapping the builder
// UI consumes: property names only, types left open.
func schemaProps(names ...string) map[string]any {
	props := make(map[string]any, len(names))
	for _, n := range names {
		props[n] = map[string]any{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}
