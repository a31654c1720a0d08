// Package trigger decides which workflows fire for an incoming event or a
// schedule tick. It never runs workflows itself; it returns firings and
// hands them to the engine.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/common/queue"
	"github.com/lyzr/supervisor/workflow/archive"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
	"github.com/lyzr/supervisor/workflow/store"
)

// eventCapable lists the trigger subtypes that participate in event-driven
// evaluation. Manual, polling, and schedule triggers fire on their own tick.
var eventCapable = map[string]bool{
	"trigger.event":         true,
	"trigger.pr_event":      true,
	"trigger.task_assigned": true,
	"trigger.anomaly":       true,
	"trigger.webhook":       true,

	"trigger.meeting.wake_phrase": true,
}

// Firing is one fire decision: which workflow, which trigger node decided,
// and the event data to seed the run with.
type Firing struct {
	WorkflowID  string         `json:"workflowId"`
	TriggeredBy string         `json:"triggeredBy"`
	EventData   map[string]any `json:"eventData"`
}

// Runner is the slice of the engine the dispatcher needs.
type Runner interface {
	ExecuteWorkflowTriggered(ctx context.Context, workflowID string, input map[string]any, trigger archive.TriggerMeta) (*sdk.RunResult, error)
}

// Dispatcher evaluates trigger nodes against events and schedules.
type Dispatcher struct {
	store    *store.Store
	registry *registry.Registry
	runner   Runner
	log      *logger.Logger

	cronParser cron.Parser

	mu        sync.Mutex
	lastTick  time.Time
	firedOnce map[string]bool
}

// New creates a dispatcher. Schedule evaluation begins from the first tick;
// cron expressions use the standard five-field form with optional seconds.
func New(st *store.Store, reg *registry.Registry, runner Runner, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		registry: reg,
		runner:   runner,
		log:      log,
		cronParser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		firedOnce: make(map[string]bool),
	}
}

// EvaluateTriggers scans every enabled workflow's event-capable trigger
// nodes and returns the set of firings for the event. Each trigger handler
// runs as a plain node against a throwaway context seeded with the event;
// a handler returning triggered=true is a fire decision. Handler errors
// skip that trigger, never the whole scan.
func (d *Dispatcher) EvaluateTriggers(ctx context.Context, eventType string, eventData map[string]any) []Firing {
	var firings []Firing

	for _, wf := range d.store.List() {
		if !wf.IsEnabled() {
			continue
		}
		for i := range wf.Nodes {
			node := &wf.Nodes[i]
			if !eventCapable[node.Type] {
				continue
			}

			fired, err := d.evaluateNode(ctx, wf, node, eventType, eventData)
			if err != nil {
				d.log.Warn("trigger evaluation failed",
					"workflow_id", wf.ID,
					"node_id", node.ID,
					"error", err)
				continue
			}
			if fired {
				firings = append(firings, Firing{
					WorkflowID:  wf.ID,
					TriggeredBy: node.ID,
					EventData:   eventData,
				})
			}
		}
	}
	return firings
}

func (d *Dispatcher) evaluateNode(ctx context.Context, wf *sdk.WorkflowDefinition, node *sdk.Node, eventType string, eventData map[string]any) (bool, error) {
	reg, ok := d.registry.Get(node.Type)
	if !ok {
		return false, fmt.Errorf("unknown trigger type: %s", node.Type)
	}

	scratch := execution.NewContext(wf, map[string]any{
		sdk.KeyEventType: eventType,
		sdk.KeyEvent:     eventData,
	})

	resolved := *node
	resolved.Config = scratch.ResolveConfig(node.Config)

	out, err := reg.Execute(ctx, &resolved, scratch, nil)
	if err != nil {
		return false, err
	}
	fired, _ := out["triggered"].(bool)
	return fired, nil
}

// EvaluateSchedules returns firings for schedule triggers due in the window
// (lastTick, now]. trigger.schedule nodes carry a cron expression;
// trigger.scheduled_once nodes carry an RFC3339 "at" and fire at most once
// per process lifetime.
func (d *Dispatcher) EvaluateSchedules(now time.Time) []Firing {
	d.mu.Lock()
	last := d.lastTick
	d.lastTick = now
	d.mu.Unlock()

	if last.IsZero() {
		return nil
	}

	var firings []Firing
	for _, wf := range d.store.List() {
		if !wf.IsEnabled() {
			continue
		}
		for i := range wf.Nodes {
			node := &wf.Nodes[i]
			switch node.Type {
			case "trigger.schedule":
				if d.cronDue(wf.ID, node, last, now) {
					firings = append(firings, Firing{
						WorkflowID:  wf.ID,
						TriggeredBy: node.ID,
						EventData:   map[string]any{"scheduledAt": now.Format(time.RFC3339)},
					})
				}
			case "trigger.scheduled_once":
				if d.onceDue(wf.ID, node, now) {
					firings = append(firings, Firing{
						WorkflowID:  wf.ID,
						TriggeredBy: node.ID,
						EventData:   map[string]any{"scheduledAt": now.Format(time.RFC3339)},
					})
				}
			}
		}
	}
	return firings
}

func (d *Dispatcher) cronDue(workflowID string, node *sdk.Node, last, now time.Time) bool {
	expr, _ := node.Config["cron"].(string)
	if expr == "" {
		expr, _ = node.Config["schedule"].(string)
	}
	if expr == "" {
		return false
	}

	sched, err := d.cronParser.Parse(expr)
	if err != nil {
		d.log.Warn("invalid cron expression",
			"workflow_id", workflowID,
			"node_id", node.ID,
			"cron", expr,
			"error", err)
		return false
	}

	next := sched.Next(last)
	return !next.After(now)
}

func (d *Dispatcher) onceDue(workflowID string, node *sdk.Node, now time.Time) bool {
	at, _ := node.Config["at"].(string)
	if at == "" {
		return false
	}
	when, err := time.Parse(time.RFC3339, at)
	if err != nil {
		d.log.Warn("invalid scheduled_once timestamp",
			"workflow_id", workflowID,
			"node_id", node.ID,
			"at", at,
			"error", err)
		return false
	}
	if now.Before(when) {
		return false
	}

	key := workflowID + "/" + node.ID
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.firedOnce[key] {
		return false
	}
	d.firedOnce[key] = true
	return true
}

// eventEnvelope is the payload shape carried on the trigger-event topic.
type eventEnvelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// PublishEvent puts an external event on the queue for asynchronous trigger
// evaluation.
func PublishEvent(ctx context.Context, q *queue.MemoryQueue, eventType string, eventData map[string]any) error {
	raw, err := json.Marshal(eventEnvelope{Type: eventType, Data: eventData})
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	return q.Publish(ctx, queue.TopicTriggerEvent, eventType, raw)
}

// Start consumes queued events and ticks schedules, firing matched
// workflows through the runner. Blocks until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context, q *queue.MemoryQueue, tick time.Duration) error {
	err := q.Subscribe(ctx, queue.TopicTriggerEvent, func(ctx context.Context, key string, value []byte) error {
		var env eventEnvelope
		if err := json.Unmarshal(value, &env); err != nil {
			return fmt.Errorf("malformed event payload: %w", err)
		}
		d.fire(ctx, d.EvaluateTriggers(ctx, env.Type, env.Data), env.Type, "event")
		return nil
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.fire(ctx, d.EvaluateSchedules(now), "schedule", "schedule")
		}
	}
}

func (d *Dispatcher) fire(ctx context.Context, firings []Firing, event, source string) {
	for _, f := range firings {
		f := f
		go func() {
			// The run's entry trigger re-reads the event from the reserved keys.
			input := make(map[string]any, len(f.EventData)+2)
			for k, v := range f.EventData {
				input[k] = v
			}
			input[sdk.KeyEventType] = event
			input[sdk.KeyEvent] = f.EventData

			result, err := d.runner.ExecuteWorkflowTriggered(ctx, f.WorkflowID, input, archive.TriggerMeta{
				Event:  event,
				Source: source,
				By:     f.TriggeredBy,
			})
			if err != nil {
				d.log.Error("triggered run failed to start",
					"workflow_id", f.WorkflowID,
					"error", err)
				return
			}
			d.log.Info("triggered run finished",
				"workflow_id", f.WorkflowID,
				"run_id", result.RunID,
				"status", result.Status)
		}()
	}
}
