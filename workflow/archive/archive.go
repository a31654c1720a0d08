// Package archive persists one JSON blob per run plus a bounded summary
// index, and answers history, active-run, and stuck-run queries.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// ErrRunNotFound is returned when a run id is neither active nor persisted.
var ErrRunNotFound = errors.New("run not found")

// TriggerMeta describes what started a run, carried into its summaries.
type TriggerMeta struct {
	Event  string
	Source string
	By     string
}

type activeRun struct {
	ec      *execution.Context
	nodes   int
	trigger TriggerMeta
}

type indexFile struct {
	Runs []sdk.RunSummary `json:"runs"`
}

// Archive owns <dataDir>/workflow-runs. Finalizations serialize on an
// index-level lock; the index file is rewritten atomically per run.
type Archive struct {
	dir            string
	maxRuns        int
	stuckThreshold time.Duration
	log            *logger.Logger

	mu     sync.Mutex
	active map[string]activeRun
}

// New creates an archive rooted at <dataDir>/workflow-runs.
func New(dataDir string, maxRuns int, stuckThreshold time.Duration, log *logger.Logger) (*Archive, error) {
	dir := filepath.Join(dataDir, "workflow-runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs dir: %w", err)
	}
	return &Archive{
		dir:            dir,
		maxRuns:        maxRuns,
		stuckThreshold: stuckThreshold,
		log:            log,
		active:         make(map[string]activeRun),
	}, nil
}

// Track registers a live run so history and detail queries can see it
// before it persists.
func (a *Archive) Track(ec *execution.Context, totalNodes int, trigger TriggerMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[ec.RunID()] = activeRun{ec: ec, nodes: totalNodes, trigger: trigger}
}

// Finalize persists the run detail and appends its summary to the index,
// evicting the oldest entries past the cap. The run stops being reported as
// active regardless of persistence success; persistence failures are logged
// and never fail the run itself.
func (a *Archive) Finalize(ec *execution.Context, status sdk.RunStatus, endedAt time.Time) {
	a.mu.Lock()
	run, ok := a.active[ec.RunID()]
	delete(a.active, ec.RunID())
	a.mu.Unlock()

	nodes := run.nodes
	trigger := run.trigger
	if !ok {
		a.log.Warn("finalizing untracked run", "run_id", ec.RunID())
	}

	detail := ec.Snapshot(status, &endedAt)
	if err := a.writeJSON(filepath.Join(a.dir, ec.RunID()+".json"), detail); err != nil {
		a.log.Error("failed to persist run detail", "run_id", ec.RunID(), "error", err)
	}

	summary := a.summarize(ec, nodes, trigger, status, endedAt)

	a.mu.Lock()
	defer a.mu.Unlock()
	index := a.loadIndex()
	index.Runs = append(index.Runs, summary)
	if len(index.Runs) > a.maxRuns {
		index.Runs = index.Runs[len(index.Runs)-a.maxRuns:]
	}
	if err := a.writeJSON(a.indexPath(), index); err != nil {
		a.log.Error("failed to persist run index", "run_id", ec.RunID(), "error", err)
	}
}

// ActiveRuns returns live summaries for every running run.
func (a *Archive) ActiveRuns() []sdk.RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]sdk.RunSummary, 0, len(a.active))
	for _, run := range a.active {
		out = append(out, a.summarizeLive(run))
	}
	return out
}

// RunHistory merges active runs with persisted summaries, deduplicated by
// run id preferring active, newest first. workflowID filters when non-empty;
// limit <= 0 means no limit.
func (a *Archive) RunHistory(workflowID string, limit int) []sdk.RunSummary {
	a.mu.Lock()
	seen := make(map[string]bool, len(a.active))
	merged := make([]sdk.RunSummary, 0, len(a.active))
	for _, run := range a.active {
		s := a.summarizeLive(run)
		seen[s.RunID] = true
		merged = append(merged, s)
	}
	index := a.loadIndex()
	a.mu.Unlock()

	for _, s := range index.Runs {
		if !seen[s.RunID] {
			merged = append(merged, s)
		}
	}

	if workflowID != "" {
		filtered := merged[:0]
		for _, s := range merged {
			if s.WorkflowID == workflowID {
				filtered = append(filtered, s)
			}
		}
		merged = filtered
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].StartedAt.After(merged[j].StartedAt)
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// RunDetail returns the persisted detail, synthesizing it live for active
// runs.
func (a *Archive) RunDetail(runID string) (*sdk.RunDetail, error) {
	a.mu.Lock()
	run, ok := a.active[runID]
	a.mu.Unlock()
	if ok {
		return run.ec.Snapshot(sdk.RunRunning, nil), nil
	}

	raw, err := os.ReadFile(filepath.Join(a.dir, runID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run detail: %w", err)
	}
	var detail sdk.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("failed to parse run detail: %w", err)
	}
	return &detail, nil
}

func (a *Archive) summarize(ec *execution.Context, nodes int, trigger TriggerMeta, status sdk.RunStatus, endedAt time.Time) sdk.RunSummary {
	s := sdk.RunSummary{
		RunID:            ec.RunID(),
		WorkflowID:       ec.WorkflowID(),
		WorkflowName:     ec.WorkflowName(),
		StartedAt:        ec.StartedAt(),
		EndedAt:          &endedAt,
		Duration:         endedAt.Sub(ec.StartedAt()).Milliseconds(),
		Status:           status,
		Counts:           ec.Counts(nodes),
		ErrorCount:       ec.ErrorCount(),
		LogCount:         ec.LogCount(),
		StuckThresholdMs: a.stuckThreshold.Milliseconds(),
		TriggerEvent:     trigger.Event,
		TriggerSource:    trigger.Source,
		TriggeredBy:      trigger.By,
	}
	if t := ec.LastLogAt(); !t.IsZero() {
		s.LastLogAt = &t
	}
	if t := ec.LastProgressAt(); !t.IsZero() {
		s.LastProgressAt = &t
	}
	// Terminal runs are never stuck.
	return s
}

// summarizeLive builds the summary for a running run, including stuck
// detection: stuckMs is the time since the last log line, the last status
// transition, or the run start, whichever is most recent.
func (a *Archive) summarizeLive(run activeRun) sdk.RunSummary {
	ec := run.ec
	now := time.Now()

	s := sdk.RunSummary{
		RunID:            ec.RunID(),
		WorkflowID:       ec.WorkflowID(),
		WorkflowName:     ec.WorkflowName(),
		StartedAt:        ec.StartedAt(),
		Duration:         now.Sub(ec.StartedAt()).Milliseconds(),
		Status:           sdk.RunRunning,
		Counts:           ec.Counts(run.nodes),
		ErrorCount:       ec.ErrorCount(),
		LogCount:         ec.LogCount(),
		StuckThresholdMs: a.stuckThreshold.Milliseconds(),
		TriggerEvent:     run.trigger.Event,
		TriggerSource:    run.trigger.Source,
		TriggeredBy:      run.trigger.By,
	}

	lastActivity := ec.StartedAt()
	if t := ec.LastLogAt(); !t.IsZero() {
		s.LastLogAt = &t
		if t.After(lastActivity) {
			lastActivity = t
		}
	}
	if t := ec.LastProgressAt(); !t.IsZero() {
		s.LastProgressAt = &t
		if t.After(lastActivity) {
			lastActivity = t
		}
	}

	s.StuckMs = now.Sub(lastActivity).Milliseconds()
	if s.StuckMs < 0 {
		s.StuckMs = 0
	}
	s.IsStuck = s.StuckMs >= a.stuckThreshold.Milliseconds()
	return s
}

func (a *Archive) indexPath() string {
	return filepath.Join(a.dir, "index.json")
}

func (a *Archive) loadIndex() *indexFile {
	index := &indexFile{}
	raw, err := os.ReadFile(a.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.Warn("failed to read run index", "error", err)
		}
		return index
	}
	if err := json.Unmarshal(raw, index); err != nil {
		a.log.Warn("run index corrupt, starting fresh", "error", err)
		return &indexFile{}
	}
	return index
}

func (a *Archive) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize: %w", err)
	}

	tmp, err := os.CreateTemp(a.dir, ".run.*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}
