package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/sdk"
)

func newTestArchive(t *testing.T, maxRuns int) (*Archive, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := New(dir, maxRuns, 5*time.Minute, logger.NewNop())
	require.NoError(t, err)
	return a, dir
}

func newRun(id, name string) *execution.Context {
	wf := &sdk.WorkflowDefinition{
		ID:    id,
		Name:  name,
		Nodes: []sdk.Node{{ID: "a", Type: "trigger.manual"}, {ID: "b", Type: "action.delay"}},
	}
	return execution.NewContext(wf, nil)
}

func finishRun(ec *execution.Context) {
	ec.SetNodeStatus("a", sdk.NodeCompleted)
	ec.SetNodeStatus("b", sdk.NodeCompleted)
}

func TestFinalizePersistsDetailAndSummary(t *testing.T) {
	a, dir := newTestArchive(t, 10)
	ec := newRun("wf-1", "pipeline")

	a.Track(ec, 2, TriggerMeta{Event: "manual", Source: "direct", By: "start"})
	finishRun(ec)
	a.Finalize(ec, sdk.RunCompleted, time.Now())

	detailPath := filepath.Join(dir, "workflow-runs", ec.RunID()+".json")
	raw, err := os.ReadFile(detailPath)
	require.NoError(t, err)
	var detail sdk.RunDetail
	require.NoError(t, json.Unmarshal(raw, &detail))
	assert.Equal(t, ec.RunID(), detail.RunID)
	assert.Equal(t, sdk.RunCompleted, detail.Status)

	history := a.RunHistory("", 0)
	require.Len(t, history, 1)
	summary := history[0]
	assert.Equal(t, ec.RunID(), summary.RunID)
	assert.Equal(t, "manual", summary.TriggerEvent)
	assert.Equal(t, "start", summary.TriggeredBy)

	// Counts in the index match the persisted detail.
	completed := 0
	for _, s := range detail.NodeStatuses {
		if s == sdk.NodeCompleted {
			completed++
		}
	}
	assert.Equal(t, summary.Counts.Completed, completed)
}

func TestIndexEvictsFromHead(t *testing.T) {
	a, _ := newTestArchive(t, 20)

	var first string
	for i := 0; i < 25; i++ {
		ec := newRun("wf-1", "pipeline")
		if i == 0 {
			first = ec.RunID()
		}
		a.Track(ec, 2, TriggerMeta{})
		finishRun(ec)
		a.Finalize(ec, sdk.RunCompleted, time.Now())
	}

	history := a.RunHistory("", 0)
	assert.Len(t, history, 20)
	for _, s := range history {
		assert.NotEqual(t, first, s.RunID, "oldest run must be evicted")
	}
}

func TestActiveRunsReportedLive(t *testing.T) {
	a, _ := newTestArchive(t, 10)
	ec := newRun("wf-1", "pipeline")

	a.Track(ec, 2, TriggerMeta{})

	active := a.ActiveRuns()
	require.Len(t, active, 1)
	assert.Equal(t, sdk.RunRunning, active[0].Status)
	assert.Nil(t, active[0].EndedAt)

	detail, err := a.RunDetail(ec.RunID())
	require.NoError(t, err)
	assert.Equal(t, sdk.RunRunning, detail.Status)

	a.Finalize(ec, sdk.RunCompleted, time.Now())
	assert.Empty(t, a.ActiveRuns())
}

func TestRunHistoryPrefersActiveAndFilters(t *testing.T) {
	a, _ := newTestArchive(t, 10)

	done := newRun("wf-1", "pipeline")
	a.Track(done, 2, TriggerMeta{})
	finishRun(done)
	a.Finalize(done, sdk.RunCompleted, time.Now())

	live := newRun("wf-2", "other")
	a.Track(live, 2, TriggerMeta{})

	all := a.RunHistory("", 0)
	assert.Len(t, all, 2)

	filtered := a.RunHistory("wf-2", 0)
	require.Len(t, filtered, 1)
	assert.Equal(t, sdk.RunRunning, filtered[0].Status)

	limited := a.RunHistory("", 1)
	assert.Len(t, limited, 1)
}

func TestRunDetailNotFound(t *testing.T) {
	a, _ := newTestArchive(t, 10)
	_, err := a.RunDetail("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestTerminalRunsNeverStuck(t *testing.T) {
	a, _ := newTestArchive(t, 10)
	ec := newRun("wf-1", "pipeline")
	a.Track(ec, 2, TriggerMeta{})
	finishRun(ec)
	a.Finalize(ec, sdk.RunFailed, time.Now())

	history := a.RunHistory("", 0)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsStuck)
	assert.Zero(t, history[0].StuckMs)
}

func TestStuckDetectionUsesThreshold(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, 10, 10*time.Millisecond, logger.NewNop())
	require.NoError(t, err)

	ec := newRun("wf-1", "pipeline")
	a.Track(ec, 2, TriggerMeta{})

	time.Sleep(30 * time.Millisecond)
	active := a.ActiveRuns()
	require.Len(t, active, 1)
	assert.True(t, active[0].IsStuck)
	assert.GreaterOrEqual(t, active[0].StuckMs, int64(10))

	// Fresh progress resets the window.
	ec.SetNodeStatus("a", sdk.NodeRunning)
	active = a.ActiveRuns()
	require.Len(t, active, 1)
	assert.False(t, active[0].IsStuck)
}
