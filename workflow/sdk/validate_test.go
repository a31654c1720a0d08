package sdk

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWorkflow() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   uuid.NewString(),
		Name: "pipeline",
		Nodes: []Node{
			{ID: "start", Type: "trigger.manual"},
			{ID: "work", Type: "action.delay"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "work"},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validWorkflow().Validate())
}

func TestValidateTemplateID(t *testing.T) {
	wf := validWorkflow()
	wf.ID = "template-task-pipeline"
	assert.NoError(t, wf.Validate())

	wf.ID = "not-a-uuid-or-template"
	assert.Error(t, wf.Validate())
}

func TestValidateDuplicateNodeID(t *testing.T) {
	wf := validWorkflow()
	wf.Nodes = append(wf.Nodes, Node{ID: "work", Type: "action.delay"})
	assert.Error(t, wf.Validate())
}

func TestValidateEdgeReferences(t *testing.T) {
	wf := validWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e2", Source: "work", Target: "ghost"})
	assert.Error(t, wf.Validate())
}

func TestValidateSelfLoop(t *testing.T) {
	wf := validWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e2", Source: "work", Target: "work"})
	assert.Error(t, wf.Validate())
}

func TestValidateNoEntry(t *testing.T) {
	wf := validWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e2", Source: "work", Target: "start"})
	assert.Error(t, wf.Validate())
}

func TestValidateCycle(t *testing.T) {
	wf := validWorkflow()
	wf.Nodes = append(wf.Nodes, Node{ID: "third", Type: "action.delay"})
	wf.Edges = append(wf.Edges,
		Edge{ID: "e2", Source: "work", Target: "third"},
		Edge{ID: "e3", Source: "third", Target: "work"},
	)
	assert.Error(t, wf.Validate())
}

func TestEntryNodes(t *testing.T) {
	wf := validWorkflow()
	entries := wf.EntryNodes()
	require.Len(t, entries, 1)
	assert.Equal(t, "start", entries[0].ID)
}

func TestEdgePortDefault(t *testing.T) {
	e := Edge{}
	assert.Equal(t, DefaultSourcePort, e.Port())

	e.SourcePort = "L"
	assert.Equal(t, "L", e.Port())
}

func TestIsEnabledDefault(t *testing.T) {
	wf := validWorkflow()
	assert.True(t, wf.IsEnabled())

	off := false
	wf.Enabled = &off
	assert.False(t, wf.IsEnabled())
}
