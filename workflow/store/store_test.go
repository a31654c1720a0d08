package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/workflow/sdk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Load())
	return s
}

func testWorkflow() *sdk.WorkflowDefinition {
	return &sdk.WorkflowDefinition{
		ID:   uuid.NewString(),
		Name: "pipeline",
		Nodes: []sdk.Node{
			{ID: "start", Type: "trigger.manual"},
			{ID: "work", Type: "action.delay"},
		},
		Edges: []sdk.Edge{
			{ID: "e1", Source: "start", Target: "work"},
		},
	}
}

func TestSaveStampsMetadataAndBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	wf := testWorkflow()

	require.NoError(t, s.Save(wf))
	assert.Equal(t, 1, wf.Metadata.Version)
	assert.False(t, wf.Metadata.CreatedAt.IsZero())
	assert.False(t, wf.Metadata.UpdatedAt.IsZero())

	require.NoError(t, s.Save(wf))
	assert.Equal(t, 2, wf.Metadata.Version)
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	wf := testWorkflow()
	wf.Edges = append(wf.Edges, sdk.Edge{ID: "e2", Source: "work", Target: "ghost"})

	assert.Error(t, s.Save(wf))
}

func TestGetAndList(t *testing.T) {
	s := newTestStore(t)
	wf := testWorkflow()
	require.NoError(t, s.Save(wf))

	got, err := s.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Name, got.Name)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, s.List(), 1)
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s1.Load())

	wf := testWorkflow()
	require.NoError(t, s1.Save(wf))

	s2, err := New(dir, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s2.Load())

	got, err := s2.Get(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Name, got.Name)
	assert.Equal(t, 1, got.Metadata.Version)
}

func TestLoadSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, logger.NewNop())
	require.NoError(t, err)

	wf := testWorkflow()
	require.NoError(t, s.Load())
	require.NoError(t, s.Save(wf))

	bad := filepath.Join(s.Dir(), "broken.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	require.NoError(t, s.Load())
	assert.Len(t, s.List(), 1)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	wf := testWorkflow()
	require.NoError(t, s.Save(wf))

	require.NoError(t, s.Delete(wf.ID))
	_, err := s.Get(wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete(wf.ID), ErrNotFound)
}

func TestImportMintsFreshID(t *testing.T) {
	s := newTestStore(t)
	original := testWorkflow()
	payload, err := json.Marshal(original)
	require.NoError(t, err)

	imported, err := s.Import(payload)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, imported.ID)
	assert.Equal(t, original.ID, imported.Metadata.Replaces)
	assert.Equal(t, 1, imported.Metadata.Version)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	wf := testWorkflow()
	require.NoError(t, s.Save(wf))

	payload, err := s.Export(wf.ID)
	require.NoError(t, err)

	imported, err := s.Import(payload)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, imported.Metadata.Version, 1)

	assert.Len(t, imported.Nodes, len(wf.Nodes))
	assert.Len(t, imported.Edges, len(wf.Edges))
}
