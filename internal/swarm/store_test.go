package swarm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/undoable-org/undoable/internal/swarm"
)

func TestStoreSaveGetListDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := swarm.NewStore(ctx, t.TempDir())
	require.NoError(t, err)

	wf := &swarm.Workflow{ID: "deploy", Nodes: []swarm.Node{node("a")}}
	require.NoError(t, store.Save(wf))

	got, err := store.Get("deploy")
	require.NoError(t, err)
	require.Equal(t, "deploy", got.ID)
	require.Len(t, got.Nodes, 1)

	require.NoError(t, store.Save(&swarm.Workflow{ID: "backup", Nodes: []swarm.Node{node("a")}}))
	list := store.List()
	require.Len(t, list, 2)
	require.Equal(t, "backup", list[0].ID)
	require.Equal(t, "deploy", list[1].ID)

	require.NoError(t, store.Delete("deploy"))
	_, err = store.Get("deploy")
	require.ErrorIs(t, err, swarm.ErrWorkflowNotFound)
	require.ErrorIs(t, store.Delete("deploy"), swarm.ErrWorkflowNotFound)
}

func TestStoreSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	store, err := swarm.NewStore(context.Background(), t.TempDir())
	require.NoError(t, err)

	wf := &swarm.Workflow{ID: "w", Nodes: []swarm.Node{node("a", "b"), node("b", "a")}}
	require.ErrorIs(t, store.Save(wf), swarm.ErrCycle)
	require.Empty(t, store.List())
}

func TestStoreLoadsExistingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// The id falls back to the file name when omitted.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.yaml"), []byte(
		"nodes:\n  - id: a\n    instruction: tidy up\n"), 0600))
	// Invalid files are skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(
		"nodes:\n  - id: a\n    instruction: x\n    dependsOn: [a]\n"), 0600))

	store, err := swarm.NewStore(context.Background(), dir)
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 1)
	require.Equal(t, "nightly", list[0].ID)

	got, err := store.Get("nightly")
	require.NoError(t, err)
	require.Equal(t, "tidy up", got.Nodes[0].Instruction)
}

func TestStoreRoundTripsThroughDisk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	store, err := swarm.NewStore(ctx, dir)
	require.NoError(t, err)
	wf := &swarm.Workflow{
		ID:          "pipeline",
		Name:        "Pipeline",
		MaxParallel: 3,
		FailFast:    true,
		Nodes:       []swarm.Node{node("a"), node("b", "a")},
	}
	require.NoError(t, store.Save(wf))

	// A fresh store over the same directory sees the same workflow.
	reopened, err := swarm.NewStore(ctx, dir)
	require.NoError(t, err)
	got, err := reopened.Get("pipeline")
	require.NoError(t, err)
	require.Equal(t, wf, got)
}
