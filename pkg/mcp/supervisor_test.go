package mcp

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgate/pkg/models"
	"github.com/codeready-toolchain/agentgate/pkg/store"
	"github.com/codeready-toolchain/agentgate/pkg/validate"
)

func newTestSupervisor(t *testing.T, st store.Store, tools map[string]mcpsdk.ToolHandler) *Supervisor {
	t.Helper()
	sup := NewSupervisor(st, nil, inMemoryFactory(tools), t.TempDir(), slog.Default())
	t.Cleanup(sup.Shutdown)
	return sup
}

func echoTools() map[string]mcpsdk.ToolHandler {
	return map[string]mcpsdk.ToolHandler{"echo": echoHandler}
}

func TestSupervisor_AddPersistsAndSpawns(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	spec := testSpec()
	require.NoError(t, sup.Add(ctx, "alice", spec))

	persisted, err := st.Get(ctx, "alice", "echo")
	require.NoError(t, err)
	assert.Equal(t, spec, persisted)

	infos, err := sup.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].ServerID)
	assert.Equal(t, models.StatusReady, infos[0].Status)
}

func TestSupervisor_AddRejectsInvalidSpec(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	spec := testSpec()
	spec.Args = []string{"-y", "pkg; rm -rf /"}
	err := sup.Add(ctx, "alice", spec)
	require.Error(t, err)
	var verr *validate.Error
	require.ErrorAs(t, err, &verr)

	_, err = st.Get(ctx, "alice", "echo")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing persisted on validation failure")
}

func TestSupervisor_SpawnFailureRollsBackPersist(t *testing.T) {
	st := store.NewMemory()
	factory := func(models.ServerSpec, map[string]string, string) (mcpsdk.Transport, error) {
		return nil, errors.New("exec: \"npx\": not found")
	}
	sup := NewSupervisor(st, nil, factory, t.TempDir(), slog.Default())
	t.Cleanup(sup.Shutdown)
	ctx := context.Background()

	err := sup.Add(ctx, "alice", testSpec())
	require.Error(t, err)
	assert.Equal(t, KindSpawnFailed, ErrorKind(err))

	_, err = st.Get(ctx, "alice", "echo")
	assert.ErrorIs(t, err, store.ErrNotFound, "persist rolled back on spawn failure")
}

func TestSupervisor_ReAddReplaces(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	require.NoError(t, sup.Add(ctx, "alice", testSpec()))
	updated := testSpec()
	updated.ServerName = "Echo v2"
	require.NoError(t, sup.Add(ctx, "alice", updated))

	persisted, err := st.Get(ctx, "alice", "echo")
	require.NoError(t, err)
	assert.Equal(t, "Echo v2", persisted.ServerName)

	infos, err := sup.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, infos, 1, "re-add replaces, never duplicates")
}

func TestSupervisor_RemoveIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	require.NoError(t, sup.Add(ctx, "alice", testSpec()))
	require.NoError(t, sup.Remove(ctx, "alice", "echo"))
	require.NoError(t, sup.Remove(ctx, "alice", "echo"))
	require.NoError(t, sup.Remove(ctx, "alice", "never-added"))

	infos, err := sup.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSupervisor_RemovedServerToolsUnreachable(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	require.NoError(t, sup.Add(ctx, "alice", testSpec()))
	defs, err := sup.ToolsFor(ctx, "alice", []string{"echo"})
	require.NoError(t, err)
	require.Len(t, defs, 1)

	require.NoError(t, sup.Remove(ctx, "alice", "echo"))

	defs, err = sup.ToolsFor(ctx, "alice", []string{"echo"})
	require.NoError(t, err)
	assert.Empty(t, defs)

	_, _, err = sup.CallTool(ctx, "alice", "echo__echo", nil)
	require.Error(t, err)
	assert.Equal(t, KindToolRaised, ErrorKind(err))
}

func TestSupervisor_ToolsForQualifiesNames(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, map[string]mcpsdk.ToolHandler{
		"read":  echoHandler,
		"write": echoHandler,
	})
	ctx := context.Background()

	spec := testSpec()
	spec.ServerID = "fs"
	require.NoError(t, sup.Add(ctx, "alice", spec))

	defs, err := sup.ToolsFor(ctx, "alice", []string{"fs"})
	require.NoError(t, err)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"fs__read", "fs__write"}, names)
}

func TestSupervisor_CallToolDispatchesByPrefix(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	require.NoError(t, sup.Add(ctx, "alice", testSpec()))

	serverID, result, err := sup.CallTool(ctx, "alice", "echo__echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo", serverID)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "echo: hi", result.Content[0].Text)
}

func TestSupervisor_UsersAreIsolated(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	require.NoError(t, sup.Add(ctx, "alice", testSpec()))

	infos, err := sup.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, _, err = sup.CallTool(ctx, "bob", "echo__echo", nil)
	require.Error(t, err, "bob cannot reach alice's servers")
}

func TestSupervisor_ReconcileRespawnsPersisted(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "alice", testSpec()))

	// Fresh supervisor over a pre-populated store models a process restart.
	sup := newTestSupervisor(t, st, echoTools())

	infos, err := sup.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, models.StatusReady, infos[0].Status)

	_, result, err := sup.CallTool(ctx, "alice", "echo__echo", map[string]any{"text": "back"})
	require.NoError(t, err)
	assert.Equal(t, "echo: back", result.Content[0].Text)
}

func TestSupervisor_SharedServersVisibleToAllUsers(t *testing.T) {
	st := store.NewMemory()
	sup := newTestSupervisor(t, st, echoTools())
	ctx := context.Background()

	shared := testSpec()
	shared.ServerID = "search"
	shared.ServerName = "Shared Search"
	sup.StartShared(ctx, []models.ServerSpec{shared})

	for _, user := range []string{"alice", "bob"} {
		infos, err := sup.List(ctx, user)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.True(t, infos[0].Shared)
		assert.Equal(t, "search", infos[0].ServerID)

		defs, err := sup.ToolsFor(ctx, user, []string{"search"})
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, "search__echo", defs[0].Name)
	}
}
