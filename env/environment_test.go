package env

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/noderuntime"
	"github.com/ailets/ailets-go/plugins"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Name = filepath.Join(t.TempDir(), "state.db")
	return cfg
}

func TestNewBuildsAWorkingEnvironment(t *testing.T) {
	e, err := New(newTestConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, e.DAG)
	require.NotNil(t, e.Scheduler)
	require.NoError(t, e.Close(context.Background()))
}

func TestSeedPromptAliasesJoinedText(t *testing.T) {
	e, err := New(newTestConfig(t), nil)
	require.NoError(t, err)

	e.SeedPrompt([]string{"hello", "world"})

	ids, err := e.DAG.Resolve(dag.AliasRef(".prompt"))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	n, ok := e.DAG.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, "hello\nworld", string(n.Pipe.Snapshot()))
}

func TestSeedToolAliasesUnderToolsNamespace(t *testing.T) {
	e, err := New(newTestConfig(t), nil)
	require.NoError(t, err)

	e.SeedTool("get_user_name", []byte(`{"name":"get_user_name"}`))

	ids, err := e.DAG.Resolve(dag.AliasRef(".tools.get_user_name"))
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestRunDrivesASeededGraphToEnd(t *testing.T) {
	e, err := New(newTestConfig(t), nil)
	require.NoError(t, err)

	e.SeedPrompt([]string{"hi"})
	promptIDs, err := e.DAG.Resolve(dag.AliasRef(".prompt"))
	require.NoError(t, err)

	e.Registry.RegisterKind("echo", plugins.KindMeta{}, func(ctx context.Context, rt *noderuntime.Runtime) error {
		fd, err := rt.OpenRead("", 0)
		if err != nil {
			return err
		}
		defer rt.Close(fd)
		buf := make([]byte, 64)
		n, err := rt.Read(ctx, fd, buf)
		if err != nil {
			return err
		}
		_, err = rt.Write(noderuntime.FDStdout, buf[:n])
		return err
	})
	sink, err := e.DAG.AddNode("echo", "echo", []dag.Dependency{{Ref: dag.NodeRef(promptIDs[0])}}, "", false)
	require.NoError(t, err)
	e.AliasEnd(sink)

	require.NoError(t, e.Run(context.Background()))

	endIDs, err := e.DAG.Resolve(dag.AliasRef(".end"))
	require.NoError(t, err)
	node, ok := e.DAG.Get(endIDs[0])
	require.True(t, ok)
	assert.Equal(t, dag.Finished, node.State)
}

func TestSnapshotThenRestoreRoundTripsThroughEnvironments(t *testing.T) {
	cfg := newTestConfig(t)

	e1, err := New(cfg, nil)
	require.NoError(t, err)
	e1.DAG.AddValueNode([]byte("persisted"), "")
	require.NoError(t, e1.Snapshot(cfg.Database))

	e2, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e2.Restore(cfg.Database))

	nodes := e2.DAG.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, []byte("persisted"), nodes[0].Pipe.Snapshot())
}
