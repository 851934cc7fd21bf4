package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/kv"
	"github.com/ailets/ailets-go/noderuntime"
	"github.com/ailets/ailets-go/plugins"
	"github.com/ailets/ailets-go/queue"
)

func newTestScheduler(t *testing.T) (*Scheduler, *dag.Store, *kv.Store, *queue.Queue, *plugins.Registry) {
	t.Helper()
	q := queue.New()
	kvStore := kv.New()
	dags := dag.New(q, kvStore)
	registry := plugins.New()
	plugins.RegisterStdlib(registry)
	cfg := config.SchedulerConfig{MaxWorkers: 4, IdleTimeout: time.Second}
	s := New(dags, kvStore, q, registry, cfg, nil, nil)
	return s, dags, kvStore, q, registry
}

func echoKind(rt *noderuntime.Runtime, out []byte) error {
	_, err := rt.Write(noderuntime.FDStdout, out)
	return err
}

func TestRunDrivesPromptToMarkdown(t *testing.T) {
	s, dags, _, _, registry := newTestScheduler(t)

	prompt := dags.AddValueNode([]byte("hi"), "")
	promptRef := dag.NodeRef(prompt.ID)
	dags.Alias(".prompt", &promptRef)

	p2m, err := dags.AddNode("prompt-to-messages", "prompt_to_messages", []dag.Dependency{{Ref: dag.AliasRef(".prompt")}}, "", false)
	require.NoError(t, err)

	registry.RegisterKind("query", plugins.KindMeta{}, func(ctx context.Context, rt *noderuntime.Runtime) error {
		return echoKind(rt, []byte(`{"choices":[{"message":{"role":"assistant","content":"hello back"}}]}`))
	})

	m2q, err := dags.AddNode("messages-to-query", "messages_to_query", []dag.Dependency{{Ref: dag.NodeRef(p2m.ID)}}, "", false)
	require.NoError(t, err)
	q, err := dags.AddNode("query", "query", []dag.Dependency{{Ref: dag.NodeRef(m2q.ID)}}, "", false)
	require.NoError(t, err)
	r2m, err := dags.AddNode("response-to-messages", "response_to_messages", []dag.Dependency{{Ref: dag.NodeRef(q.ID)}}, "", false)
	require.NoError(t, err)
	m2md, err := dags.AddNode("messages-to-markdown", "messages_to_markdown", []dag.Dependency{{Ref: dag.NodeRef(r2m.ID)}}, "", true)
	require.NoError(t, err)
	endRef := dag.NodeRef(m2md.ID)
	dags.Alias(".end", &endRef)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	final, ok := dags.Get(m2md.ID)
	require.True(t, ok)
	assert.Equal(t, dag.Finished, final.State)
	assert.Equal(t, "hello back\n", string(final.Pipe.Snapshot()))
}

func TestRunPropagatesFailureAsPoisonNotPanic(t *testing.T) {
	s, dags, _, _, registry := newTestScheduler(t)

	registry.RegisterKind("boom", plugins.KindMeta{}, func(ctx context.Context, rt *noderuntime.Runtime) error {
		return assert.AnError
	})

	failing, err := dags.AddNode("failing", "boom", nil, "", false)
	require.NoError(t, err)
	endRef := dag.NodeRef(failing.ID)
	dags.Alias(".end", &endRef)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	final, ok := dags.Get(failing.ID)
	require.True(t, ok)
	assert.Equal(t, dag.Failed, final.State)
	assert.True(t, final.Pipe.IsPoisoned())
}

func TestUnknownKindFailsNodeWithoutHaltingRun(t *testing.T) {
	s, dags, _, _, _ := newTestScheduler(t)

	unknown, err := dags.AddNode("mystery", "no-such-kind", nil, "", false)
	require.NoError(t, err)
	endRef := dag.NodeRef(unknown.ID)
	dags.Alias(".end", &endRef)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	final, ok := dags.Get(unknown.ID)
	require.True(t, ok)
	assert.Equal(t, dag.Failed, final.State)
}

// TestOpenWritePipeBranchSurvivesDispatchWhileStillWriting exercises
// the real scheduler loop, not just an isolated runtime unit test: an
// actor opens a second output via open_write_pipe, writes to it across
// more than one ReadyNodes pass, and only then closes it. The branch
// node must never be picked up by the scheduler as a dispatch
// candidate (it has no registered actor kind and would otherwise be
// failed out from under the still-writing actor), and must end up
// Finished once its pipe closes.
func TestOpenWritePipeBranchSurvivesDispatchWhileStillWriting(t *testing.T) {
	s, dags, _, _, registry := newTestScheduler(t)

	branchIDCh := make(chan handle.Handle, 1)
	releaseWriter := make(chan struct{})
	registry.RegisterKind("forks-a-branch", plugins.KindMeta{}, func(ctx context.Context, rt *noderuntime.Runtime) error {
		fd, nodeID, err := rt.OpenWritePipe("side channel")
		if err != nil {
			return err
		}
		branchIDCh <- nodeID
		if _, err := rt.Write(fd, []byte("partial")); err != nil {
			return err
		}
		<-releaseWriter
		if _, err := rt.Write(fd, []byte("-rest")); err != nil {
			return err
		}
		return rt.Close(fd)
	})

	n, err := dags.AddNode("forker", "forks-a-branch", nil, "", false)
	require.NoError(t, err)
	endRef := dag.NodeRef(n.ID)
	dags.Alias(".end", &endRef)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var branchID handle.Handle
	select {
	case branchID = <-branchIDCh:
	case <-time.After(time.Second):
		t.Fatal("actor never reported its branch node id")
	}

	// The branch node has no registered actor kind, so if the scheduler
	// ever treated it as a dispatch candidate it would be Failed here,
	// mid-write.
	for i := 0; i < 5; i++ {
		ready := dags.ReadyNodes()
		for _, r := range ready {
			assert.NotEqual(t, branchID, r.ID, "open_write_pipe branch must never be scheduler-ready")
		}
		branch, ok := dags.Get(branchID)
		require.True(t, ok)
		assert.NotEqual(t, dag.Failed, branch.State)
		time.Sleep(time.Millisecond)
	}

	close(releaseWriter)
	require.NoError(t, <-done)

	branch, ok := dags.Get(branchID)
	require.True(t, ok)
	assert.Equal(t, dag.Finished, branch.State)
	assert.Equal(t, "partial-rest", string(branch.Pipe.Snapshot()))
}

func TestDryRunDoesNotDispatchAnything(t *testing.T) {
	s, dags, _, _, _ := newTestScheduler(t)
	n, err := dags.AddNode("idle", "prompt_to_messages", nil, "", false)
	require.NoError(t, err)

	out := s.DryRun()
	assert.Contains(t, out, "idle")
	assert.Contains(t, out, "prompt_to_messages")

	final, _ := dags.Get(n.ID)
	assert.Equal(t, dag.NotStarted, final.State)
}

// TestAwakerPicksUpNodeAddedWhileAnotherIsBlocked exercises the
// awaker-correctness scenario: one actor body is parked in a blocking
// read that this test never satisfies, and a second, independent node
// is added to the graph after the run has already started stepping.
// The scheduler must notice and finish the second node without any
// external nudge beyond the graph-changed notification AddNode already
// fires.
func TestAwakerPicksUpNodeAddedWhileAnotherIsBlocked(t *testing.T) {
	s, dags, _, q, registry := newTestScheduler(t)

	blockForever := func(ctx context.Context, rt *noderuntime.Runtime) error {
		fd, err := rt.OpenRead("", 0)
		if err != nil {
			return err
		}
		defer rt.Close(fd)
		_, err = rt.Read(ctx, fd, make([]byte, 4))
		return err
	}
	registry.RegisterKind("blocker", plugins.KindMeta{}, blockForever)

	openSrc, err := dags.AddNode("open-source", "value", nil, "", false)
	require.NoError(t, err)
	progress := q.Register("open-source-progress")
	require.NoError(t, dags.SetState(openSrc.ID, dag.Running, nil))
	openSrc.Pipe = newTrackedPipe(q, progress, 0)

	blocker, err := dags.AddNode("blocker", "blocker", []dag.Dependency{{Ref: dag.NodeRef(openSrc.ID)}}, "", true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stepErrCh := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if _, err := s.OneStep(ctx); err != nil {
				stepErrCh <- err
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		stepErrCh <- nil
	}()
	require.NoError(t, <-stepErrCh)

	fresh := dags.AddValueNode([]byte("independent"), "")
	independent, err := dags.AddNode("prompt-to-messages-2", "prompt_to_messages", []dag.Dependency{{Ref: dag.NodeRef(fresh.ID)}}, "", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		if _, err := s.OneStep(ctx); err != nil {
			return false
		}
		n, ok := dags.Get(independent.ID)
		return ok && n.State == dag.Finished
	}, 2*time.Second, 10*time.Millisecond)

	blockerNode, ok := dags.Get(blocker.ID)
	require.True(t, ok)
	assert.Equal(t, dag.Running, blockerNode.State)
}
