// Package noderuntime implements the Node Runtime (C5): the per-actor
// POSIX-like file descriptor facade over the DAG store, key-stream
// store, and broadcast pipes. This is the Go-level shape of the actor
// runtime ABI described in the design's external-interfaces section;
// a WebAssembly host boundary would marshal these same calls across
// linear memory, but that boundary is an out-of-scope collaborator
// here — this package is written so such a host could wrap it
// call-for-call.
package noderuntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/kv"
	"github.com/ailets/ailets-go/pipe"
	"github.com/ailets/ailets-go/queue"
)

// Standard, per-node fd numbers, matching the ABI's fixed handles.
const (
	FDStdin   = int(handle.Stdin)
	FDStdout  = int(handle.Stdout)
	FDLog     = int(handle.Log)
	FDEnv     = int(handle.Env)
	FDMetrics = int(handle.Metrics)
	FDTrace   = int(handle.Trace)
)

// Standard KV keys backing the log/env/metrics/trace streams, shared
// across every node in a run.
const (
	KeyLog     = ".log"
	KeyEnv     = ".env"
	KeyMetrics = ".metrics"
	KeyTrace   = ".trace"
)

type fdEntry struct {
	readers    []*pipe.Reader // concatenated read set, in declaration order
	readCursor int
	writer     *pipe.Pipe
	ownsWriter bool // writer was created by OpenWritePipe and closes with the fd
}

// Runtime is bound to exactly one node and lives for the duration of
// that node's actor body.
type Runtime struct {
	node *dag.Node
	dags *dag.Store
	kv   *kv.Store
	q    *queue.Queue

	mu     sync.Mutex
	fds    map[int]*fdEntry
	nextFD int
	errno  errs.Code
}

// New constructs a Runtime for node. stdoutPipe is the pipe already
// opened for the node's stdout by the scheduler before the actor body
// starts, per §3's lifecycle rule that a node's stdout pipe exists as
// soon as it is Running.
func New(node *dag.Node, dags *dag.Store, kvStore *kv.Store, q *queue.Queue, stdoutPipe *pipe.Pipe) *Runtime {
	rt := &Runtime{
		node:   node,
		dags:   dags,
		kv:     kvStore,
		q:      q,
		fds:    make(map[int]*fdEntry),
		nextFD: FDTrace + 1,
	}
	rt.fds[FDStdout] = &fdEntry{writer: stdoutPipe}
	for fd, key := range map[int]string{FDLog: KeyLog, FDEnv: KeyEnv, FDMetrics: KeyMetrics, FDTrace: KeyTrace} {
		if w, err := kvStore.OpenWrite(key); err == nil {
			rt.fds[fd] = &fdEntry{writer: w}
		}
	}
	return rt
}

// Errno returns the code set by the most recent failing call.
func (rt *Runtime) Errno() errs.Code {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.errno
}

func (rt *Runtime) fail(code errs.Code) (int, error) {
	rt.mu.Lock()
	rt.errno = code
	rt.mu.Unlock()
	return -1, errs.IO(code, string(code))
}

// resolvedDeps returns every node id an actor's parameter resolves to,
// in declaration order, by concatenating the resolution of every
// dependency entry that matches param.
func (rt *Runtime) resolvedDeps(param string) ([]handle.Handle, error) {
	var out []handle.Handle
	for _, d := range rt.node.Dependencies {
		if d.Param != param {
			continue
		}
		ids, err := rt.dags.Resolve(d.Ref)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

// OpenRead resolves param to the idx-th dependency node's stdout pipe
// and opens a reader on it. idx == -1 opens a single fd that reads the
// concatenation of every resolved node's stdout pipe, in declaration
// order, exhausting one before advancing to the next.
func (rt *Runtime) OpenRead(param string, idx int) (int, error) {
	ids, err := rt.resolvedDeps(param)
	if err != nil {
		return rt.fail(errs.CodeEINVAL)
	}
	if len(ids) == 0 {
		return rt.fail(errs.CodeEINVAL)
	}

	var targets []handle.Handle
	if idx == -1 {
		targets = ids
	} else {
		if idx < 0 || idx >= len(ids) {
			return rt.fail(errs.CodeEINVAL)
		}
		targets = ids[idx : idx+1]
	}

	readers := make([]*pipe.Reader, 0, len(targets))
	for _, id := range targets {
		n, ok := rt.dags.Get(id)
		if !ok || n.Pipe == nil {
			return rt.fail(errs.CodeEIO)
		}
		readers = append(readers, n.Pipe.Open())
	}

	rt.mu.Lock()
	fd := rt.nextFD
	rt.nextFD++
	rt.fds[fd] = &fdEntry{readers: readers}
	rt.mu.Unlock()
	return fd, nil
}

// OpenWrite opens the fd backing param for writing. It is used to open
// keyed streams beyond stdout (New pre-opens log/env/metrics/trace only
// when the KV store holds a pipe under their keys; other keys go through
// the DAG-ops open_write_pipe call instead).
func (rt *Runtime) OpenWrite(param string) (int, error) {
	w, err := rt.kv.OpenWrite(param)
	if err != nil {
		return rt.fail(errs.CodeEBADF)
	}
	rt.mu.Lock()
	fd := rt.nextFD
	rt.nextFD++
	rt.fds[fd] = &fdEntry{writer: w}
	rt.mu.Unlock()
	return fd, nil
}

// Read copies into buf from fd, suspending as pipe.Reader.Read does.
func (rt *Runtime) Read(ctx context.Context, fd int, buf []byte) (int, error) {
	rt.mu.Lock()
	e, ok := rt.fds[fd]
	rt.mu.Unlock()
	if !ok || len(e.readers) == 0 {
		return rt.fail(errs.CodeEBADF)
	}

	for e.readCursor < len(e.readers) {
		n, err := e.readers[e.readCursor].Read(ctx, buf)
		if err != nil {
			return rt.fail(errs.CodeEIO)
		}
		if n > 0 {
			return n, nil
		}
		e.readCursor++
	}
	return 0, nil
}

// Write appends buf to fd's backing pipe.
func (rt *Runtime) Write(fd int, buf []byte) (int, error) {
	rt.mu.Lock()
	e, ok := rt.fds[fd]
	rt.mu.Unlock()
	if !ok || e.writer == nil {
		return rt.fail(errs.CodeEBADF)
	}
	n, err := e.writer.Write(buf)
	if err != nil {
		return rt.fail(errs.CodeEPIPE)
	}
	return n, nil
}

// Close releases fd. Closing an fd returned by OpenWritePipe also
// closes its pipe. Closing an unknown fd is EBADF.
func (rt *Runtime) Close(fd int) error {
	rt.mu.Lock()
	e, ok := rt.fds[fd]
	if !ok {
		rt.errno = errs.CodeEBADF
		rt.mu.Unlock()
		return errs.IO(errs.CodeEBADF, "close of unknown fd")
	}
	for _, r := range e.readers {
		r.Close()
	}
	delete(rt.fds, fd)
	rt.mu.Unlock()
	if e.ownsWriter {
		e.writer.Close()
	}
	return nil
}

// ValueNode is the value_node DAG-op: creates a finished value node
// from bytes.
func (rt *Runtime) ValueNode(bytes []byte, explain string) handle.Handle {
	return rt.dags.AddValueNode(bytes, explain).ID
}

// Alias is the alias DAG-op.
func (rt *Runtime) Alias(name string, target *dag.Ref) {
	rt.dags.Alias(name, target)
}

// DetachFromAlias is the detach_from_alias DAG-op.
func (rt *Runtime) DetachFromAlias(name string) {
	rt.dags.DetachFromAlias(name)
}

// InstantiateWithDeps is the instantiate_with_deps DAG-op.
func (rt *Runtime) InstantiateWithDeps(resolver dag.PluginResolver, workflow string, deps map[string]dag.Ref) (handle.Handle, error) {
	return rt.dags.InstantiateWithDeps(resolver, workflow, deps)
}

// OpenWritePipe is the open_write_pipe DAG-op: it creates a value-like
// node backed by a fresh, open pipe that the actor can write to over an
// fd, rather than a fixed byte buffer at creation. The node is created
// via AddOpenNode, not AddNode: it starts in Running, so the scheduler
// never dispatches it (and so never fails it out from under the actor
// still writing to it via "unknown actor kind"). Its state then tracks
// the pipe's own lifecycle: Progressed on first write, Finished on
// Close, Failed on Poison.
func (rt *Runtime) OpenWritePipe(explain string) (fd int, nodeID handle.Handle, err error) {
	n := rt.dags.AddOpenNode(fmt.Sprintf("%s-out", rt.node.Name), "value", explain)
	progress := rt.q.Register(n.Name + "-progress")
	p := pipe.New(rt.q, progress, 0)
	n.Pipe = p

	progressedOnce := false
	p.SetOnWrite(func(int) {
		if !progressedOnce {
			progressedOnce = true
			_ = rt.dags.SetState(n.ID, dag.Progressed, nil)
		}
	})
	p.SetOnClose(func(poisoned bool) {
		if poisoned {
			_ = rt.dags.SetState(n.ID, dag.Failed, errs.IO(errs.CodeEPIPE, "open_write_pipe branch poisoned"))
			return
		}
		_ = rt.dags.SetState(n.ID, dag.Finished, nil)
	})

	rt.mu.Lock()
	fd2 := rt.nextFD
	rt.nextFD++
	rt.fds[fd2] = &fdEntry{writer: p, ownsWriter: true}
	rt.mu.Unlock()
	return fd2, n.ID, nil
}

// AliasFd binds fd's underlying pipe to a new branch reachable via
// alias name. If the pipe has already closed, its buffer is snapshotted
// into an immediate finished value node rather than a degenerate empty
// node, since a closed pipe's bytes are still meaningful data the actor
// produced.
func (rt *Runtime) AliasFd(fd int, aliasName string) error {
	rt.mu.Lock()
	e, ok := rt.fds[fd]
	rt.mu.Unlock()
	if !ok || e.writer == nil {
		_, err := rt.fail(errs.CodeEBADF)
		return err
	}

	var target dag.Ref
	if e.writer.Closed() {
		vn := rt.dags.AddValueNode(e.writer.Snapshot(), "alias_fd snapshot of closed pipe")
		target = dag.NodeRef(vn.ID)
	} else {
		// The writer's owning node is looked up by identity: OpenWritePipe
		// created a node whose Pipe field is this exact writer.
		for _, n := range rt.dags.Nodes() {
			if n.Pipe == e.writer {
				target = dag.NodeRef(n.ID)
				break
			}
		}
	}
	rt.dags.Alias(aliasName, &target)
	return nil
}
