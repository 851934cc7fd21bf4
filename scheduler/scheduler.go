// Package scheduler implements the cooperative driver (C6): it decides
// which nodes are runnable, spawns their actor bodies onto a bounded
// worker pool, propagates progress, and reacts to completion by
// re-evaluating readiness until the graph's ".end" node settles.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ailets/ailets-go/config"
	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/kv"
	"github.com/ailets/ailets-go/noderuntime"
	"github.com/ailets/ailets-go/pipe"
	"github.com/ailets/ailets-go/plugins"
	"github.com/ailets/ailets-go/queue"
)

// Tracer opens one span per node execution. Real spans come from an
// OpenTelemetry tracer wired in by the caller; nil disables tracing.
type Tracer interface {
	StartSpan(ctx context.Context, nodeID handle.Handle, kind string) (context.Context, func(err error))
}

// Metrics receives scheduler counters. A nil Metrics is a no-op.
// Concrete collectors (Prometheus-backed) live in the telemetry
// package; the scheduler only depends on this narrow interface so it
// never imports a metrics client library directly.
type Metrics interface {
	ObserveReadyNodes(n int)
	IncNodesRunning(delta int)
	IncNodesFinished()
	IncNodesFailed()
	AddPipeBytesWritten(n int)
}

// HistoryEntry records one node's execution window, in the shape of the
// teacher's ExecutionHistory records, generalized from a workflow
// engine's node executions to this graph's actor nodes.
type HistoryEntry struct {
	NodeID    handle.Handle
	Name      string
	Kind      string
	StartTime time.Time
	EndTime   time.Time
	Status    string // "running", "finished", "failed"
	Error     string
}

// Observer is notified of every state transition and pipe write the
// scheduler makes, so the debug inspector (C11) can forward the same
// observations to an attached client without the scheduler knowing
// anything about websockets.
type Observer interface {
	OnStateChange(node *dag.Node)
	OnPipeWrite(node *dag.Node, n int)
}

// Scheduler drives one Environment's DAG to completion.
type Scheduler struct {
	dags     *dag.Store
	kv       *kv.Store
	q        *queue.Queue
	registry *plugins.Registry
	sem      *semaphore.Weighted
	cfg      config.SchedulerConfig
	tracer   Tracer
	metrics  Metrics

	mu        sync.Mutex
	running   map[handle.Handle]runningNode
	observers []Observer

	historyMu sync.Mutex
	history   []*HistoryEntry

	// sentinels for stop_before/stop_after, evaluated after each step.
	stopBeforeName string
	stopAfterName  string
	stopped        bool
}

// New constructs a Scheduler bound to dags/kvStore/q/registry, gated by
// a semaphore sized from cfg.MaxWorkers, mirroring the teacher's
// GoroutinePool spawn-on-demand shape but expressed with
// golang.org/x/sync/semaphore instead of a hand-rolled worker loop.
func New(dags *dag.Store, kvStore *kv.Store, q *queue.Queue, registry *plugins.Registry, cfg config.SchedulerConfig, tracer Tracer, metrics Metrics) *Scheduler {
	return &Scheduler{
		dags:     dags,
		kv:       kvStore,
		q:        q,
		registry: registry,
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		cfg:      cfg,
		tracer:   tracer,
		metrics:  metrics,
		running:  make(map[handle.Handle]runningNode),
	}
}

// AddObserver registers o to receive every subsequent state change and
// pipe write. Not safe to call concurrently with Run/OneStep.
func (s *Scheduler) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// StopBefore installs a sentinel: Run returns just before the named
// node or alias would be scheduled.
func (s *Scheduler) StopBefore(nameOrAlias string) { s.stopBeforeName = nameOrAlias }

// StopAfter installs a sentinel: Run returns just after the named node
// or alias finishes or fails.
func (s *Scheduler) StopAfter(nameOrAlias string) { s.stopAfterName = nameOrAlias }

// History returns a snapshot of every node execution recorded so far.
func (s *Scheduler) History() []*HistoryEntry {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]*HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// runningNode tracks what the awaker needs for one in-flight node: its
// cancellation and its stdout progress handle.
type runningNode struct {
	cancel   context.CancelFunc
	progress handle.Handle
}

// Run drives the main loop to completion: arm the awaker, compute
// ready nodes, dispatch them, wait for progress or completion,
// repeat, until the ".end" alias resolves to a finished or failed
// node and no runnable node remains.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		done, err := s.OneStep(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// OneStep executes until the first transition observable at readiness
// computation or at wait-for-completion completes, then returns
// whether the run has reached its terminal condition.
func (s *Scheduler) OneStep(ctx context.Context) (finished bool, err error) {
	if s.stopped {
		return true, nil
	}

	// Arm before sampling readiness: registration of interest in the
	// graph-changed handle and every currently running node's progress
	// handle must happen-before ReadyNodes reads state, or a Notify
	// firing in between would be missed until some unrelated future
	// Notify happens to occur.
	tickets, err := s.armProgressTickets()
	if err != nil {
		return false, err
	}

	ready := s.dags.ReadyNodes()
	if s.metrics != nil {
		s.metrics.ObserveReadyNodes(len(ready))
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

	dispatched := 0
	for _, n := range ready {
		if s.stopBeforeName != "" && matchesSentinel(s.dags, n, s.stopBeforeName) {
			s.stopped = true
			cancelTickets(tickets)
			return true, nil
		}
		if err := s.dispatch(ctx, n); err != nil {
			cancelTickets(tickets)
			return false, err
		}
		dispatched++
	}

	if s.terminal() {
		cancelTickets(tickets)
		return true, nil
	}

	if s.stopAfterName != "" && sentinelSettled(s.dags, s.stopAfterName) {
		s.stopped = true
		cancelTickets(tickets)
		return true, nil
	}

	if dispatched > 0 {
		cancelTickets(tickets)
		return false, nil
	}

	// Nothing became ready this pass and nothing is running: the
	// awaker has nothing left to wake on, which means the graph is
	// stuck (every remaining node depends on something that will
	// never finish). Treat that as terminal rather than spin.
	if !s.anyRunning() {
		cancelTickets(tickets)
		return true, nil
	}

	if err := s.awaitProgress(ctx, tickets); err != nil {
		return false, err
	}
	if s.stopAfterName != "" && sentinelSettled(s.dags, s.stopAfterName) {
		s.stopped = true
		return true, nil
	}
	return s.terminal(), nil
}

// armProgressTickets arms a wait ticket on the graph-changed handle and
// on every currently running node's progress handle, in one pass under
// s.mu, before the caller samples any state derived from them.
func (s *Scheduler) armProgressTickets() ([]*queue.Ticket, error) {
	s.mu.Lock()
	handles := make([]handle.Handle, 0, len(s.running)+1)
	handles = append(handles, s.dags.GraphChanged())
	for _, r := range s.running {
		handles = append(handles, r.progress)
	}
	s.mu.Unlock()

	tickets := make([]*queue.Ticket, 0, len(handles))
	for _, h := range handles {
		t, err := s.q.Arm(h)
		if err != nil {
			cancelTickets(tickets)
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

func cancelTickets(tickets []*queue.Ticket) {
	for _, t := range tickets {
		t.Cancel()
	}
}

// sentinelSettled reports whether the named node or alias has reached
// a terminal state, for stop_after.
func sentinelSettled(dags *dag.Store, nameOrAlias string) bool {
	for _, n := range dags.Nodes() {
		if n.Name != nameOrAlias {
			continue
		}
		return n.State == dag.Finished || n.State == dag.Failed
	}
	ids, err := dags.Resolve(dag.AliasRef(nameOrAlias))
	if err != nil {
		return false
	}
	for _, id := range ids {
		n, ok := dags.Get(id)
		if !ok || !(n.State == dag.Finished || n.State == dag.Failed) {
			return false
		}
	}
	return len(ids) > 0
}

// DryRun returns a printable dependency tree (id, name, kind, state and
// dependencies of every node), without dispatching anything. It does
// not compute readiness: which nodes would be dispatched next is not
// shown.
func (s *Scheduler) DryRun() string {
	nodes := s.dags.Nodes()
	var out string
	for _, n := range nodes {
		out += fmt.Sprintf("%d\t%s\t%s\t%s\n", n.ID, n.Name, n.Kind, n.State)
		for _, d := range n.Dependencies {
			if d.Ref.IsAlias {
				out += fmt.Sprintf("\t<- alias %s\n", d.Ref.Alias)
			} else {
				out += fmt.Sprintf("\t<- node %d\n", d.Ref.NodeID)
			}
		}
	}
	return out
}

func matchesSentinel(dags *dag.Store, n *dag.Node, nameOrAlias string) bool {
	if n.Name == nameOrAlias {
		return true
	}
	ids, err := dags.Resolve(dag.AliasRef(nameOrAlias))
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == n.ID {
			return true
		}
	}
	return false
}

func (s *Scheduler) terminal() bool {
	ids, err := s.dags.Resolve(dag.AliasRef(".end"))
	if err != nil || len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		n, ok := s.dags.Get(id)
		if !ok {
			continue
		}
		if n.State == dag.Finished || n.State == dag.Failed {
			return true
		}
	}
	return false
}

func (s *Scheduler) anyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) > 0
}

// dispatch transitions n to Running, binds a Runtime, and spawns its
// actor body onto the worker pool.
func (s *Scheduler) dispatch(ctx context.Context, n *dag.Node) error {
	body, err := s.registry.Lookup(n.Kind)
	if err != nil {
		_ = s.dags.SetState(n.ID, dag.Failed, err)
		s.notifyObservers(n)
		return nil // a GraphError from an unregistered kind fails the node, not the run
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	if err := s.dags.SetState(n.ID, dag.Running, nil); err != nil {
		s.sem.Release(1)
		return err
	}
	s.notifyObservers(n)

	progress := s.q.Register(fmt.Sprintf("%s-progress", n.Name))
	stdout := newTrackedPipe(s.q, progress, 0)
	n.Pipe = stdout

	progressedOnce := false
	stdout.SetOnWrite(func(written int) {
		if !progressedOnce {
			progressedOnce = true
			_ = s.dags.SetState(n.ID, dag.Progressed, nil)
		}
		if s.metrics != nil {
			s.metrics.AddPipeBytesWritten(written)
		}
		for _, o := range s.observers {
			o.OnPipeWrite(n, written)
		}
		if updated, ok := s.dags.Get(n.ID); ok {
			s.notifyObservers(updated)
		}
	})

	nodeCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[n.ID] = runningNode{cancel: cancel, progress: progress}
	s.mu.Unlock()

	entry := &HistoryEntry{NodeID: n.ID, Name: n.Name, Kind: n.Kind, StartTime: nowFunc(), Status: "running"}
	s.historyMu.Lock()
	s.history = append(s.history, entry)
	s.historyMu.Unlock()

	if s.metrics != nil {
		s.metrics.IncNodesRunning(1)
	}

	go s.runActor(nodeCtx, cancel, body, n, stdout, entry)
	return nil
}

func (s *Scheduler) runActor(ctx context.Context, cancel context.CancelFunc, body plugins.ActorBody, n *dag.Node, stdout *pipe.Pipe, entry *HistoryEntry) {
	defer cancel()
	defer s.sem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.running, n.ID)
		s.mu.Unlock()
	}()

	var spanEnd func(error)
	if s.tracer != nil {
		ctx, spanEnd = s.tracer.StartSpan(ctx, n.ID, n.Kind)
	}

	rt := noderuntime.New(n, s.dags, s.kv, s.q, stdout)
	rtCtx := plugins.WithResolver(ctx, s.registry)

	runErr := runBodyRecovered(rtCtx, body, rt)

	s.historyMu.Lock()
	entry.EndTime = nowFunc()
	if runErr != nil {
		entry.Status = "failed"
		entry.Error = runErr.Error()
	} else {
		entry.Status = "finished"
	}
	s.historyMu.Unlock()

	if runErr != nil {
		stdout.Poison()
		_ = s.dags.SetState(n.ID, dag.Failed, errs.Actor(errs.CodeActorReturned, runErr.Error()).WithCause(runErr))
		if s.metrics != nil {
			s.metrics.IncNodesFailed()
		}
	} else {
		stdout.Close()
		_ = s.dags.SetState(n.ID, dag.Finished, nil)
		if s.metrics != nil {
			s.metrics.IncNodesFinished()
		}
	}
	if s.metrics != nil {
		s.metrics.IncNodesRunning(-1)
	}
	if spanEnd != nil {
		spanEnd(runErr)
	}
	updated, _ := s.dags.Get(n.ID)
	if updated != nil {
		s.notifyObservers(updated)
	}
}

func runBodyRecovered(ctx context.Context, body plugins.ActorBody, rt *noderuntime.Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor body panicked: %v", r)
		}
	}()
	return body(ctx, rt)
}

// awaitProgress blocks on tickets already armed by armProgressTickets,
// returning as soon as any one fires. Because each ticket was
// registered before its holder sampled any state, a Notify racing with
// that sample is still delivered here rather than lost.
func (s *Scheduler) awaitProgress(ctx context.Context, tickets []*queue.Ticket) error {
	woken := make(chan struct{}, 1)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, t := range tickets {
		wg.Add(1)
		go func(t *queue.Ticket) {
			defer wg.Done()
			if _, err := t.Wait(waitCtx); err == nil {
				select {
				case woken <- struct{}{}:
				default:
				}
				cancel()
			}
		}(t)
	}

	select {
	case <-woken:
	case <-ctx.Done():
		cancel()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Cancel stops every running actor at its next suspension point. Their
// stdout pipes are left to be poisoned by runActor's own failure path
// once the body's context.Done() is observed, matching the design's
// stance that teardown closes pipes and readers see end-of-stream or
// EPIPE rather than a silent hang.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.running {
		r.cancel()
	}
}

func (s *Scheduler) notifyObservers(n *dag.Node) {
	for _, o := range s.observers {
		o.OnStateChange(n)
	}
}

// nowFunc is a seam so tests could inject a controlled clock; the
// scheduler itself always uses wall-clock time.
var nowFunc = time.Now
