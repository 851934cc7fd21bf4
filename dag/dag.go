// Package dag implements the DAG Store (C4): the graph of nodes,
// dependencies, and aliases that the scheduler drives to completion.
package dag

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/kv"
	"github.com/ailets/ailets-go/pipe"
	"github.com/ailets/ailets-go/queue"
)

// State is a node's position in its lifecycle. States are monotonic:
// not_started -> runnable -> running -> (progressed)* -> finished|failed.
type State int

const (
	NotStarted State = iota
	Runnable
	Running
	Progressed
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Progressed:
		return "progressed"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// rank gives every state a monotonic position so transitions can be
// checked for forward-only movement. Progressed and Running share a
// rank tier below Finished/Failed since a node may move
// Running -> Progressed -> Progressed (repeated writes) before settling.
var rank = map[State]int{
	NotStarted: 0,
	Runnable:   1,
	Running:    2,
	Progressed: 2,
	Finished:   3,
	Failed:     3,
}

// Ref is a dependency's source: either a concrete node or an alias name.
type Ref struct {
	NodeID  handle.Handle
	Alias   string
	IsAlias bool
}

// NodeRef builds a Ref pointing at a concrete node.
func NodeRef(id handle.Handle) Ref { return Ref{NodeID: id} }

// AliasRef builds a Ref pointing at an alias name.
func AliasRef(name string) Ref { return Ref{Alias: name, IsAlias: true} }

// Dependency is one (param_name, source_ref) pair. An empty Param means
// the default/positional input.
type Dependency struct {
	Param string
	Ref   Ref
}

// Node is the unit of computation in the graph.
type Node struct {
	ID                handle.Handle
	Name              string
	Kind              string
	Dependencies      []Dependency
	State             State
	Err               error
	Explain           string
	StreamingTolerant bool

	Pipe *pipe.Pipe // stdout pipe, created when the node becomes Running
}

// PluginResolver resolves a workflow name to a sub-DAG template, as
// supplied by the Environment's plugin table (C8).
type PluginResolver interface {
	Resolve(workflowName string) (Template, bool)
}

// TemplateDependency wires one dependency of a template node either to
// another node within the same template (by NameHint) or to an input
// key supplied by the caller of InstantiateWithDeps.
type TemplateDependency struct {
	Param         string
	InternalRef   string // NameHint of a sibling template node, if internal
	ExternalInput string // key into the deps map passed to InstantiateWithDeps
}

// TemplateNode is one node of a sub-DAG template.
type TemplateNode struct {
	NameHint string
	Kind     string
	Deps     []TemplateDependency
}

// Template is a sub-DAG grafted in wholesale by InstantiateWithDeps.
// Sink names the template node whose id is returned to the caller.
type Template struct {
	Nodes []TemplateNode
	Sink  string
}

// GraphChangedHint is the debug hint used to register the well-known
// graph-changed notification handle.
const GraphChangedHint = "graph-changed"

// Store is the DAG store. The zero value is not usable; construct with
// New.
type Store struct {
	mu sync.RWMutex

	nodes []*Node // creation order
	byID  map[handle.Handle]*Node
	names map[string]bool

	aliases map[string][]handle.Handle

	alloc        *handle.Allocator
	q            *queue.Queue
	graphChanged handle.Handle
	kv           *kv.Store
}

// New constructs an empty Store wired to q (for graph-changed
// notifications) and kv (value nodes publish their output there).
func New(q *queue.Queue, kvStore *kv.Store) *Store {
	return &Store{
		byID:         make(map[handle.Handle]*Node),
		names:        make(map[string]bool),
		aliases:      make(map[string][]handle.Handle),
		alloc:        handle.NewAllocator(),
		q:            q,
		graphChanged: q.Register(GraphChangedHint),
		kv:           kvStore,
	}
}

// GraphChanged returns the handle notified on every mutation.
func (s *Store) GraphChanged() handle.Handle { return s.graphChanged }

func (s *Store) notifyChanged() {
	_, _ = s.q.Notify(s.graphChanged, 0)
}

func uniqueName(hint string, taken map[string]bool) string {
	if !taken[hint] {
		return hint
	}
	return fmt.Sprintf("%s-%s", hint, uuid.NewString()[:8])
}

// AddValueNode creates a value node in Finished state and publishes its
// output to the key-stream store under the node's name.
func (s *Store) AddValueNode(bytes []byte, explain string) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.alloc.Next()
	name := uniqueName(fmt.Sprintf("value-%d", id), s.names)
	s.names[name] = true

	n := &Node{
		ID:      id,
		Name:    name,
		Kind:    "value",
		State:   Finished,
		Explain: explain,
		Pipe:    pipe.NewLiteral(bytes),
	}
	s.nodes = append(s.nodes, n)
	s.byID[id] = n
	s.kv.PutValue(name, bytes)

	s.notifyChanged()
	return n
}

// AddNamedValueNode is AddValueNode with an explicit name instead of an
// auto-generated one, used by the persistence store's restore
// operation to replay snapshotted nodes under their original names.
func (s *Store) AddNamedValueNode(name string, bytes []byte, explain string) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.alloc.Next()
	name = uniqueName(name, s.names)
	s.names[name] = true

	n := &Node{
		ID:      id,
		Name:    name,
		Kind:    "value",
		State:   Finished,
		Explain: explain,
		Pipe:    pipe.NewLiteral(bytes),
	}
	s.nodes = append(s.nodes, n)
	s.byID[id] = n
	s.kv.PutValue(name, bytes)

	s.notifyChanged()
	return n
}

// AddOpenNode creates a node directly in Running state, with no
// dependencies and no plugin-table lookup ever performed against it:
// used by open_write_pipe, where the node's bytes accumulate through a
// pipe the calling actor writes to directly rather than through the
// scheduler dispatching a registered actor body. Because Running (not
// NotStarted) is the starting state, ReadyNodes never selects it for
// dispatch, so an unregistered or borrowed kind name never fails it out
// from under an actor still writing to its pipe. The caller is
// responsible for moving it through Progressed/Finished/Failed as its
// pipe is written to and closed, the same way the scheduler drives an
// actor's own stdout node.
func (s *Store) AddOpenNode(nameHint, kind, explain string) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.alloc.Next()
	name := uniqueName(nameHint, s.names)
	s.names[name] = true

	n := &Node{
		ID:      id,
		Name:    name,
		Kind:    kind,
		State:   Running,
		Explain: explain,
	}
	s.nodes = append(s.nodes, n)
	s.byID[id] = n
	s.notifyChanged()
	return n
}

// AddNode allocates an id, generates a unique name from nameHint, and
// registers the node in NotStarted state.
func (s *Store) AddNode(nameHint, kind string, deps []Dependency, explain string, streamingTolerant bool) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.alloc.Next()
	name := uniqueName(nameHint, s.names)
	s.names[name] = true

	n := &Node{
		ID:                id,
		Name:              name,
		Kind:              kind,
		Dependencies:      deps,
		State:             NotStarted,
		Explain:           explain,
		StreamingTolerant: streamingTolerant,
	}

	for _, d := range deps {
		if d.Ref.IsAlias {
			continue // aliases are checked for cycles lazily, at resolve time
		}
		if err := s.wouldCreateCycleLocked(id, d.Ref.NodeID); err != nil {
			return nil, err
		}
	}

	s.nodes = append(s.nodes, n)
	s.byID[id] = n
	s.notifyChanged()
	return n, nil
}

// wouldCreateCycleLocked reports whether adding a dependency edge
// from -> to would close a cycle: it does iff to can already reach
// from by following existing dependency edges. Callers hold s.mu.
func (s *Store) wouldCreateCycleLocked(from, to handle.Handle) error {
	visited := make(map[handle.Handle]bool)
	var dfs func(handle.Handle) bool
	dfs = func(cur handle.Handle) bool {
		if cur == from {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		n, ok := s.byID[cur]
		if !ok {
			return false
		}
		for _, d := range n.Dependencies {
			if d.Ref.IsAlias {
				for _, target := range s.aliases[d.Ref.Alias] {
					if dfs(target) {
						return true
					}
				}
				continue
			}
			if dfs(d.Ref.NodeID) {
				return true
			}
		}
		return false
	}
	if dfs(to) {
		return errs.Graph(errs.CodeCycle, fmt.Sprintf("dependency %d -> %d would close a cycle", from, to))
	}
	return nil
}

// Alias appends target to alias_name's resolution list. target == nil
// creates or preserves an empty alias.
func (s *Store) Alias(aliasName string, target *Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aliases[aliasName]; !ok {
		s.aliases[aliasName] = nil
	}
	if target == nil {
		s.notifyChanged()
		return
	}
	if target.IsAlias {
		s.aliases[aliasName] = append(s.aliases[aliasName], s.resolveAliasLocked(target.Alias, map[string]bool{})...)
	} else {
		s.aliases[aliasName] = append(s.aliases[aliasName], target.NodeID)
	}
	s.notifyChanged()
}

// DetachFromAlias rewrites every node currently depending on aliasName
// to depend on the snapshotted concrete node ids instead, so later
// mutations to the alias do not retroactively affect them.
func (s *Store) DetachFromAlias(aliasName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := append([]handle.Handle(nil), s.aliases[aliasName]...)
	for _, n := range s.nodes {
		for i, d := range n.Dependencies {
			if d.Ref.IsAlias && d.Ref.Alias == aliasName {
				replaced := make([]Dependency, 0, len(n.Dependencies)+len(snapshot)-1)
				replaced = append(replaced, n.Dependencies[:i]...)
				for _, id := range snapshot {
					replaced = append(replaced, Dependency{Param: d.Param, Ref: NodeRef(id)})
				}
				replaced = append(replaced, n.Dependencies[i+1:]...)
				n.Dependencies = replaced
				break
			}
		}
	}
	s.notifyChanged()
}

// Resolve returns the node ids ref stands for, de-duplicated. Alias
// lists hold concrete node ids only: Alias copies an alias target's
// current resolution at the time it is called, so Resolve is a single
// lookup, later changes to that inner alias are not seen through the
// outer one, and no alias cycle can form (the CodeAliasCycle error is
// not reached in practice).
func (s *Store) Resolve(ref Ref) ([]handle.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !ref.IsAlias {
		return []handle.Handle{ref.NodeID}, nil
	}
	if _, ok := s.aliases[ref.Alias]; !ok {
		return nil, errs.Graph(errs.CodeUnknownAlias, "unknown alias: "+ref.Alias)
	}
	visited := map[string]bool{}
	out := s.resolveAliasLocked(ref.Alias, visited)
	if out == nil {
		return nil, errs.Graph(errs.CodeAliasCycle, "alias cycle detected resolving: "+ref.Alias)
	}
	return dedupe(out), nil
}

// resolveAliasLocked returns nil (distinguishable from an empty, valid
// slice via the caller's use of s.aliases existence check) only when
// visited already contains aliasName, signaling a cycle. Callers hold
// s.mu (read or write).
func (s *Store) resolveAliasLocked(aliasName string, visited map[string]bool) []handle.Handle {
	if visited[aliasName] {
		return nil
	}
	visited[aliasName] = true
	targets := s.aliases[aliasName]
	out := make([]handle.Handle, 0, len(targets))
	out = append(out, targets...)
	return out
}

func dedupe(ids []handle.Handle) []handle.Handle {
	seen := make(map[handle.Handle]bool, len(ids))
	out := make([]handle.Handle, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// InstantiateWithDeps resolves workflowName against resolver to obtain a
// sub-DAG template, grafts it in with template inputs wired to
// depsMap, and returns the id of the template's sink node. Rejects if
// grafting would close a cycle.
func (s *Store) InstantiateWithDeps(resolver PluginResolver, workflowName string, depsMap map[string]Ref) (handle.Handle, error) {
	tmpl, ok := resolver.Resolve(workflowName)
	if !ok {
		return 0, errs.Graph(errs.CodeUnknownWorkflow, "unknown workflow: "+workflowName)
	}

	ids := make(map[string]handle.Handle, len(tmpl.Nodes))
	for _, tn := range tmpl.Nodes {
		n, err := s.AddNode(tn.NameHint, tn.Kind, nil, "", false)
		if err != nil {
			return 0, err
		}
		ids[tn.NameHint] = n.ID
	}

	for _, tn := range tmpl.Nodes {
		id := ids[tn.NameHint]
		deps := make([]Dependency, 0, len(tn.Deps))
		for _, td := range tn.Deps {
			var ref Ref
			if td.InternalRef != "" {
				internalID, ok := ids[td.InternalRef]
				if !ok {
					return 0, errs.Graph(errs.CodeUnknownNode, "template references unknown internal node: "+td.InternalRef)
				}
				ref = NodeRef(internalID)
			} else {
				extRef, ok := depsMap[td.ExternalInput]
				if !ok {
					return 0, errs.Graph(errs.CodeUnknownNode, "template requires external input: "+td.ExternalInput)
				}
				ref = extRef
			}
			deps = append(deps, Dependency{Param: td.Param, Ref: ref})
		}
		if err := s.setDependencies(id, deps); err != nil {
			return 0, err
		}
	}

	sinkID, ok := ids[tmpl.Sink]
	if !ok {
		return 0, errs.Graph(errs.CodeUnknownNode, "template sink not found: "+tmpl.Sink)
	}
	return sinkID, nil
}

func (s *Store) setDependencies(id handle.Handle, deps []Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deps {
		if !d.Ref.IsAlias {
			if err := s.wouldCreateCycleLocked(id, d.Ref.NodeID); err != nil {
				return err
			}
		}
	}
	n, ok := s.byID[id]
	if !ok {
		return errs.Graph(errs.CodeUnknownNode, "unknown node")
	}
	n.Dependencies = deps
	s.notifyChanged()
	return nil
}

// Get returns the node with the given id.
func (s *Store) Get(id handle.Handle) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	return n, ok
}

// SetState performs a checked, monotonic state transition.
func (s *Store) SetState(id handle.Handle, next State, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return errs.Graph(errs.CodeUnknownNode, "unknown node")
	}
	if n.State == Finished || n.State == Failed {
		return errs.Graph(errs.CodeUnknownNode, fmt.Sprintf("illegal transition %s -> %s on node %d: already terminal", n.State, next, id))
	}
	if rank[next] < rank[n.State] || (n.State == Progressed && next == Running) {
		return errs.Graph(errs.CodeUnknownNode, fmt.Sprintf("illegal transition %s -> %s on node %d", n.State, next, id))
	}
	n.State = next
	n.Err = err
	s.notifyChanged()
	return nil
}

// ReadyNodes returns every node in NotStarted whose dependencies are
// satisfied: every referenced node is at least Progressed for
// streaming-tolerant kinds, or Finished otherwise. An unresolvable
// alias dependency fails the node in place rather than silently
// skipping it, per the design's invariant that unknown aliases used as
// a dependency make the referring node failed at schedule time.
func (s *Store) ReadyNodes() []*Node {
	s.mu.RLock()
	candidates := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.State == NotStarted {
			candidates = append(candidates, n)
		}
	}
	s.mu.RUnlock()

	var ready []*Node
	for _, n := range candidates {
		ok, failedRef := s.dependenciesSatisfied(n)
		if failedRef != "" {
			_ = s.SetState(n.ID, Failed, errs.Graph(errs.CodeUnknownAlias, "unknown alias dependency: "+failedRef))
			continue
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

func (s *Store) dependenciesSatisfied(n *Node) (ok bool, unresolvedAlias string) {
	for _, d := range n.Dependencies {
		ids, err := s.Resolve(d.Ref)
		if err != nil {
			return false, d.Ref.Alias
		}
		for _, id := range ids {
			dep, exists := s.Get(id)
			if !exists {
				return false, ""
			}
			need := Finished
			if n.StreamingTolerant {
				need = Progressed
			}
			if rank[dep.State] < rank[need] || (need == Progressed && dep.State == Running) {
				return false, ""
			}
		}
	}
	return true, ""
}

// Nodes returns every node in creation order. Used by dry_run's
// dependency-tree dump and by tests.
func (s *Store) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}
