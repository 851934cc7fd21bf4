package dag

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/ailets/ailets-go/handle"
)

var rapidStates = []State{NotStarted, Runnable, Running, Progressed, Finished, Failed}

// P1 — monotonic state: whatever sequence of SetState calls is thrown
// at a node, the subsequence the store actually accepts never
// decreases rank, and once the node reaches a terminal state no
// further transition is ever accepted, regardless of what comes next
// in the sequence.
func TestRapid_StateTransitionsAreMonotonicAndTerminalIsSticky(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore(t)
		n, err := s.AddNode("n", "value", nil, "", false)
		if err != nil {
			rt.Fatal(err)
		}

		attempts := rapid.SliceOfN(rapid.IntRange(0, len(rapidStates)-1), 1, 20).Draw(rt, "attempts")

		lastRank := rank[NotStarted]
		terminalSeen := false
		for _, idx := range attempts {
			next := rapidStates[idx]
			err := s.SetState(n.ID, next, nil)
			if err != nil {
				continue
			}
			if terminalSeen {
				rt.Fatalf("transition to %v accepted after node already reached a terminal state", next)
			}
			if rank[next] < lastRank {
				rt.Fatalf("accepted transition decreased rank: %d -> %d", lastRank, rank[next])
			}
			got, _ := s.Get(n.ID)
			lastRank = rank[got.State]
			terminalSeen = got.State == Finished || got.State == Failed
		}
	})
}

// P2 — acyclicity: however many nodes and edge-attempts are thrown at
// the store, the dependency graph it ends up with never contains a
// cycle, because setDependencies rejects any edge that would create
// one.
func TestRapid_GraphNeverContainsACycleAfterRejectedEdges(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore(t)
		count := rapid.IntRange(2, 8).Draw(rt, "nodeCount")
		nodes := make([]*Node, count)
		for i := range nodes {
			n, err := s.AddNode("n", "value", nil, "", false)
			if err != nil {
				rt.Fatal(err)
			}
			nodes[i] = n
		}

		edgeAttempts := rapid.IntRange(1, 20).Draw(rt, "edgeAttempts")
		for i := 0; i < edgeAttempts; i++ {
			from := rapid.IntRange(0, count-1).Draw(rt, "from")
			to := rapid.IntRange(0, count-1).Draw(rt, "to")
			if from == to {
				continue
			}
			_ = s.setDependencies(nodes[from].ID, []Dependency{{Ref: NodeRef(nodes[to].ID)}})
		}

		if graphHasCycle(s, nodes) {
			rt.Fatalf("graph contains a cycle after only store-accepted edges were applied")
		}
	})
}

func graphHasCycle(s *Store, nodes []*Node) bool {
	visiting := map[handle.Handle]bool{}
	visited := map[handle.Handle]bool{}
	var visit func(id handle.Handle) bool
	visit = func(id handle.Handle) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		if n, ok := s.Get(id); ok {
			for _, d := range n.Dependencies {
				if !d.Ref.IsAlias && visit(d.Ref.NodeID) {
					return true
				}
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}
	for _, n := range nodes {
		if visit(n.ID) {
			return true
		}
	}
	return false
}

// P6 — detach snapshot: once detach_from_alias(A) runs, no later
// alias(A, ...) call changes the dependency set of a node that
// depended on A before the detach, no matter how many further alias
// mutations follow.
func TestRapid_DetachSnapshotIsImmutableAcrossLaterAliasMutations(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore(t)
		target, err := s.AddNode("target", "value", nil, "", false)
		if err != nil {
			rt.Fatal(err)
		}
		ref := NodeRef(target.ID)
		s.Alias("g", &ref)

		consumer, err := s.AddNode("consumer", "value", []Dependency{{Ref: AliasRef("g")}}, "", false)
		if err != nil {
			rt.Fatal(err)
		}

		s.DetachFromAlias("g")
		before, _ := s.Get(consumer.ID)
		snapshotDeps := append([]Dependency(nil), before.Dependencies...)

		mutations := rapid.IntRange(1, 10).Draw(rt, "mutations")
		for i := 0; i < mutations; i++ {
			n, err := s.AddNode("n", "value", nil, "", false)
			if err != nil {
				rt.Fatal(err)
			}
			r := NodeRef(n.ID)
			s.Alias("g", &r)
		}

		after, _ := s.Get(consumer.ID)
		if len(after.Dependencies) != len(snapshotDeps) {
			rt.Fatalf("dependency count changed after detach: %d -> %d", len(snapshotDeps), len(after.Dependencies))
		}
		for i := range snapshotDeps {
			if after.Dependencies[i].Ref != snapshotDeps[i].Ref {
				rt.Fatalf("dependency ref changed after detach at index %d", i)
			}
		}
	})
}
