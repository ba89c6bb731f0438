package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/internal/topology"
)

func buildSnap(t *testing.T, yaml string) *topology.Snapshot {
	t.Helper()
	def, err := topology.ParseDefinition([]byte(yaml))
	require.NoError(t, err)
	s, err := def.Build()
	require.NoError(t, err)
	return s.Snapshot()
}

// resolveOne resolves a node within one family and requires a match.
func resolveOne(t *testing.T, c *Catalog, snap *topology.Snapshot, id topology.NodeID, f Family) Mapping {
	t.Helper()
	n, ok := snap.Node(id)
	require.True(t, ok)
	m, ok := c.ResolveFamily(snap, n, f)
	require.True(t, ok, "no %s mapping matched %s", f, id)
	return m
}

func TestDefault_RoutingShapes(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: seq, status: completed}
  - {id: split, split: and, status: completed}
  - {id: choice, split: xor, status: completed}
  - {id: multi, split: or, status: completed}
  - {id: spawn, status: completed, multi_instance: {mode: dynamic}}
  - {id: defer, status: completed, deferred: true}
  - {id: loop, status: completed, loop_guard: again}
  - {id: t1}
  - {id: t2}
  - {id: t3}
flows:
  - {from: seq, to: t1}
  - {from: split, to: t1}
  - {from: split, to: t2}
  - {from: choice, to: t1, predicate: p}
  - {from: choice, to: t2}
  - {from: multi, to: t1}
  - {from: multi, to: t2}
  - {from: spawn, to: t3}
  - {from: defer, to: t1}
  - {from: defer, to: t2}
  - {from: loop, to: loop, loopback: true}
  - {from: loop, to: t3}
tokens:
  - {node: seq}
  - {node: split}
  - {node: choice}
  - {node: multi}
  - {node: spawn}
  - {node: defer}
  - {node: loop}
`)
	cases := map[topology.NodeID]struct {
		name string
		verb Verb
	}{
		"seq":    {"sequence", VerbTransmute},
		"split":  {"parallel-split", VerbCopy},
		"choice": {"exclusive-choice", VerbFilter},
		"multi":  {"multi-choice", VerbFilter},
		"spawn":  {"mi-dynamic", VerbCopy},
		"defer":  {"deferred-choice", VerbFilter},
		"loop":   {"structured-loop", VerbFilter},
	}
	for id, want := range cases {
		m := resolveOne(t, c, snap, id, FamilyRouting)
		assert.Equal(t, want.name, m.Name, "node %s", id)
		assert.Equal(t, want.verb, m.Verb, "node %s", id)
	}
}

func TestDefault_RoutingNeedsCompletionAndToken(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: idle}
  - {id: busy, status: active}
  - {id: done, status: completed}
  - {id: sink}
flows:
  - {from: idle, to: sink}
  - {from: busy, to: sink}
  - {from: done, to: sink}
tokens:
  - {node: busy}
`)
	for _, id := range []topology.NodeID{"idle", "busy", "done"} {
		n, _ := snap.Node(id)
		_, ok := c.ResolveFamily(snap, n, FamilyRouting)
		assert.False(t, ok, "node %s should be inert", id)
	}
}

func TestDefault_JoinShapes(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: a, status: completed}
  - {id: b}
  - {id: sync, join: and}
  - {id: merge, join: xor}
  - {id: smart, join: or}
  - {id: disc, join_threshold: {mode: first}}
  - {id: quorum, join_threshold: {mode: quorum, quorum: 2}}
  - {id: active, join_threshold: {mode: active}}
flows:
  - {from: a, to: sync}
  - {from: b, to: sync}
  - {from: a, to: merge}
  - {from: b, to: merge}
  - {from: a, to: smart}
  - {from: b, to: smart}
  - {from: a, to: disc}
  - {from: b, to: disc}
  - {from: a, to: quorum}
  - {from: b, to: quorum}
  - {from: a, to: active}
  - {from: b, to: active}
marks:
  - {node: sync, from: a, label: arrived}
  - {node: merge, from: a, label: arrived}
  - {node: smart, from: a, label: arrived}
  - {node: disc, from: a, label: arrived}
  - {node: quorum, from: a, label: arrived}
  - {node: active, from: a, label: arrived}
`)
	cases := map[topology.NodeID]struct {
		name string
		mode topology.ThresholdMode
	}{
		"sync":   {"synchronization", topology.ThresholdAll},
		"merge":  {"merge", topology.ThresholdFirst},
		"smart":  {"general-sync-merge", topology.ThresholdTopology},
		"disc":   {"discriminator", topology.ThresholdFirst},
		"quorum": {"partial-join", topology.ThresholdQuorum},
		"active": {"sync-merge-active", topology.ThresholdActive},
	}
	for id, want := range cases {
		m := resolveOne(t, c, snap, id, FamilySync)
		assert.Equal(t, want.name, m.Name, "node %s", id)
		require.IsType(t, AwaitParams{}, m.Params, "node %s", id)
		assert.Equal(t, want.mode, m.Params.(AwaitParams).Mode, "node %s", id)
	}
}

func TestDefault_CancelScopePrecedence(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: victim}
  - {id: killcase, status: completed, cancel: {scope: case}}
  - {id: killself, status: completed, cancel: {scope: self}}
flows:
  - {from: killcase, to: victim}
  - {from: killself, to: victim}
tokens:
  - {node: killcase}
  - {node: killself}
`)
	m := resolveOne(t, c, snap, "killcase", FamilyCancel)
	assert.Equal(t, "cancel-case", m.Name)
	m = resolveOne(t, c, snap, "killself", FamilyCancel)
	assert.Equal(t, "cancel-self", m.Name)
}

func TestDefault_MutexAndMilestoneResolveInSyncFamily(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: prev, status: completed}
  - {id: cond, kind: condition, status: completed}
  - {id: cs, mutex: lock}
  - {id: gated, milestone: cond}
flows:
  - {from: prev, to: cs}
  - {from: prev, to: gated}
marks:
  - {node: cs, from: prev, label: queued}
  - {node: gated, from: prev, label: arrived}
tokens:
  - {node: cond}
`)
	m := resolveOne(t, c, snap, "cs", FamilySync)
	assert.Equal(t, "interleaved-routing", m.Name)
	assert.Equal(t, VerbFilter, m.Verb)

	m = resolveOne(t, c, snap, "gated", FamilySync)
	assert.Equal(t, "milestone", m.Name)
	assert.Equal(t, VerbAwait, m.Verb)
}

func TestDefault_MutexHolderPushesIntoJoin(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: plain, status: completed}
  - {id: cs, status: completed, mutex: lock}
  - {id: j, join: and}
flows:
  - {from: plain, to: j}
  - {from: cs, to: j}
tokens:
  - {node: plain}
  - {node: cs}
`)
	// A plain completion resting before a join is pulled by the join's
	// own rule; routing stays quiet.
	n, ok := snap.Node("plain")
	require.True(t, ok)
	_, ok = c.ResolveFamily(snap, n, FamilyRouting)
	assert.False(t, ok)

	// A mutex holder routes its token out itself, releasing the lock.
	m := resolveOne(t, c, snap, "cs", FamilyRouting)
	assert.Equal(t, "sequence", m.Name)
	assert.Equal(t, VerbTransmute, m.Verb)
}

func TestDefault_GroupJoinBeatsPlainJoin(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: spawn, multi_instance: {count: 3}}
  - {id: body, status: active}
  - {id: j, join: and}
flows:
  - {from: spawn, to: body}
  - {from: body, to: j}
tokens:
  - {node: body, instance: 1}
  - {node: body, instance: 2}
marks:
  - {node: body, instance: 1, label: idone}
`)
	m := resolveOne(t, c, snap, "j", FamilySync)
	assert.Equal(t, "mi-completion-join", m.Name)
	require.IsType(t, AwaitParams{}, m.Params)
	assert.True(t, m.Params.(AwaitParams).Group)
}

func TestResolve_FirstMatchAcrossFamilies(t *testing.T) {
	c := Default()
	snap := buildSnap(t, `
nodes:
  - {id: both, status: completed, split: and, cancel: {scope: self}}
  - {id: t1}
flows:
  - {from: both, to: t1}
tokens:
  - {node: both}
`)
	n, _ := snap.Node("both")
	m, ok := c.Resolve(snap, n)
	require.True(t, ok)
	// Cancellation rules are declared before routing rules.
	assert.Equal(t, FamilyCancel, m.Family)

	routing, ok := c.ResolveFamily(snap, n, FamilyRouting)
	require.True(t, ok)
	assert.Equal(t, "parallel-split", routing.Name)
}
