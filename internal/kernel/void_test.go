package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/internal/catalog"
	"weft/internal/topology"
)

func TestVoid_SelfWithdrawsTokensAndMarks(t *testing.T) {
	snap := buildSnap(t, `
nodes:
  - {id: prev}
  - {id: a, status: active}
  - {id: next, join: and}
flows:
  - {from: prev, to: a}
  - {from: a, to: next}
tokens:
  - {node: a}
marks:
  - {node: a, from: prev, label: queued}
`)
	d, err := void(snap, node(t, snap, "a"), catalog.VoidParams{Scope: topology.ScopeSelf})
	require.NoError(t, err)
	assert.True(t, hasAddition(d, topology.StatusFact("a", topology.StatusVoided)))
	assert.True(t, hasRemoval(d, topology.TokenFact("a", 0)))
	assert.True(t, hasRemoval(d, topology.MarkFact("prev", "a", topology.MarkQueued)))
}

func TestVoid_SkipsFinishedTargets(t *testing.T) {
	snap := buildSnap(t, `
nodes:
  - {id: killer, status: completed, cancel: {scope: region, targets: [done, gone, live]}}
  - {id: done, status: completed}
  - {id: gone, status: voided}
  - {id: live, status: active}
flows:
  - {from: killer, to: live}
tokens:
  - {node: killer}
  - {node: live}
`)
	d, err := void(snap, node(t, snap, "killer"), catalog.VoidParams{Scope: topology.ScopeRegion})
	require.NoError(t, err)
	assert.True(t, hasAddition(d, topology.StatusFact("live", topology.StatusVoided)))
	assert.False(t, hasAddition(d, topology.StatusFact("done", topology.StatusVoided)), "completed work is never unwound")
	assert.False(t, hasAddition(d, topology.StatusFact("gone", topology.StatusVoided)), "repeated cancellation is a no-op")
}

func TestVoid_TaskScopeFollowsCompoundClosure(t *testing.T) {
	snap := buildSnap(t, `
nodes:
  - {id: parent, status: active, compound: [childA, childB]}
  - {id: childA, status: active, compound: [grand]}
  - {id: childB}
  - {id: grand, status: active}
tokens:
  - {node: parent}
  - {node: grand}
`)
	d, err := void(snap, node(t, snap, "parent"), catalog.VoidParams{Scope: topology.ScopeTask})
	require.NoError(t, err)
	for _, id := range []topology.NodeID{"parent", "childA", "grand"} {
		assert.True(t, hasAddition(d, topology.StatusFact(id, topology.StatusVoided)), "node %s", id)
	}
	assert.True(t, hasRemoval(d, topology.TokenFact("grand", 0)))
	// childB is pending with no work, still voided as part of the task.
	assert.True(t, hasAddition(d, topology.StatusFact("childB", topology.StatusVoided)))
}

func TestVoid_RegionWithoutTargetsIsStructural(t *testing.T) {
	snap := buildSnap(t, `
nodes:
  - {id: killer, status: completed, cancel: {scope: region}}
tokens:
  - {node: killer}
`)
	_, err := void(snap, node(t, snap, "killer"), catalog.VoidParams{Scope: topology.ScopeRegion})
	var se *topology.StructuralError
	assert.ErrorAs(t, err, &se)
}

func TestVoid_InstancesSparesFinishedOnes(t *testing.T) {
	snap := buildSnap(t, `
nodes:
  - {id: killer, status: completed, cancel: {scope: instances, targets: [body]}}
  - {id: body, status: active}
flows:
  - {from: killer, to: body}
tokens:
  - {node: killer}
  - {node: body, instance: 1}
  - {node: body, instance: 2}
  - {node: body, instance: 3}
marks:
  - {node: body, instance: 2, label: idone}
`)
	d, err := void(snap, node(t, snap, "killer"), catalog.VoidParams{Scope: topology.ScopeInstances})
	require.NoError(t, err)
	assert.True(t, hasRemoval(d, topology.TokenFact("body", 1)))
	assert.False(t, hasRemoval(d, topology.TokenFact("body", 2)), "finished instance survives")
	assert.True(t, hasRemoval(d, topology.TokenFact("body", 3)))
	assert.False(t, hasAddition(d, topology.StatusFact("body", topology.StatusVoided)), "the body task itself stays")
}

func TestVoid_CaseCompletesTheTerminator(t *testing.T) {
	snap := buildSnap(t, `
nodes:
  - {id: stop, status: active, cancel: {scope: case}}
  - {id: a, status: active}
  - {id: b}
  - {id: done, status: completed}
tokens:
  - {node: stop}
  - {node: a}
`)
	d, err := void(snap, node(t, snap, "stop"), catalog.VoidParams{Scope: topology.ScopeCase})
	require.NoError(t, err)

	assert.True(t, hasAddition(d, topology.StatusFact("stop", topology.StatusCompleted)))
	assert.True(t, hasRemoval(d, topology.TokenFact("stop", 0)))
	assert.True(t, hasAddition(d, topology.StatusFact("a", topology.StatusVoided)))
	assert.True(t, hasAddition(d, topology.StatusFact("b", topology.StatusVoided)))
	assert.False(t, hasAddition(d, topology.StatusFact("done", topology.StatusVoided)))
}
