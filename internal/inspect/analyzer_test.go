package inspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/internal/topology"
)

const inspectYAML = `
nodes:
  - {id: in, kind: input}
  - {id: work, status: active}
  - {id: branch}
  - {id: j, join: and}
  - {id: out, kind: output}
flows:
  - {from: in, to: work}
  - {from: in, to: branch}
  - {from: work, to: j}
  - {from: branch, to: j}
  - {from: j, to: out}
tokens:
  - {node: work}
marks:
  - {node: j, from: branch, label: arrived}
`

func loadSnapshot(t *testing.T) *topology.Snapshot {
	t.Helper()
	def, err := topology.ParseDefinition([]byte(inspectYAML))
	require.NoError(t, err)
	store, err := def.Build()
	require.NoError(t, err)
	return store.Snapshot()
}

func factArgs(facts []Fact) [][]string {
	out := make([][]string, len(facts))
	for i, f := range facts {
		out[i] = f.Args
	}
	return out
}

func TestAnalyzer_DerivedViews(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	require.NoError(t, a.Load(loadSnapshot(t)))

	t.Run("reachable is transitive", func(t *testing.T) {
		facts, err := a.Facts("reachable")
		require.NoError(t, err)
		args := factArgs(facts)
		assert.Contains(t, args, []string{"in", "out"})
		assert.Contains(t, args, []string{"work", "j"})
		assert.NotContains(t, args, []string{"out", "in"})
	})

	t.Run("live covers tokens and active nodes", func(t *testing.T) {
		facts, err := a.Facts("live")
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, []string{"work"}, facts[0].Args)
	})

	t.Run("waiting names the stalled branch", func(t *testing.T) {
		facts, err := a.Facts("waiting")
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, []string{"j", "branch"}, facts[0].Args)
	})

	t.Run("live_upstream flags downstream of live work", func(t *testing.T) {
		facts, err := a.Facts("live_upstream")
		require.NoError(t, err)
		args := factArgs(facts)
		assert.Contains(t, args, []string{"out"})
		assert.NotContains(t, args, []string{"in"})
	})
}

func TestAnalyzer_Reload(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	def, err := topology.ParseDefinition([]byte(inspectYAML))
	require.NoError(t, err)
	store, err := def.Build()
	require.NoError(t, err)

	require.NoError(t, a.Load(store.Snapshot()))

	// Drain the marking and reload: derived liveness must follow.
	var d topology.Delta
	d.Remove(topology.TokenFact("work", 0))
	d.Add(topology.StatusFact("work", topology.StatusCompleted))
	require.NoError(t, store.Apply(d))
	require.NoError(t, a.Load(store.Snapshot()))

	facts, err := a.Facts("live")
	require.NoError(t, err)
	assert.Empty(t, facts, "stale facts survived the reload")

	completed, err := a.Facts("completed")
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, []string{"work"}, completed[0].Args)
}

func TestAnalyzer_UnknownPredicate(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	_, err = a.Facts("no_such_view")
	assert.Error(t, err)
}

func TestAnalyzer_Predicates(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	preds := a.Predicates()
	assert.Contains(t, preds, "wf_node")
	assert.Contains(t, preds, "reachable")
	assert.Contains(t, preds, "live_upstream")
	assert.IsIncreasing(t, preds)
}