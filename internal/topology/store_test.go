package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildStore(t *testing.T, yaml string) *Store {
	t.Helper()
	def, err := ParseDefinition([]byte(yaml))
	require.NoError(t, err)
	s, err := def.Build()
	require.NoError(t, err)
	return s
}

const sequenceYAML = `
nodes:
  - {id: in, kind: input}
  - {id: a}
  - {id: b}
  - {id: out, kind: output}
flows:
  - {from: in, to: a}
  - {from: a, to: b}
  - {from: b, to: out}
tokens:
  - {node: in}
`

func TestStore_BuildRejectsDanglingFlow(t *testing.T) {
	def, err := ParseDefinition([]byte(`
nodes:
  - {id: a}
flows:
  - {from: a, to: ghost}
`))
	require.NoError(t, err)
	_, err = def.Build()
	require.Error(t, err)
	var se *StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, NodeID("ghost"), se.Node)
}

func TestStore_BuildRejectsDuplicateFlow(t *testing.T) {
	def, err := ParseDefinition([]byte(`
nodes:
  - {id: a}
  - {id: b}
flows:
  - {from: a, to: b}
  - {from: a, to: b}
`))
	require.NoError(t, err)
	_, err = def.Build()
	require.Error(t, err)
}

func TestStore_ValidateFlagsMissingReferences(t *testing.T) {
	s := buildStore(t, `
nodes:
  - {id: a, milestone: ghost}
  - {id: b, cancel: {scope: region, targets: [nowhere]}}
  - {id: j, join: and}
flows:
  - {from: a, to: b}
`)
	errs := s.Validate()
	assert.Len(t, errs, 3) // milestone ref, cancel ref, join without predecessors
}

func TestStore_ApplyIsAtomic(t *testing.T) {
	s := buildStore(t, sequenceYAML)

	var d Delta
	d.Add(StatusFact("a", StatusActive))
	d.Add(TokenFact("a", 0))
	d.Remove(TokenFact("b", 0)) // not present: whole delta must be rejected
	err := s.Apply(d)
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Equal(t, StatusPending, snap.StatusOf("a"))
	assert.False(t, snap.HasToken("a"))
}

func TestStore_ConditionsCompleteOnActivation(t *testing.T) {
	s := buildStore(t, sequenceYAML)

	var d Delta
	d.Add(StatusFact("in", StatusActive))
	require.NoError(t, s.Apply(d))
	assert.Equal(t, StatusCompleted, s.Snapshot().StatusOf("in"))
}

func TestStore_StatusLifecycle(t *testing.T) {
	t.Run("pending task cannot complete", func(t *testing.T) {
		s := buildStore(t, sequenceYAML)
		var d Delta
		d.Add(StatusFact("a", StatusCompleted))
		require.Error(t, s.Apply(d))
	})

	t.Run("completed task cannot be voided", func(t *testing.T) {
		s := buildStore(t, sequenceYAML)
		for _, st := range []Status{StatusActive, StatusCompleted} {
			var d Delta
			d.Add(StatusFact("a", st))
			require.NoError(t, s.Apply(d))
		}
		var d Delta
		d.Add(StatusFact("a", StatusVoided))
		require.Error(t, s.Apply(d))
	})

	t.Run("voided is terminal", func(t *testing.T) {
		s := buildStore(t, sequenceYAML)
		var d Delta
		d.Add(StatusFact("a", StatusVoided))
		require.NoError(t, s.Apply(d))

		var d2 Delta
		d2.Add(StatusFact("a", StatusActive))
		require.Error(t, s.Apply(d2))
	})

	t.Run("completed task can re-activate", func(t *testing.T) {
		s := buildStore(t, sequenceYAML)
		for _, st := range []Status{StatusActive, StatusCompleted, StatusActive} {
			var d Delta
			d.Add(StatusFact("a", st))
			require.NoError(t, s.Apply(d))
		}
		assert.Equal(t, StatusActive, s.Snapshot().StatusOf("a"))
	})
}

func TestStore_GenerationAdvancesPerApply(t *testing.T) {
	s := buildStore(t, sequenceYAML)
	g := s.Generation()

	var d Delta
	d.Add(StatusFact("a", StatusActive))
	require.NoError(t, s.Apply(d))
	assert.Equal(t, g+1, s.Generation())
}

func TestSnapshot_IsImmutableUnderApply(t *testing.T) {
	s := buildStore(t, sequenceYAML)
	snap := s.Snapshot()

	var d Delta
	d.Remove(TokenFact("in", 0))
	d.Add(TokenFact("a", 0))
	d.Add(StatusFact("a", StatusActive))
	require.NoError(t, s.Apply(d))

	assert.True(t, snap.HasToken("in"))
	assert.False(t, snap.HasToken("a"))
	assert.True(t, s.Snapshot().HasToken("a"))
}

func TestSnapshot_JoinContributions(t *testing.T) {
	t.Run("arrival marks count", func(t *testing.T) {
		s := buildStore(t, `
nodes:
  - {id: a}
  - {id: b}
  - {id: j, join: and}
flows:
  - {from: a, to: j}
  - {from: b, to: j}
marks:
  - {node: j, from: a, label: arrived}
`)
		contribs := s.Snapshot().JoinContributions("j")
		require.Len(t, contribs, 1)
		assert.Equal(t, NodeID("a"), contribs[0].From)
		require.NotNil(t, contribs[0].Mark)
	})

	t.Run("plain completed predecessor is pulled", func(t *testing.T) {
		s := buildStore(t, `
nodes:
  - {id: a, status: completed}
  - {id: b}
  - {id: j, join: and}
flows:
  - {from: a, to: j}
  - {from: b, to: j}
tokens:
  - {node: a}
`)
		contribs := s.Snapshot().JoinContributions("j")
		require.Len(t, contribs, 1)
		require.NotNil(t, contribs[0].Token)
		assert.Equal(t, NodeID("a"), contribs[0].From)
	})

	t.Run("mutex holder is not pulled", func(t *testing.T) {
		s := buildStore(t, `
nodes:
  - {id: a, status: completed, mutex: cs}
  - {id: b}
  - {id: j, join: and}
flows:
  - {from: a, to: j}
  - {from: b, to: j}
tokens:
  - {node: a}
`)
		assert.Empty(t, s.Snapshot().JoinContributions("j"),
			"the holder pushes so its lock is released with the token")
	})

	t.Run("decorated predecessors are not pulled", func(t *testing.T) {
		s := buildStore(t, `
nodes:
  - {id: a, status: completed, split: and}
  - {id: b}
  - {id: j, join: and}
flows:
  - {from: a, to: j}
  - {from: b, to: j}
tokens:
  - {node: a}
`)
		assert.Empty(t, s.Snapshot().JoinContributions("j"))
	})
}

func TestSnapshot_CanStillArrive(t *testing.T) {
	s := buildStore(t, `
nodes:
  - {id: src, split: xor, status: completed}
  - {id: a}
  - {id: b}
  - {id: j, join: or}
flows:
  - {from: src, to: a}
  - {from: src, to: b}
  - {from: a, to: j}
  - {from: b, to: j}
tokens:
  - {node: src}
`)
	snap := s.Snapshot()
	// src still holds its token, so both branches are reachable.
	assert.True(t, snap.CanStillArrive("a", "j"))

	var d Delta
	d.Remove(TokenFact("src", 0))
	d.Add(TokenFact("a", 0))
	d.Add(StatusFact("a", StatusActive))
	require.NoError(t, s.Apply(d))

	snap = s.Snapshot()
	assert.True(t, snap.CanStillArrive("a", "j"))
	assert.False(t, snap.CanStillArrive("b", "j"))
}
