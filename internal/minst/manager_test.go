package minst

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/internal/topology"
)

func TestManager_StaticGroupLifecycle(t *testing.T) {
	m := NewManager()
	g, err := m.Open("spawn", "body", topology.MIStatic, 0, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, g.Instances())
	assert.True(t, g.Sealed(), "non-incremental groups are born sealed")

	_, err = m.Open("spawn", "body", topology.MIStatic, 0, []int{1})
	assert.Error(t, err, "one open group per spawner")

	require.NoError(t, m.RecordCompletion("spawn", 1))
	require.NoError(t, m.RecordCompletion("spawn", 2))
	assert.False(t, g.ThresholdMet())
	require.NoError(t, m.RecordCompletion("spawn", 3))
	assert.True(t, g.ThresholdMet(), "zero threshold means all instances")

	require.NoError(t, m.Close("spawn"))
	assert.True(t, g.Closed())
	_, ok := m.Lookup("spawn")
	assert.False(t, ok)

	// A loop re-entering the spawner opens a fresh group.
	_, err = m.Open("spawn", "body", topology.MIStatic, 0, []int{1})
	assert.NoError(t, err)
}

func TestManager_Threshold(t *testing.T) {
	m := NewManager()
	g, err := m.Open("spawn", "body", topology.MIDynamic, 2, []int{1, 2, 3, 4})
	require.NoError(t, err)

	require.NoError(t, m.RecordCompletion("spawn", 4))
	assert.False(t, g.ThresholdMet())
	require.NoError(t, m.RecordCompletion("spawn", 1))
	assert.True(t, g.ThresholdMet())
}

func TestManager_RejectsUnknownInstance(t *testing.T) {
	m := NewManager()
	_, err := m.Open("spawn", "body", topology.MIStatic, 0, []int{1})
	require.NoError(t, err)
	assert.Error(t, m.RecordCompletion("spawn", 7))
	assert.Error(t, m.RecordCompletion("other", 1))
}

func TestManager_IncrementalSealAndClose(t *testing.T) {
	m := NewManager()
	g, err := m.Open("spawn", "body", topology.MIIncremental, 0, []int{1})
	require.NoError(t, err)
	assert.False(t, g.Sealed())

	require.NoError(t, m.Admit("spawn", 2))
	require.NoError(t, m.RecordCompletion("spawn", 1))
	require.NoError(t, m.RecordCompletion("spawn", 2))
	assert.False(t, g.ThresholdMet(), "unsealed group cannot be judged complete")

	assert.Error(t, m.Close("spawn"), "unsealed incremental group cannot close")

	require.NoError(t, m.Seal("spawn"))
	assert.True(t, g.ThresholdMet())
	assert.Error(t, m.Admit("spawn", 3), "sealed group admits no more instances")
	assert.NoError(t, m.Close("spawn"))
}

func TestManager_AdmitRequiresIncremental(t *testing.T) {
	m := NewManager()
	_, err := m.Open("spawn", "body", topology.MIStatic, 0, []int{1})
	require.NoError(t, err)
	assert.Error(t, m.Admit("spawn", 2))
	assert.Error(t, m.Seal("spawn"))
}
