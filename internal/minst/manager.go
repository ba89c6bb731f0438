// Package minst tracks multi-instance groups across ticks: which
// instances a spawner opened, which have completed, and whether an
// incremental group has been sealed against further extension.
package minst

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"weft/internal/topology"
)

// Group is the lifecycle record of one multi-instance activation. The
// spawner is the node that fanned out, the body the node the instance
// tokens live on. For incremental groups Seal marks the moment no
// further instances may join, which the "all done" threshold needs
// before it can be judged.
type Group struct {
	ID        uuid.UUID
	Spawner   topology.NodeID
	Body      topology.NodeID
	Mode      topology.MIMode
	Threshold int

	instances map[int]bool
	completed map[int]bool
	sealed    bool
	closed    bool
}

// Instances returns the number of instances opened so far.
func (g *Group) Instances() int { return len(g.instances) }

// Completed returns the number of instances recorded done.
func (g *Group) Completed() int { return len(g.completed) }

// Sealed reports whether the group accepts further instances.
func (g *Group) Sealed() bool { return g.sealed || g.Mode != topology.MIIncremental }

// Closed reports whether the group has fired its join.
func (g *Group) Closed() bool { return g.closed }

// ThresholdMet reports whether enough instances have completed for the
// group join to fire. A zero threshold means every opened instance,
// which for an incremental group additionally requires the seal.
func (g *Group) ThresholdMet() bool {
	if g.Threshold > 0 {
		return len(g.completed) >= g.Threshold
	}
	if !g.Sealed() {
		return false
	}
	return len(g.completed) == len(g.instances) && len(g.instances) > 0
}

// Manager owns the open multi-instance groups of one case. At most one
// group per spawner is open at a time; a structured loop re-entering the
// spawner opens a fresh group after the previous one closed.
type Manager struct {
	mu     sync.Mutex
	groups map[topology.NodeID]*Group
	byID   map[uuid.UUID]*Group
}

func NewManager() *Manager {
	return &Manager{
		groups: make(map[topology.NodeID]*Group),
		byID:   make(map[uuid.UUID]*Group),
	}
}

// Open starts a group for the spawner with the given initial instances.
func (m *Manager) Open(spawner, body topology.NodeID, mode topology.MIMode, threshold int, instances []int) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[spawner]; ok && !g.closed {
		return nil, fmt.Errorf("minst: group already open for %q", spawner)
	}
	g := &Group{
		ID:        uuid.New(),
		Spawner:   spawner,
		Body:      body,
		Mode:      mode,
		Threshold: threshold,
		instances: make(map[int]bool, len(instances)),
		completed: make(map[int]bool),
	}
	for _, i := range instances {
		g.instances[i] = true
	}
	m.groups[spawner] = g
	m.byID[g.ID] = g
	return g, nil
}

// Lookup returns the open group for a spawner.
func (m *Manager) Lookup(spawner topology.NodeID) (*Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[spawner]
	return g, ok
}

// Admit adds one more instance to an incremental group.
func (m *Manager) Admit(spawner topology.NodeID, instance int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[spawner]
	if !ok || g.closed {
		return fmt.Errorf("minst: no open group for %q", spawner)
	}
	if g.Mode != topology.MIIncremental {
		return fmt.Errorf("minst: group for %q is not incremental", spawner)
	}
	if g.sealed {
		return fmt.Errorf("minst: group for %q is sealed", spawner)
	}
	g.instances[instance] = true
	return nil
}

// RecordCompletion marks one instance done. Unknown instances are an
// error so a stray external completion cannot satisfy the threshold.
func (m *Manager) RecordCompletion(spawner topology.NodeID, instance int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[spawner]
	if !ok || g.closed {
		return fmt.Errorf("minst: no open group for %q", spawner)
	}
	if !g.instances[instance] {
		return fmt.Errorf("minst: group for %q has no instance %d", spawner, instance)
	}
	g.completed[instance] = true
	return nil
}

// Seal freezes an incremental group's membership.
func (m *Manager) Seal(spawner topology.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[spawner]
	if !ok || g.closed {
		return fmt.Errorf("minst: no open group for %q", spawner)
	}
	if g.Mode != topology.MIIncremental {
		return fmt.Errorf("minst: group for %q is not incremental", spawner)
	}
	g.sealed = true
	return nil
}

// Close retires the group once its join has fired. An unsealed
// incremental group cannot close: its membership is still undecided.
func (m *Manager) Close(spawner topology.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[spawner]
	if !ok || g.closed {
		return fmt.Errorf("minst: no open group for %q", spawner)
	}
	if g.Mode == topology.MIIncremental && !g.sealed {
		return fmt.Errorf("minst: cannot close unsealed incremental group for %q", spawner)
	}
	g.closed = true
	delete(m.groups, spawner)
	return nil
}
