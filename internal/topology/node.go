// Package topology holds the workflow graph and its token/status marking.
// It is the single mutable resource of the engine: the Store owns the
// current generation, Snapshots are immutable per-tick read views, and
// Deltas are the only way state advances between generations.
package topology

import (
	"fmt"
	"sort"
)

// NodeID is the stable identifier of a task or condition.
type NodeID string

// Status is the lifecycle state of a node.
type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusCompleted
	StatusVoided
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusVoided:
		return "voided"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus parses the YAML/wire spelling of a status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "", "pending":
		return StatusPending, nil
	case "active":
		return StatusActive, nil
	case "completed":
		return StatusCompleted, nil
	case "voided":
		return StatusVoided, nil
	}
	return StatusPending, fmt.Errorf("unknown status %q", s)
}

// Kind distinguishes executable tasks from token-holding conditions.
type Kind uint8

const (
	KindTask Kind = iota
	KindCondition
	KindInput
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindCondition:
		return "condition"
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses the YAML/wire spelling of a node kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "task":
		return KindTask, nil
	case "condition":
		return KindCondition, nil
	case "input", "input_condition":
		return KindInput, nil
	case "output", "output_condition":
		return KindOutput, nil
	}
	return KindTask, fmt.Errorf("unknown node kind %q", s)
}

// Gate is the split or join behaviour attached to a node.
type Gate uint8

const (
	GateNone Gate = iota
	GateAND
	GateXOR
	GateOR
)

func (g Gate) String() string {
	switch g {
	case GateNone:
		return "none"
	case GateAND:
		return "and"
	case GateXOR:
		return "xor"
	case GateOR:
		return "or"
	}
	return fmt.Sprintf("gate(%d)", uint8(g))
}

// ParseGate parses the YAML/wire spelling of a split/join gate.
func ParseGate(s string) (Gate, error) {
	switch s {
	case "", "none":
		return GateNone, nil
	case "and":
		return GateAND, nil
	case "xor":
		return GateXOR, nil
	case "or":
		return GateOR, nil
	}
	return GateNone, fmt.Errorf("unknown gate %q", s)
}

// MIMode is the spawn cardinality of a multi-instance task.
type MIMode uint8

const (
	MIStatic MIMode = iota
	MIDynamic
	MIIncremental
)

func (m MIMode) String() string {
	switch m {
	case MIStatic:
		return "static"
	case MIDynamic:
		return "dynamic"
	case MIIncremental:
		return "incremental"
	}
	return fmt.Sprintf("mi(%d)", uint8(m))
}

// ParseMIMode parses the YAML/wire spelling of a multi-instance mode.
func ParseMIMode(s string) (MIMode, error) {
	switch s {
	case "", "static":
		return MIStatic, nil
	case "dynamic":
		return MIDynamic, nil
	case "incremental":
		return MIIncremental, nil
	}
	return MIStatic, fmt.Errorf("unknown multi-instance mode %q", s)
}

// Scope names the blast radius of a cancellation.
type Scope uint8

const (
	ScopeSelf Scope = iota
	ScopeTask
	ScopeInstances
	ScopeRegion
	ScopeCase
)

func (s Scope) String() string {
	switch s {
	case ScopeSelf:
		return "self"
	case ScopeTask:
		return "task"
	case ScopeInstances:
		return "instances"
	case ScopeRegion:
		return "region"
	case ScopeCase:
		return "case"
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// ParseScope parses the YAML/wire spelling of a cancellation scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "self":
		return ScopeSelf, nil
	case "task":
		return ScopeTask, nil
	case "instances":
		return ScopeInstances, nil
	case "region":
		return ScopeRegion, nil
	case "case":
		return ScopeCase, nil
	}
	return ScopeSelf, fmt.Errorf("unknown cancellation scope %q", s)
}

// ThresholdMode selects how a synchronizing join counts predecessor
// completions before it fires.
type ThresholdMode uint8

const (
	ThresholdAll ThresholdMode = iota
	ThresholdActive
	ThresholdFirst
	ThresholdQuorum
	ThresholdTopology
)

func (t ThresholdMode) String() string {
	switch t {
	case ThresholdAll:
		return "all"
	case ThresholdActive:
		return "active"
	case ThresholdFirst:
		return "first"
	case ThresholdQuorum:
		return "quorum"
	case ThresholdTopology:
		return "topology"
	}
	return fmt.Sprintf("threshold(%d)", uint8(t))
}

// ParseThresholdMode parses the YAML/wire spelling of a join threshold.
func ParseThresholdMode(s string) (ThresholdMode, error) {
	switch s {
	case "", "all":
		return ThresholdAll, nil
	case "active":
		return ThresholdActive, nil
	case "first", "1":
		return ThresholdFirst, nil
	case "quorum", "n":
		return ThresholdQuorum, nil
	case "topology":
		return ThresholdTopology, nil
	}
	return ThresholdAll, fmt.Errorf("unknown join threshold %q", s)
}

// MIAttr decorates a task that spawns a multi-instance group.
// Threshold is the number of instance completions the downstream group
// join waits for; zero means all spawned instances.
type MIAttr struct {
	Mode      MIMode
	Count     int
	Threshold int
}

// CancelAttr decorates a task that voids other nodes when it completes.
type CancelAttr struct {
	Scope   Scope
	Targets []NodeID
}

// JoinAttr overrides the default synchronization behaviour derived from
// the join gate. Quorum is only meaningful for ThresholdQuorum.
// CancelRemaining voids the uncounted contributions once the join fires
// (cancelling discriminator / cancelling partial join).
type JoinAttr struct {
	Mode            ThresholdMode
	Quorum          int
	ResetOnFire     bool
	CancelRemaining bool
}

// Node is a task or condition in the workflow graph.
//
// The decoration fields are optional and loaded with the topology. They
// make the pattern-catalog triggers decidable from the local shape alone:
// MI marks a multi-instance spawner, Deferred a race-resolved choice,
// MutexKey an interleaved-routing lock, LoopGuard a structured loop,
// Milestone a token-gated task, Cancel a cancellation set, Compound a
// nested sub-structure, JoinSpec an explicit join threshold.
type Node struct {
	ID     NodeID
	Kind   Kind
	Split  Gate
	Join   Gate
	Status Status

	MI        *MIAttr
	Cancel    *CancelAttr
	JoinSpec  *JoinAttr
	Compound  []NodeID
	Deferred  bool
	MutexKey  string
	LoopGuard string
	Milestone NodeID
}

// IsJoin reports whether the node synchronizes multiple inbound branches.
func (n Node) IsJoin() bool {
	return n.Join != GateNone || n.JoinSpec != nil
}

// IsCondition reports whether the node is a token-holding condition
// rather than an executable task. Conditions complete on token arrival.
func (n Node) IsCondition() bool {
	return n.Kind == KindCondition || n.Kind == KindInput || n.Kind == KindOutput
}

// Flow is a directed arc between two nodes. Predicate names a guard in
// the external predicate environment (empty means always true). Priority
// is the deterministic tie-break order among equally eligible flows;
// lower fires first. Loopback marks the back edge of a structured loop.
type Flow struct {
	Source    NodeID
	Target    NodeID
	Predicate string
	Priority  int
	Loopback  bool
}

// Token marks enabled or in-progress work on a node. Instance is zero
// for singleton tasks and a positive integer for multi-instance children.
type Token struct {
	Node     NodeID
	Instance int
}

// SortFlows orders flows by priority, then by target id, for
// deterministic selection. The slice is sorted in place.
func SortFlows(flows []Flow) {
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority < flows[j].Priority
		}
		return flows[i].Target < flows[j].Target
	})
}
