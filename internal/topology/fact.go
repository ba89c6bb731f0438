package topology

import (
	"fmt"
	"sort"
)

// FactKind tags the three kinds of graph facts a Delta can carry.
type FactKind uint8

const (
	// FactStatus sets a node's status.
	FactStatus FactKind = iota
	// FactToken places or removes a token on a node.
	FactToken
	// FactMark places or removes an edge-local or node-local marker.
	FactMark
)

// Mark labels used by the kernel verbs. Marks are ordinary graph facts;
// they carry in-transit work (arrivals at joins), queueing state for
// interleaved routing, spent joins, and per-instance completions.
const (
	MarkArrived = "arrived" // edge mark: a branch completion waiting at a join
	MarkQueued  = "queued"  // node mark: work waiting on a mutex lock
	MarkSpent   = "spent"   // node mark: a non-rearming join that has fired
	MarkDone    = "idone"   // instance mark: a multi-instance child completed
	MarkSealed  = "sealed"  // node mark: an incremental group closed to new instances
)

// LockLabel is the node-mark label for holding the named mutex lock.
func LockLabel(key string) string {
	return "lock:" + key
}

// Fact is one graph fact: a node status, a token placement, or a marker.
// From is only set for edge-scoped marks; Instance distinguishes
// multi-instance tokens and marks; Status is only meaningful for
// FactStatus and is excluded from fact identity so that two status
// writes to the same node conflict instead of coexisting.
type Fact struct {
	Kind     FactKind
	Node     NodeID
	From     NodeID
	Instance int
	Status   Status
	Label    string
}

// StatusFact builds a node-status fact.
func StatusFact(node NodeID, status Status) Fact {
	return Fact{Kind: FactStatus, Node: node, Status: status}
}

// TokenFact builds a token fact.
func TokenFact(node NodeID, instance int) Fact {
	return Fact{Kind: FactToken, Node: node, Instance: instance}
}

// MarkFact builds an edge-scoped mark (from may be empty for node marks).
func MarkFact(from, node NodeID, label string) Fact {
	return Fact{Kind: FactMark, From: from, Node: node, Label: label}
}

// NodeMarkFact builds a node-scoped mark.
func NodeMarkFact(node NodeID, label string) Fact {
	return Fact{Kind: FactMark, Node: node, Label: label}
}

// InstanceMarkFact builds a node-scoped mark for one instance.
func InstanceMarkFact(node NodeID, instance int, label string) Fact {
	return Fact{Kind: FactMark, Node: node, Instance: instance, Label: label}
}

// Key returns the identity of the fact: the fact stripped of its value
// part. Two status facts for the same node have equal keys.
func (f Fact) Key() Fact {
	f.Status = 0
	return f
}

func (f Fact) String() string {
	switch f.Kind {
	case FactStatus:
		return fmt.Sprintf("status(%s, %s)", f.Node, f.Status)
	case FactToken:
		if f.Instance != 0 {
			return fmt.Sprintf("token(%s, %d)", f.Node, f.Instance)
		}
		return fmt.Sprintf("token(%s)", f.Node)
	case FactMark:
		if f.From != "" {
			return fmt.Sprintf("mark(%s, %s->%s)", f.Label, f.From, f.Node)
		}
		if f.Instance != 0 {
			return fmt.Sprintf("mark(%s, %s, %d)", f.Label, f.Node, f.Instance)
		}
		return fmt.Sprintf("mark(%s, %s)", f.Label, f.Node)
	}
	return "fact(?)"
}

// Delta is an immutable pair of graph-fact additions and removals,
// produced by a single verb call. Deltas from one tick are merged by
// set union with removal-wins conflict resolution before being applied.
type Delta struct {
	Additions []Fact
	Removals  []Fact
}

// Size is the change magnitude measured by the convergence runner.
func (d Delta) Size() int {
	return len(d.Additions) + len(d.Removals)
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Additions) == 0 && len(d.Removals) == 0
}

// Add appends an addition.
func (d *Delta) Add(f Fact) {
	d.Additions = append(d.Additions, f)
}

// Remove appends a removal.
func (d *Delta) Remove(f Fact) {
	d.Removals = append(d.Removals, f)
}

// Conflict records a pair of same-tick facts that could not both apply
// and how the merge resolved them. Cancellation always wins; conflicts
// are logged, never fatal.
type Conflict struct {
	Node    NodeID
	Kept    Fact
	Dropped Fact
	Reason  string
}

// statusRank orders status additions for deterministic conflict
// resolution: a void beats a completion beats an activation.
func statusRank(s Status) int {
	switch s {
	case StatusVoided:
		return 3
	case StatusCompleted:
		return 2
	case StatusActive:
		return 1
	}
	return 0
}

// Merge unions per-activation deltas into the single delta applied for
// the tick. Resolution rules, in order:
//
//  1. Additions are deduplicated by fact identity; two status additions
//     for the same node keep the higher-ranked status (voided wins).
//  2. A fact both added and removed in the same tick is dropped from the
//     additions; the removal survives only if the fact pre-exists in the
//     snapshot (otherwise there is nothing to remove).
//  3. Token and mark additions on a node voided this tick are dropped:
//     a cancellation overrides a concurrent activation.
//
// The result is deterministically ordered, so merge output is
// independent of activation evaluation order.
func Merge(snap *Snapshot, parts []Delta) (Delta, []Conflict) {
	var conflicts []Conflict

	additions := make(map[Fact]Fact) // key -> full fact
	removals := make(map[Fact]Fact)

	for _, p := range parts {
		for _, f := range p.Removals {
			removals[f.Key()] = f
		}
	}
	for _, p := range parts {
		for _, f := range p.Additions {
			k := f.Key()
			prev, ok := additions[k]
			if !ok {
				additions[k] = f
				continue
			}
			if f.Kind == FactStatus && prev.Status != f.Status {
				kept, dropped := prev, f
				if statusRank(f.Status) > statusRank(prev.Status) {
					kept, dropped = f, prev
				}
				additions[k] = kept
				conflicts = append(conflicts, Conflict{
					Node:    f.Node,
					Kept:    kept,
					Dropped: dropped,
					Reason:  "concurrent status writes",
				})
			}
		}
	}

	// Removal-wins: same-tick add+remove of one fact.
	for k, rem := range removals {
		add, ok := additions[k]
		if !ok {
			continue
		}
		delete(additions, k)
		if !snap.holdsFact(rem) {
			// The fact never existed; nothing remains to remove.
			delete(removals, k)
		}
		conflicts = append(conflicts, Conflict{
			Node:    add.Node,
			Kept:    rem,
			Dropped: add,
			Reason:  "removal wins over concurrent addition",
		})
	}

	// Cancellation overrides activation: drop work added to nodes that
	// this same tick voids.
	voided := make(map[NodeID]bool)
	for _, f := range additions {
		if f.Kind == FactStatus && f.Status == StatusVoided {
			voided[f.Node] = true
		}
	}
	if len(voided) > 0 {
		for k, f := range additions {
			if f.Kind != FactStatus && voided[f.Node] {
				delete(additions, k)
				conflicts = append(conflicts, Conflict{
					Node:    f.Node,
					Kept:    StatusFact(f.Node, StatusVoided),
					Dropped: f,
					Reason:  "node voided in the same tick",
				})
			}
		}
	}

	merged := Delta{
		Additions: make([]Fact, 0, len(additions)),
		Removals:  make([]Fact, 0, len(removals)),
	}
	for _, f := range additions {
		merged.Additions = append(merged.Additions, f)
	}
	for _, f := range removals {
		merged.Removals = append(merged.Removals, f)
	}
	sortFacts(merged.Additions)
	sortFacts(merged.Removals)
	return merged, conflicts
}

func sortFacts(fs []Fact) {
	sort.Slice(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Instance != b.Instance {
			return a.Instance < b.Instance
		}
		return a.Label < b.Label
	})
}
