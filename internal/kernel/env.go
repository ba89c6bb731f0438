// Package kernel implements the five elemental verbs — Transmute, Copy,
// Filter, Await and Void. Every verb is a pure function of an immutable
// snapshot, the subject node, the resolved parameters and the external
// environment: same inputs, same delta. The kernel never consults the
// clock; deadlines and triggers arrive as environment facts.
package kernel

import (
	"weft/internal/topology"
)

// Env carries the externally supplied facts a tick is evaluated
// against. It is rebuilt by the executor before each tick and treated
// as read-only by the verbs.
type Env struct {
	// Predicates are the named boolean guards referenced by flow
	// predicates and loop guards. Missing names evaluate to false;
	// an empty predicate name on a flow evaluates to true.
	Predicates map[string]bool

	// Events are the external triggers a deferred choice races on,
	// keyed by the branch target.
	Events map[topology.NodeID]bool

	// Collections supplies run-time instance counts for dynamic
	// multi-instance spawns, keyed by the spawning node.
	Collections map[topology.NodeID]int
}

// Predicate evaluates a named guard. The empty name is always true.
func (e Env) Predicate(name string) bool {
	if name == "" {
		return true
	}
	return e.Predicates[name]
}

// Event reports whether the external trigger for a branch has fired.
func (e Env) Event(target topology.NodeID) bool {
	return e.Events[target]
}
