package kernel

import (
	"fmt"

	"weft/internal/catalog"
	"weft/internal/topology"
)

// AmbiguousError reports a shape the resolved verb cannot execute — for
// example a Transmute with more than one admissible successor. The node
// stays inert this tick; the run continues.
type AmbiguousError struct {
	Node   topology.NodeID
	Reason string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous pattern at %q: %s", e.Node, e.Reason)
}

func ambiguous(node topology.NodeID, format string, args ...interface{}) error {
	return &AmbiguousError{Node: node, Reason: fmt.Sprintf(format, args...)}
}

// Exec runs the mapping's verb against one node and returns its delta.
// The view and env are never mutated.
func Exec(view *topology.Snapshot, n topology.Node, m catalog.Mapping, env Env) (topology.Delta, error) {
	var (
		d   topology.Delta
		err error
	)
	switch p := m.Params.(type) {
	case catalog.TransmuteParams:
		d, err = transmute(view, n)
	case catalog.CopyParams:
		d, err = copyVerb(view, n, p, env)
	case catalog.FilterParams:
		d, err = filter(view, n, p, env)
	case catalog.AwaitParams:
		d, err = await(view, n, p)
	case catalog.VoidParams:
		d, err = void(view, n, p)
	default:
		return topology.Delta{}, ambiguous(n.ID, "no parameters for verb %s", m.Verb)
	}
	if err != nil {
		return topology.Delta{}, err
	}

	// An interleaved-routing task releases its lock the moment its
	// token leaves it.
	if n.MutexKey != "" && consumesOwnToken(m.Verb) && !d.Empty() {
		releaseLock(view, n, &d)
	}
	return d, nil
}

func consumesOwnToken(v catalog.Verb) bool {
	return v == catalog.VerbTransmute || v == catalog.VerbCopy || v == catalog.VerbFilter
}

// releaseLock appends the removal of the node's mutex lock mark, if held.
func releaseLock(view *topology.Snapshot, n topology.Node, d *topology.Delta) {
	lock := topology.NodeMarkFact(n.ID, topology.LockLabel(n.MutexKey))
	if view.HasMark(lock) {
		d.Remove(lock)
	}
}

// singletonToken returns the node's sole singleton token. Routing verbs
// demand exactly one unit of work to forward.
func singletonToken(view *topology.Snapshot, n topology.Node) (topology.Token, error) {
	toks := view.TokensOn(n.ID)
	if len(toks) != 1 || toks[0].Instance != 0 {
		return topology.Token{}, &topology.StructuralError{
			Node:   n.ID,
			Reason: fmt.Sprintf("expected one singleton token, found %d", len(toks)),
		}
	}
	return toks[0], nil
}

// deliver routes one unit of work across a flow. Synchronizing targets
// (joins, milestones) receive an arrival mark for their own rule to
// consume; mutex-guarded targets queue; everything else receives the
// token and activates. Conditions complete on activation — the store
// normalizes that on apply.
func deliver(view *topology.Snapshot, f topology.Flow) []topology.Fact {
	target, ok := view.Node(f.Target)
	if !ok {
		return nil
	}
	if target.IsJoin() || target.Milestone != "" {
		return []topology.Fact{topology.MarkFact(f.Source, f.Target, topology.MarkArrived)}
	}
	if target.MutexKey != "" {
		return []topology.Fact{topology.MarkFact(f.Source, f.Target, topology.MarkQueued)}
	}
	return []topology.Fact{
		topology.TokenFact(f.Target, 0),
		topology.StatusFact(f.Target, topology.StatusActive),
	}
}
