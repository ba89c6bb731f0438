package kernel

import (
	"weft/internal/catalog"
	"weft/internal/topology"
)

// filter routes one token selectively among guarded flows according to
// the selection mode.
func filter(view *topology.Snapshot, n topology.Node, p catalog.FilterParams, env Env) (topology.Delta, error) {
	switch p.Selection {
	case catalog.SelExactlyOne:
		return filterExactlyOne(view, n, env)
	case catalog.SelOneOrMore:
		return filterOneOrMore(view, n, env)
	case catalog.SelDeferred:
		return filterDeferred(view, n, env)
	case catalog.SelMutex:
		return filterMutex(view, n)
	case catalog.SelLoop:
		return filterLoop(view, n, env)
	}
	return topology.Delta{}, ambiguous(n.ID, "unknown filter selection")
}

// filterExactlyOne activates the first flow, in priority order, whose
// predicate holds; the rest are discarded (exclusive choice).
func filterExactlyOne(view *topology.Snapshot, n topology.Node, env Env) (topology.Delta, error) {
	tok, err := singletonToken(view, n)
	if err != nil {
		return topology.Delta{}, err
	}
	for _, f := range view.FlowsOut(n.ID) {
		if !env.Predicate(f.Predicate) {
			continue
		}
		var d topology.Delta
		d.Remove(topology.TokenFact(tok.Node, tok.Instance))
		for _, fact := range deliver(view, f) {
			d.Add(fact)
		}
		return d, nil
	}
	return topology.Delta{}, ambiguous(n.ID, "exclusive choice with no eligible branch")
}

// filterOneOrMore activates every flow whose predicate holds
// (multi-choice).
func filterOneOrMore(view *topology.Snapshot, n topology.Node, env Env) (topology.Delta, error) {
	tok, err := singletonToken(view, n)
	if err != nil {
		return topology.Delta{}, err
	}
	var chosen []topology.Flow
	for _, f := range view.FlowsOut(n.ID) {
		if env.Predicate(f.Predicate) {
			chosen = append(chosen, f)
		}
	}
	if len(chosen) == 0 {
		return topology.Delta{}, ambiguous(n.ID, "multi-choice with no eligible branch")
	}
	var d topology.Delta
	d.Remove(topology.TokenFact(tok.Node, tok.Instance))
	for _, f := range chosen {
		for _, fact := range deliver(view, f) {
			d.Add(fact)
		}
	}
	return d, nil
}

// filterDeferred models a race on external events, not predicates: the
// choice stays unresolved (empty delta, token in place) until a trigger
// for one of the branches arrives, then commits to that branch. Among
// triggers that arrived in the same tick the flow priority breaks the
// tie.
func filterDeferred(view *topology.Snapshot, n topology.Node, env Env) (topology.Delta, error) {
	tok, err := singletonToken(view, n)
	if err != nil {
		return topology.Delta{}, err
	}
	for _, f := range view.FlowsOut(n.ID) {
		if !env.Event(f.Target) {
			continue
		}
		var d topology.Delta
		d.Remove(topology.TokenFact(tok.Node, tok.Instance))
		for _, fact := range deliver(view, f) {
			d.Add(fact)
		}
		return d, nil
	}
	return topology.Delta{}, nil // still racing
}

// filterMutex serializes access to a shared lock key. At most one
// contender activates per lock; the tie among simultaneously eligible
// contenders goes to the smallest node id, which keeps the tick
// deterministic without any shared state between verb calls.
func filterMutex(view *topology.Snapshot, n topology.Node) (topology.Delta, error) {
	if _, held := view.LockHolder(n.MutexKey); held {
		return topology.Delta{}, nil // queued behind the holder
	}
	for _, other := range view.Nodes() {
		if other.ID == n.ID || other.MutexKey != n.MutexKey {
			continue
		}
		if other.Status != topology.StatusVoided &&
			len(view.MarksOn(other.ID, topology.MarkQueued)) > 0 &&
			other.ID < n.ID {
			return topology.Delta{}, nil // an earlier contender wins this tick
		}
	}

	queued := view.MarksOn(n.ID, topology.MarkQueued)
	if len(queued) == 0 {
		return topology.Delta{}, nil
	}
	var d topology.Delta
	d.Remove(queued[0])
	d.Add(topology.NodeMarkFact(n.ID, topology.LockLabel(n.MutexKey)))
	d.Add(topology.TokenFact(n.ID, 0))
	d.Add(topology.StatusFact(n.ID, topology.StatusActive))
	return d, nil
}

// filterLoop re-enters the loop body while the guard predicate holds,
// otherwise takes the exit flow.
func filterLoop(view *topology.Snapshot, n topology.Node, env Env) (topology.Delta, error) {
	tok, err := singletonToken(view, n)
	if err != nil {
		return topology.Delta{}, err
	}
	again := env.Predicate(n.LoopGuard)
	for _, f := range view.FlowsOut(n.ID) {
		if f.Loopback != again {
			continue
		}
		var d topology.Delta
		d.Remove(topology.TokenFact(tok.Node, tok.Instance))
		for _, fact := range deliver(view, f) {
			d.Add(fact)
		}
		return d, nil
	}
	if again {
		return topology.Delta{}, ambiguous(n.ID, "loop guard holds but no loopback flow is declared")
	}
	return topology.Delta{}, ambiguous(n.ID, "loop exited but no exit flow is declared")
}
