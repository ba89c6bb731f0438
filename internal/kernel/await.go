package kernel

import (
	"weft/internal/catalog"
	"weft/internal/topology"
)

// await synchronizes predecessor completions into a single activation of
// the join node. Completions are visible either as arrival marks pushed
// by upstream routing or as tokens still resting on plainly completed
// predecessors, which the join pulls directly (see
// Snapshot.JoinContributions). Firing consumes the counted completions,
// places one token on the join and activates it; a non-rearming join
// additionally marks itself spent and from then on absorbs late
// completions without re-activating.
func await(view *topology.Snapshot, n topology.Node, p catalog.AwaitParams) (topology.Delta, error) {
	if p.Group {
		return awaitGroup(view, n, p)
	}

	contribs := view.JoinContributions(n.ID)
	if len(contribs) == 0 {
		return topology.Delta{}, nil
	}
	reset := p.ResetOnFire
	if n.JoinSpec != nil {
		reset = n.JoinSpec.ResetOnFire
	}

	// A spent join records completions without producing activations.
	if view.NodeMark(n.ID, topology.MarkSpent) {
		var d topology.Delta
		consume(contribs, &d)
		return d, nil
	}

	// A milestone-gated task waits for its condition to hold a token,
	// and admits one completion at a time.
	if n.Milestone != "" {
		if !view.HasToken(n.Milestone) {
			return topology.Delta{}, nil
		}
		var d topology.Delta
		consume(contribs[:1], &d)
		activate(n, reset, &d)
		return d, nil
	}

	fire := false
	switch p.Mode {
	case topology.ThresholdAll:
		fire = len(contribs) == len(view.Predecessors(n.ID))
	case topology.ThresholdActive:
		fire = noPredecessorActive(view, n.ID)
	case topology.ThresholdFirst:
		fire = true
	case topology.ThresholdQuorum:
		quorum := p.Quorum
		if quorum == 0 && n.JoinSpec != nil {
			quorum = n.JoinSpec.Quorum
		}
		if quorum <= 0 {
			return topology.Delta{}, &topology.StructuralError{Node: n.ID, Reason: "quorum join without a declared quorum"}
		}
		fire = len(contribs) >= quorum
	case topology.ThresholdTopology:
		fire = allOthersExhausted(view, n.ID, contribs)
	default:
		return topology.Delta{}, ambiguous(n.ID, "unknown await threshold")
	}
	if !fire {
		return topology.Delta{}, nil
	}

	var d topology.Delta
	consume(contribs, &d)
	activate(n, reset, &d)
	return d, nil
}

// awaitGroup synchronizes multi-instance child completions. The quorum
// comes from the join decoration or the body's declared threshold; zero
// means every spawned instance, which for an incremental group also
// requires the external seal before it can be judged complete.
func awaitGroup(view *topology.Snapshot, n topology.Node, p catalog.AwaitParams) (topology.Delta, error) {
	body, done, remaining, ok := view.GroupContributions(n.ID)
	if !ok || len(done) == 0 {
		return topology.Delta{}, nil
	}
	reset := p.ResetOnFire
	if n.JoinSpec != nil {
		reset = n.JoinSpec.ResetOnFire
	}
	if view.NodeMark(n.ID, topology.MarkSpent) {
		var d topology.Delta
		for _, m := range done {
			d.Remove(m)
			d.Remove(topology.TokenFact(body, m.Instance))
		}
		return d, nil
	}

	spawner, hasSpawner := groupSpawner(view, body)
	quorum := 0
	if n.JoinSpec != nil {
		quorum = n.JoinSpec.Quorum
	}
	if quorum == 0 && hasSpawner && spawner.MI != nil {
		quorum = spawner.MI.Threshold
	}
	fire := false
	if quorum > 0 {
		fire = len(done) >= quorum
	} else {
		// All instances done. An unsealed incremental group may still
		// grow, so it cannot be judged complete yet.
		fire = len(remaining) == 0
		if hasSpawner && spawner.MI != nil && spawner.MI.Mode == topology.MIIncremental &&
			!view.NodeMark(spawner.ID, topology.MarkSealed) {
			fire = false
		}
	}
	if !fire {
		return topology.Delta{}, nil
	}

	var d topology.Delta
	for _, m := range done {
		d.Remove(m)
		d.Remove(topology.TokenFact(body, m.Instance))
	}
	activate(n, reset, &d)
	return d, nil
}

// groupSpawner finds the multi-instance node that fanned out onto the
// body: the body's predecessor carrying an MI decoration.
func groupSpawner(view *topology.Snapshot, body topology.NodeID) (topology.Node, bool) {
	for _, p := range view.Predecessors(body) {
		if node, ok := view.Node(p); ok && node.MI != nil {
			return node, true
		}
	}
	return topology.Node{}, false
}

// consume retracts the counted completions: arrival marks are removed,
// pulled tokens leave their predecessors.
func consume(contribs []topology.Contribution, d *topology.Delta) {
	for _, c := range contribs {
		if c.Mark != nil {
			d.Remove(*c.Mark)
			continue
		}
		d.Remove(topology.TokenFact(c.Token.Node, c.Token.Instance))
	}
}

func activate(n topology.Node, reset bool, d *topology.Delta) {
	d.Add(topology.TokenFact(n.ID, 0))
	d.Add(topology.StatusFact(n.ID, topology.StatusActive))
	if !reset {
		d.Add(topology.NodeMarkFact(n.ID, topology.MarkSpent))
	}
}

// noPredecessorActive is the local "wait for every currently enabled
// branch" rule: branches never activated (after an upstream exclusive
// choice) do not block the merge, branches still working do.
func noPredecessorActive(view *topology.Snapshot, id topology.NodeID) bool {
	for _, p := range view.Predecessors(id) {
		if view.StatusOf(p) == topology.StatusActive {
			return false
		}
	}
	return true
}

// allOthersExhausted is the topology threshold of the general
// synchronizing merge: the join fires once no uncounted predecessor can
// still be reached from the live part of the graph. A predecessor is
// exhausted if it is completed, voided, or unreachable from any node
// that still holds a token.
func allOthersExhausted(view *topology.Snapshot, id topology.NodeID, contribs []topology.Contribution) bool {
	counted := make(map[topology.NodeID]bool, len(contribs))
	for _, c := range contribs {
		counted[c.From] = true
	}
	for _, p := range view.Predecessors(id) {
		if counted[p] {
			continue
		}
		switch view.StatusOf(p) {
		case topology.StatusCompleted, topology.StatusVoided:
			continue
		}
		if view.CanStillArrive(p, id) {
			return false
		}
	}
	return true
}
