package kernel

import (
	"weft/internal/catalog"
	"weft/internal/topology"
)

// copyVerb converts one token into N. Topology cardinality fans out
// across every outgoing flow (parallel split); the other cardinalities
// spawn a multi-instance group of numbered children on the single
// successor. The executor opens the group when the delta commits.
func copyVerb(view *topology.Snapshot, n topology.Node, p catalog.CopyParams, env Env) (topology.Delta, error) {
	tok, err := singletonToken(view, n)
	if err != nil {
		return topology.Delta{}, err
	}

	var d topology.Delta
	d.Remove(topology.TokenFact(tok.Node, tok.Instance))

	if p.Cardinality == catalog.CardTopology {
		flows := view.FlowsOut(n.ID)
		if len(flows) == 0 {
			return topology.Delta{}, &topology.StructuralError{Node: n.ID, Reason: "parallel split with no outgoing flows"}
		}
		for _, f := range flows {
			for _, fact := range deliver(view, f) {
				d.Add(fact)
			}
		}
		return d, nil
	}

	count, err := spawnCount(n, p, env)
	if err != nil {
		return topology.Delta{}, err
	}
	flows := view.FlowsOut(n.ID)
	if len(flows) != 1 {
		return topology.Delta{}, ambiguous(n.ID, "multi-instance spawn needs exactly one successor, found %d", len(flows))
	}
	body := flows[0].Target

	// Number new instances after any the body already carries, so an
	// incremental spawner re-entered later extends the group instead of
	// colliding with instance 1.
	base := 0
	for _, t := range view.InstanceTokens(body) {
		if t.Instance > base {
			base = t.Instance
		}
	}
	for i := base + 1; i <= base+count; i++ {
		d.Add(topology.TokenFact(body, i))
	}
	d.Add(topology.StatusFact(body, topology.StatusActive))
	return d, nil
}

// spawnCount resolves how many instances to create now. Static counts
// come from the parameters or the node decoration; dynamic counts from
// the run-time collection size; incremental spawns one and leaves the
// group open for later additions.
func spawnCount(n topology.Node, p catalog.CopyParams, env Env) (int, error) {
	switch p.Cardinality {
	case catalog.CardStatic:
		count := p.Count
		if count == 0 && n.MI != nil {
			count = n.MI.Count
		}
		if count <= 0 {
			return 0, &topology.StructuralError{Node: n.ID, Reason: "static multi-instance spawn without a declared count"}
		}
		return count, nil
	case catalog.CardDynamic:
		count, ok := env.Collections[n.ID]
		if !ok || count <= 0 {
			return 0, &topology.StructuralError{Node: n.ID, Reason: "dynamic multi-instance spawn without a collection size"}
		}
		return count, nil
	case catalog.CardIncremental:
		return 1, nil
	}
	return 0, ambiguous(n.ID, "unknown copy cardinality")
}
