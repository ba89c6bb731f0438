package kernel

import (
	"weft/internal/topology"
)

// transmute moves the node's single token along its unique outgoing
// flow. The catalog only selects it for single-successor shapes; finding
// anything else here is an internal invariant violation.
func transmute(view *topology.Snapshot, n topology.Node) (topology.Delta, error) {
	flows := view.FlowsOut(n.ID)
	if len(flows) != 1 {
		return topology.Delta{}, ambiguous(n.ID, "transmute needs exactly one outgoing flow, found %d", len(flows))
	}
	tok, err := singletonToken(view, n)
	if err != nil {
		return topology.Delta{}, err
	}

	var d topology.Delta
	d.Remove(topology.TokenFact(tok.Node, tok.Instance))
	for _, f := range deliver(view, flows[0]) {
		d.Add(f)
	}
	return d, nil
}
