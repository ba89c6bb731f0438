package kernel

import (
	"weft/internal/catalog"
	"weft/internal/topology"
)

// void withdraws work. Each target in scope is moved to Voided, stripped
// of its tokens and of every bookkeeping mark referring to it. Targets
// already Completed or Voided are left alone, so repeated cancellation
// of the same scope is a no-op and finished work is never unwound.
func void(view *topology.Snapshot, n topology.Node, p catalog.VoidParams) (topology.Delta, error) {
	var d topology.Delta

	switch p.Scope {
	case topology.ScopeInstances:
		return voidInstances(view, n)
	case topology.ScopeSelf:
		voidTarget(view, n.ID, &d)
	case topology.ScopeTask:
		voidTarget(view, n.ID, &d)
		for _, id := range compoundClosure(view, n.ID) {
			voidTarget(view, id, &d)
		}
	case topology.ScopeRegion:
		if n.Cancel == nil || len(n.Cancel.Targets) == 0 {
			return topology.Delta{}, &topology.StructuralError{Node: n.ID, Reason: "region cancellation without targets"}
		}
		for _, id := range n.Cancel.Targets {
			voidTarget(view, id, &d)
		}
	case topology.ScopeCase:
		for _, node := range view.Nodes() {
			if node.ID == n.ID {
				continue
			}
			voidTarget(view, node.ID, &d)
		}
		// The cancelling node itself completes; the case around it dies.
		d.Add(topology.StatusFact(n.ID, topology.StatusCompleted))
		for _, t := range view.TokensOn(n.ID) {
			d.Remove(topology.TokenFact(t.Node, t.Instance))
		}
	default:
		return topology.Delta{}, ambiguous(n.ID, "unknown cancellation scope")
	}
	return d, nil
}

// voidInstances withdraws the not-yet-finished instances of a
// multi-instance group without disturbing the ones already recorded done.
func voidInstances(view *topology.Snapshot, n topology.Node) (topology.Delta, error) {
	body := n.ID
	if n.Cancel != nil && len(n.Cancel.Targets) > 0 {
		body = n.Cancel.Targets[0]
	}
	var d topology.Delta
	for _, t := range view.InstanceTokens(body) {
		if view.HasMark(topology.InstanceMarkFact(body, t.Instance, topology.MarkDone)) {
			continue
		}
		d.Remove(topology.TokenFact(t.Node, t.Instance))
	}
	return d, nil
}

func voidTarget(view *topology.Snapshot, id topology.NodeID, d *topology.Delta) {
	switch view.StatusOf(id) {
	case topology.StatusCompleted, topology.StatusVoided:
		return
	}
	d.Add(topology.StatusFact(id, topology.StatusVoided))
	for _, t := range view.TokensOn(id) {
		d.Remove(topology.TokenFact(t.Node, t.Instance))
	}
	for _, m := range view.AllMarksOn(id) {
		d.Remove(m)
	}
}

// compoundClosure walks the Compound containment edges transitively.
func compoundClosure(view *topology.Snapshot, root topology.NodeID) []topology.NodeID {
	var out []topology.NodeID
	seen := map[topology.NodeID]bool{root: true}
	queue := []topology.NodeID{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, ok := view.Node(id)
		if !ok {
			continue
		}
		for _, child := range node.Compound {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}
