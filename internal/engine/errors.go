package engine

import (
	"fmt"
	"strings"

	"weft/internal/topology"
)

// DivergenceError reports a run that never reached a zero-delta tick
// within the tick budget. The last delta size helps distinguish a true
// oscillation from a graph that simply needed a larger budget.
type DivergenceError struct {
	Ticks         int
	LastDeltaSize int
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("no convergence after %d ticks (last delta %d facts)", e.Ticks, e.LastDeltaSize)
}

// DeadlockWarning reports a converged marking whose output conditions
// never completed: the case is stuck, not finished. It is advisory —
// the marking is stable and can be inspected or resumed externally.
type DeadlockWarning struct {
	Pending []topology.NodeID
}

func (w *DeadlockWarning) Error() string {
	ids := make([]string, len(w.Pending))
	for i, id := range w.Pending {
		ids[i] = string(id)
	}
	return fmt.Sprintf("converged without completing outputs: %s", strings.Join(ids, ", "))
}
