// Package engine drives a workflow case tick by tick to fixpoint. Each
// tick snapshots the marking, resolves every node against the pattern
// catalog, evaluates the resolved verbs in parallel against the frozen
// snapshot, merges their deltas deterministically and applies the result
// atomically. A zero-size delta is convergence.
package engine

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"weft/internal/catalog"
	"weft/internal/kernel"
	"weft/internal/minst"
	"weft/internal/topology"
)

// DefaultMaxTicks bounds Run when the options leave MaxTicks zero.
const DefaultMaxTicks = 1000

// Options configures an Engine. Zero values select the default catalog,
// a nop logger, GOMAXPROCS workers and DefaultMaxTicks.
type Options struct {
	Catalog     *catalog.Catalog
	Logger      *zap.Logger
	Parallelism int
	MaxTicks    int

	// AutoComplete completes every active task at the start of each
	// tick, turning Run into a structural simulation of the topology.
	AutoComplete bool
}

// TickResult summarizes one committed tick.
type TickResult struct {
	Tick      int
	DeltaSize int
	Converged bool
	Conflicts []topology.Conflict
}

// Engine owns one case: the store, the pattern catalog, the external
// environment and the multi-instance bookkeeping. External mutators may
// be called between ticks; the tick itself is single-writer.
type Engine struct {
	store  *topology.Store
	cat    *catalog.Catalog
	log    *zap.Logger
	groups *minst.Manager
	caseID uuid.UUID

	parallelism  int
	maxTicks     int
	autoComplete bool

	mu          sync.Mutex
	tick        int
	predicates  map[string]bool
	events      map[topology.NodeID]bool
	collections map[topology.NodeID]int
}

// New builds an engine over a validated store.
func New(store *topology.Store, opts Options) *Engine {
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	par := opts.Parallelism
	if par <= 0 {
		par = runtime.GOMAXPROCS(0)
	}
	maxTicks := opts.MaxTicks
	if maxTicks <= 0 {
		maxTicks = DefaultMaxTicks
	}
	return &Engine{
		store:        store,
		cat:          cat,
		log:          log,
		groups:       minst.NewManager(),
		caseID:       uuid.New(),
		parallelism:  par,
		maxTicks:     maxTicks,
		autoComplete: opts.AutoComplete,
		predicates:   make(map[string]bool),
		events:       make(map[topology.NodeID]bool),
		collections:  make(map[topology.NodeID]int),
	}
}

// CaseID identifies this case instance.
func (e *Engine) CaseID() uuid.UUID { return e.caseID }

// Tick returns the number of committed ticks.
func (e *Engine) Tick() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// Snapshot returns the current immutable marking.
func (e *Engine) Snapshot() *topology.Snapshot { return e.store.Snapshot() }

// StatusOf reads one node's current status.
func (e *Engine) StatusOf(id topology.NodeID) topology.Status {
	return e.store.Snapshot().StatusOf(id)
}

// Export serializes the current graph and marking.
func (e *Engine) Export() topology.Definition { return e.store.Export() }

// Groups exposes the multi-instance bookkeeping.
func (e *Engine) Groups() *minst.Manager { return e.groups }

type workItem struct {
	node    topology.Node
	mapping catalog.Mapping
}

// Step evaluates and commits exactly one tick.
func (e *Engine) Step(ctx context.Context) (TickResult, error) {
	e.mu.Lock()
	e.tick++
	tick := e.tick
	env := kernel.Env{
		Predicates:  copyMap(e.predicates),
		Events:      copyMap(e.events),
		Collections: copyMap(e.collections),
	}
	e.mu.Unlock()

	snap := e.store.Snapshot()

	var work []workItem
	for _, n := range snap.Nodes() {
		for _, fam := range catalog.Families {
			if m, ok := e.cat.ResolveFamily(snap, n, fam); ok {
				work = append(work, workItem{node: n, mapping: m})
			}
		}
	}

	deltas := make([]topology.Delta, len(work), len(work)+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, w := range work {
		i, w := i, w
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := kernel.Exec(snap, w.node, w.mapping, env)
			if err != nil {
				var amb *kernel.AmbiguousError
				var str *topology.StructuralError
				if errors.As(err, &amb) || errors.As(err, &str) {
					e.log.Warn("node skipped this tick",
						zap.String("node", string(w.node.ID)),
						zap.String("mapping", w.mapping.Name),
						zap.Error(err))
					return nil
				}
				return err
			}
			deltas[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TickResult{}, err
	}

	if e.autoComplete {
		deltas = append(deltas, e.simulateCompletions(snap))
	}

	merged, conflicts := topology.Merge(snap, deltas)
	for _, c := range conflicts {
		e.log.Debug("delta conflict",
			zap.String("node", string(c.Node)),
			zap.String("reason", c.Reason))
	}
	if err := e.apply(&merged); err != nil {
		return TickResult{}, err
	}

	e.afterCommit(snap, work, deltas)

	res := TickResult{
		Tick:      tick,
		DeltaSize: merged.Size(),
		Converged: merged.Size() == 0,
		Conflicts: conflicts,
	}
	e.log.Debug("tick committed",
		zap.Int("tick", res.Tick),
		zap.Int("delta", res.DeltaSize),
		zap.Bool("converged", res.Converged))
	return res, nil
}

// apply commits the merged delta, dropping the offending node's facts
// and retrying if the store rejects a transition. Apply validates before
// mutating, so a rejected delta leaves the store untouched.
func (e *Engine) apply(d *topology.Delta) error {
	for {
		err := e.store.Apply(*d)
		if err == nil {
			return nil
		}
		var str *topology.StructuralError
		if !errors.As(err, &str) {
			return err
		}
		e.log.Warn("dropping rejected facts", zap.String("node", string(str.Node)), zap.Error(err))
		trimmed := dropNodeFacts(*d, str.Node)
		if trimmed.Size() == d.Size() {
			return err
		}
		*d = trimmed
	}
}

func dropNodeFacts(d topology.Delta, id topology.NodeID) topology.Delta {
	var out topology.Delta
	for _, f := range d.Additions {
		if f.Node != id {
			out.Add(f)
		}
	}
	for _, f := range d.Removals {
		if f.Node != id {
			out.Remove(f)
		}
	}
	return out
}

// simulateCompletions builds the synthetic delta of AutoComplete mode:
// every active task finishes, every outstanding instance records done.
func (e *Engine) simulateCompletions(snap *topology.Snapshot) topology.Delta {
	var d topology.Delta
	for _, n := range snap.Nodes() {
		if n.Kind != topology.KindTask || n.Status != topology.StatusActive {
			continue
		}
		if inst := snap.InstanceTokens(n.ID); len(inst) > 0 {
			for _, t := range inst {
				if !snap.HasMark(topology.InstanceMarkFact(n.ID, t.Instance, topology.MarkDone)) {
					d.Add(topology.InstanceMarkFact(n.ID, t.Instance, topology.MarkDone))
				}
			}
			continue
		}
		d.Add(topology.StatusFact(n.ID, topology.StatusCompleted))
	}
	return d
}

// afterCommit reconciles the out-of-band bookkeeping with what the tick
// actually did: multi-instance group membership, consumed deferred
// triggers, and the second-phase cancellation of partial joins.
func (e *Engine) afterCommit(snap *topology.Snapshot, work []workItem, deltas []topology.Delta) {
	now := e.store.Snapshot()

	for i, w := range work {
		if i >= len(deltas) || deltas[i].Empty() {
			continue
		}
		switch p := w.mapping.Params.(type) {
		case catalog.CopyParams:
			if p.Cardinality != catalog.CardTopology {
				e.recordSpawn(w.node, deltas[i])
			}
		case catalog.FilterParams:
			if p.Selection == catalog.SelDeferred {
				e.clearEvents(snap, w.node.ID)
			}
		case catalog.AwaitParams:
			if !joinFired(w.node.ID, deltas[i]) {
				continue
			}
			if p.Group {
				e.closeGroup(now, w.node.ID)
			}
			if w.node.JoinSpec != nil && w.node.JoinSpec.CancelRemaining {
				e.cancelRemaining(now, w.node)
				now = e.store.Snapshot()
			}
		}
	}

	// Instance completions arrive both externally and from simulation;
	// fold whatever the committed marking now shows into the groups.
	for _, n := range now.Nodes() {
		if n.MI == nil {
			continue
		}
		g, ok := e.groups.Lookup(n.ID)
		if !ok {
			continue
		}
		for _, m := range now.MarksOn(g.Body, topology.MarkDone) {
			_ = e.groups.RecordCompletion(n.ID, m.Instance)
		}
	}
}

// recordSpawn opens or extends the spawner's group from the instance
// tokens its delta created.
func (e *Engine) recordSpawn(spawner topology.Node, d topology.Delta) {
	var body topology.NodeID
	var instances []int
	for _, f := range d.Additions {
		if f.Kind == topology.FactToken && f.Instance > 0 {
			body = f.Node
			instances = append(instances, f.Instance)
		}
	}
	if body == "" {
		return
	}
	if _, open := e.groups.Lookup(spawner.ID); open {
		for _, i := range instances {
			if err := e.groups.Admit(spawner.ID, i); err != nil {
				e.log.Warn("instance not admitted", zap.String("spawner", string(spawner.ID)), zap.Error(err))
			}
		}
		return
	}
	threshold := 0
	if spawner.MI != nil {
		threshold = spawner.MI.Threshold
	}
	mode := topology.MIStatic
	if spawner.MI != nil {
		mode = spawner.MI.Mode
	}
	if _, err := e.groups.Open(spawner.ID, body, mode, threshold, instances); err != nil {
		e.log.Warn("group not opened", zap.String("spawner", string(spawner.ID)), zap.Error(err))
	}
}

// closeGroup retires the group behind a fired completion join: the
// join's body predecessor, then the body's spawner.
func (e *Engine) closeGroup(now *topology.Snapshot, join topology.NodeID) {
	for _, body := range now.Predecessors(join) {
		for _, spawner := range now.Predecessors(body) {
			if n, ok := now.Node(spawner); ok && n.MI != nil {
				if err := e.groups.Close(spawner); err != nil {
					e.log.Debug("group left open", zap.String("spawner", string(spawner)), zap.Error(err))
				}
				return
			}
		}
	}
}

// clearEvents retires the external trigger a deferred choice consumed.
func (e *Engine) clearEvents(snap *topology.Snapshot, chooser topology.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, succ := range snap.Successors(chooser) {
		delete(e.events, succ)
	}
}

// cancelRemaining is the second phase of a cancelling join: once it has
// fired, the branches it did not count are withdrawn.
func (e *Engine) cancelRemaining(now *topology.Snapshot, join topology.Node) {
	var d topology.Delta
	for _, m := range now.MarksOn(join.ID, topology.MarkArrived) {
		d.Remove(m)
	}
	for _, p := range now.Predecessors(join.ID) {
		switch now.StatusOf(p) {
		case topology.StatusCompleted, topology.StatusVoided:
			continue
		case topology.StatusPending:
			if !now.HasToken(p) {
				continue
			}
		}
		d.Add(topology.StatusFact(p, topology.StatusVoided))
		for _, t := range now.TokensOn(p) {
			d.Remove(topology.TokenFact(t.Node, t.Instance))
		}
		for _, m := range now.AllMarksOn(p) {
			d.Remove(m)
		}
	}
	if d.Size() == 0 {
		return
	}
	if err := e.apply(&d); err != nil {
		e.log.Warn("cancel-remaining not applied", zap.String("join", string(join.ID)), zap.Error(err))
	}
}

// Run steps the case until convergence or the tick budget runs out.
// A converged marking whose output conditions are incomplete returns the
// results together with a DeadlockWarning.
func (e *Engine) Run(ctx context.Context) ([]TickResult, error) {
	var results []TickResult
	for i := 0; i < e.maxTicks; i++ {
		res, err := e.Step(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Converged {
			if w := e.deadlocked(); w != nil {
				return results, w
			}
			return results, nil
		}
	}
	last := 0
	if len(results) > 0 {
		last = results[len(results)-1].DeltaSize
	}
	return results, &DivergenceError{Ticks: e.maxTicks, LastDeltaSize: last}
}

// deadlocked reports the output conditions a converged marking left
// incomplete, if any work is still outstanding.
func (e *Engine) deadlocked() *DeadlockWarning {
	snap := e.store.Snapshot()
	var pending []topology.NodeID
	for _, n := range snap.Nodes() {
		if n.Kind == topology.KindOutput && n.Status != topology.StatusCompleted && n.Status != topology.StatusVoided {
			pending = append(pending, n.ID)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return &DeadlockWarning{Pending: pending}
}

// --- external mutators, callable between ticks ---

// Complete finishes an active task.
func (e *Engine) Complete(id topology.NodeID) error {
	var d topology.Delta
	d.Add(topology.StatusFact(id, topology.StatusCompleted))
	return e.store.Apply(d)
}

// CompleteInstance records one multi-instance child done.
func (e *Engine) CompleteInstance(body topology.NodeID, instance int) error {
	var d topology.Delta
	d.Add(topology.InstanceMarkFact(body, instance, topology.MarkDone))
	if err := e.store.Apply(d); err != nil {
		return err
	}
	snap := e.store.Snapshot()
	for _, p := range snap.Predecessors(body) {
		if n, ok := snap.Node(p); ok && n.MI != nil {
			return e.groups.RecordCompletion(p, instance)
		}
	}
	return nil
}

// Cancel voids one node externally. Finished or already-voided nodes
// are left alone, so repeated cancellation is a no-op.
func (e *Engine) Cancel(id topology.NodeID) error {
	snap := e.store.Snapshot()
	switch snap.StatusOf(id) {
	case topology.StatusCompleted, topology.StatusVoided:
		return nil
	}
	var d topology.Delta
	d.Add(topology.StatusFact(id, topology.StatusVoided))
	for _, t := range snap.TokensOn(id) {
		d.Remove(topology.TokenFact(t.Node, t.Instance))
	}
	for _, m := range snap.AllMarksOn(id) {
		d.Remove(m)
	}
	return e.store.Apply(d)
}

// SetPredicate sets a named boolean guard for subsequent ticks.
func (e *Engine) SetPredicate(name string, value bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = value
}

// FireEvent raises the external trigger for a deferred branch. The
// trigger persists until a deferred choice consumes it.
func (e *Engine) FireEvent(target topology.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[target] = true
}

// SetCollection sets the run-time instance count a dynamic spawner reads.
func (e *Engine) SetCollection(spawner topology.NodeID, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections[spawner] = size
}

// SealGroup closes an incremental group to further instances, both in
// the bookkeeping and as a graph fact the join threshold can see.
func (e *Engine) SealGroup(spawner topology.NodeID) error {
	if err := e.groups.Seal(spawner); err != nil {
		return err
	}
	var d topology.Delta
	d.Add(topology.NodeMarkFact(spawner, topology.MarkSealed))
	return e.store.Apply(d)
}

// ResetJoin re-arms a spent join.
func (e *Engine) ResetJoin(id topology.NodeID) error {
	var d topology.Delta
	d.Remove(topology.NodeMarkFact(id, topology.MarkSpent))
	return e.store.Apply(d)
}

func joinFired(id topology.NodeID, d topology.Delta) bool {
	for _, f := range d.Additions {
		if f.Kind == topology.FactToken && f.Node == id {
			return true
		}
	}
	return false
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
