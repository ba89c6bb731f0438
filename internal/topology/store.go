package topology

import (
	"fmt"
	"sort"
	"sync"
)

// StructuralError reports a malformed topology or an inapplicable delta
// fact. It always names the offending node so the tick executor can roll
// back just that node's activation and keep the run alive.
type StructuralError struct {
	Node   NodeID
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error at %q: %s", e.Node, e.Reason)
}

func structural(node NodeID, format string, args ...interface{}) error {
	return &StructuralError{Node: node, Reason: fmt.Sprintf(format, args...)}
}

// Store owns the workflow graph and the current marking. It is owned
// exclusively by the tick executor between ticks; reads for a tick go
// through one immutable Snapshot and writes land in one atomic Apply.
type Store struct {
	mu     sync.RWMutex
	gen    uint64
	nodes  map[NodeID]*Node
	order  []NodeID
	out    map[NodeID][]Flow
	in     map[NodeID][]Flow
	tokens map[Token]struct{}
	marks  map[Fact]struct{}
}

// NewStore returns an empty store at generation zero.
func NewStore() *Store {
	return &Store{
		nodes:  make(map[NodeID]*Node),
		out:    make(map[NodeID][]Flow),
		in:     make(map[NodeID][]Flow),
		tokens: make(map[Token]struct{}),
		marks:  make(map[Fact]struct{}),
	}
}

// Generation returns the number of applied deltas.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// AddNode registers a node. Duplicate ids are structural errors.
func (s *Store) AddNode(n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		return structural("", "node with empty id")
	}
	if _, ok := s.nodes[n.ID]; ok {
		return structural(n.ID, "duplicate node id")
	}
	cp := n
	s.nodes[n.ID] = &cp
	s.order = append(s.order, n.ID)
	return nil
}

// AddFlow registers a directed arc. Both endpoints must exist and the
// edge must not duplicate an existing one.
func (s *Store) AddFlow(f Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[f.Source]; !ok {
		return structural(f.Source, "flow source does not exist")
	}
	if _, ok := s.nodes[f.Target]; !ok {
		return structural(f.Target, "dangling flow target %q", f.Target)
	}
	for _, existing := range s.out[f.Source] {
		if existing.Target == f.Target {
			return structural(f.Source, "duplicate flow %s -> %s", f.Source, f.Target)
		}
	}
	s.out[f.Source] = append(s.out[f.Source], f)
	s.in[f.Target] = append(s.in[f.Target], f)
	SortFlows(s.out[f.Source])
	SortFlows(s.in[f.Target])
	return nil
}

// PlaceToken seeds a token during topology loading.
func (s *Store) PlaceToken(t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[t.Node]; !ok {
		return structural(t.Node, "token on unknown node")
	}
	s.tokens[t] = struct{}{}
	return nil
}

// PlaceMark seeds a marker during topology loading, so an exported
// in-flight marking can be reloaded fact for fact.
func (s *Store) PlaceMark(f Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Kind != FactMark {
		return structural(f.Node, "not a mark fact")
	}
	if _, ok := s.nodes[f.Node]; !ok {
		return structural(f.Node, "mark on unknown node")
	}
	s.marks[f.Key()] = struct{}{}
	return nil
}

// SetStatus seeds a node status during topology loading, bypassing the
// transition checks that Apply enforces.
func (s *Store) SetStatus(id NodeID, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return structural(id, "status for unknown node")
	}
	n.Status = status
	return nil
}

// Validate checks global well-formedness that single AddNode/AddFlow
// calls cannot see: joins with no predecessors and splits with no
// successors. Each problem is reported per node; none is fatal.
func (s *Store) Validate() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var errs []error
	for _, id := range s.order {
		n := s.nodes[id]
		if n.IsJoin() && len(s.in[id]) == 0 {
			errs = append(errs, structural(id, "%s-join with zero declared predecessors", n.Join))
		}
		if n.Split != GateNone && len(s.out[id]) == 0 {
			errs = append(errs, structural(id, "%s-split with zero outgoing flows", n.Split))
		}
		if n.Milestone != "" {
			if _, ok := s.nodes[n.Milestone]; !ok {
				errs = append(errs, structural(id, "milestone references unknown node %q", n.Milestone))
			}
		}
		if n.Cancel != nil {
			for _, t := range n.Cancel.Targets {
				if _, ok := s.nodes[t]; !ok {
					errs = append(errs, structural(id, "cancellation target %q does not exist", t))
				}
			}
		}
	}
	return errs
}

// Snapshot returns an immutable, read-consistent view of the current
// generation. Verbs and triggers for one tick all read the same view.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		gen:    s.gen,
		nodes:  make(map[NodeID]Node, len(s.nodes)),
		order:  append([]NodeID(nil), s.order...),
		out:    s.out,
		in:     s.in,
		tokens: make(map[Token]struct{}, len(s.tokens)),
		marks:  make(map[Fact]struct{}, len(s.marks)),
	}
	for id, n := range s.nodes {
		snap.nodes[id] = *n
	}
	for t := range s.tokens {
		snap.tokens[t] = struct{}{}
	}
	for m := range s.marks {
		snap.marks[m] = struct{}{}
	}
	return snap
}

// Apply commits a merged delta atomically: the whole delta is validated
// against the current state first, and nothing mutates on error. The
// returned error is a *StructuralError naming the node whose fact could
// not apply, so the executor can drop that activation and retry.
func (s *Store) Apply(d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate removals.
	for _, f := range d.Removals {
		switch f.Kind {
		case FactToken:
			if _, ok := s.tokens[Token{Node: f.Node, Instance: f.Instance}]; !ok {
				return structural(f.Node, "removal of non-existent %s", f)
			}
		case FactMark:
			if _, ok := s.marks[f.Key()]; !ok {
				return structural(f.Node, "removal of non-existent %s", f)
			}
		case FactStatus:
			return structural(f.Node, "status facts cannot be removed")
		}
	}
	// Validate additions.
	for _, f := range d.Additions {
		n, ok := s.nodes[f.Node]
		if !ok {
			return structural(f.Node, "%s targets unknown node", f)
		}
		if f.Kind != FactStatus {
			continue
		}
		if err := checkTransition(n, f.Status); err != nil {
			return err
		}
	}

	for _, f := range d.Removals {
		switch f.Kind {
		case FactToken:
			delete(s.tokens, Token{Node: f.Node, Instance: f.Instance})
		case FactMark:
			delete(s.marks, f.Key())
		}
	}
	for _, f := range d.Additions {
		switch f.Kind {
		case FactToken:
			s.tokens[Token{Node: f.Node, Instance: f.Instance}] = struct{}{}
		case FactMark:
			s.marks[f.Key()] = struct{}{}
		case FactStatus:
			n := s.nodes[f.Node]
			status := f.Status
			// Conditions hold tokens, they do not execute: activation
			// collapses straight to completion.
			if status == StatusActive && n.IsCondition() {
				status = StatusCompleted
			}
			n.Status = status
		}
	}
	s.gen++
	return nil
}

// checkTransition enforces the status lifecycle. Voided is terminal and
// a completed node can never be voided (history cannot be retracted);
// re-activation of a completed node is allowed so cycles and repeated
// merges can revisit work.
func checkTransition(n *Node, to Status) error {
	from := n.Status
	if from == StatusVoided {
		return structural(n.ID, "status transition from voided to %s", to)
	}
	switch to {
	case StatusActive:
		return nil
	case StatusCompleted:
		if from == StatusActive || from == StatusCompleted || n.IsCondition() {
			return nil
		}
		return structural(n.ID, "completion of %s node", from)
	case StatusVoided:
		if from == StatusCompleted {
			return structural(n.ID, "void of completed node")
		}
		return nil
	}
	return structural(n.ID, "status transition to %s", to)
}

// Snapshot is the immutable read view used by the resolver and the
// kernel verbs for one tick. Flow slices are shared with the store but
// never mutated after load.
type Snapshot struct {
	gen    uint64
	nodes  map[NodeID]Node
	order  []NodeID
	out    map[NodeID][]Flow
	in     map[NodeID][]Flow
	tokens map[Token]struct{}
	marks  map[Fact]struct{}
}

// Generation identifies the store generation this view was taken at.
func (v *Snapshot) Generation() uint64 { return v.gen }

// Node looks up a node by id.
func (v *Snapshot) Node(id NodeID) (Node, bool) {
	n, ok := v.nodes[id]
	return n, ok
}

// Nodes returns all nodes in declaration order.
func (v *Snapshot) Nodes() []Node {
	out := make([]Node, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.nodes[id])
	}
	return out
}

// StatusOf returns a node's status, or pending for unknown ids.
func (v *Snapshot) StatusOf(id NodeID) Status {
	return v.nodes[id].Status
}

// FlowsOut returns the outgoing flows of a node, priority-ordered.
func (v *Snapshot) FlowsOut(id NodeID) []Flow { return v.out[id] }

// FlowsIn returns the incoming flows of a node, priority-ordered.
func (v *Snapshot) FlowsIn(id NodeID) []Flow { return v.in[id] }

// Successors returns the distinct targets of a node's outgoing flows.
func (v *Snapshot) Successors(id NodeID) []NodeID {
	var out []NodeID
	for _, f := range v.out[id] {
		out = append(out, f.Target)
	}
	return out
}

// Predecessors returns the distinct sources of a node's incoming flows.
func (v *Snapshot) Predecessors(id NodeID) []NodeID {
	var out []NodeID
	for _, f := range v.in[id] {
		out = append(out, f.Source)
	}
	return out
}

// TokensOn returns the tokens currently on a node, instance-ordered.
func (v *Snapshot) TokensOn(id NodeID) []Token {
	var out []Token
	for t := range v.tokens {
		if t.Node == id {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// HasToken reports whether any token sits on the node.
func (v *Snapshot) HasToken(id NodeID) bool {
	for t := range v.tokens {
		if t.Node == id {
			return true
		}
	}
	return false
}

// InstanceTokens returns the multi-instance tokens on a node.
func (v *Snapshot) InstanceTokens(id NodeID) []Token {
	var out []Token
	for _, t := range v.TokensOn(id) {
		if t.Instance != 0 {
			out = append(out, t)
		}
	}
	return out
}

// TokenCount is the total number of tokens in the marking.
func (v *Snapshot) TokenCount() int { return len(v.tokens) }

// MarkCount is the total number of marks in the marking.
func (v *Snapshot) MarkCount() int { return len(v.marks) }

// HasMark reports whether the exact mark fact is present.
func (v *Snapshot) HasMark(f Fact) bool {
	_, ok := v.marks[f.Key()]
	return ok
}

// NodeMark reports whether a node-scoped mark with the label is present.
func (v *Snapshot) NodeMark(id NodeID, label string) bool {
	return v.HasMark(NodeMarkFact(id, label))
}

// MarksOn returns all marks on a node with the given label,
// deterministically ordered by source then instance.
func (v *Snapshot) MarksOn(id NodeID, label string) []Fact {
	var out []Fact
	for m := range v.marks {
		if m.Node == id && m.Label == label {
			out = append(out, m)
		}
	}
	sortFacts(out)
	return out
}

// AllMarksOn returns every mark that touches the node, either scoped to
// it or originating from it. Used by cancellation to retract in-transit
// work.
func (v *Snapshot) AllMarksOn(id NodeID) []Fact {
	var out []Fact
	for m := range v.marks {
		if m.Node == id || m.From == id {
			out = append(out, m)
		}
	}
	sortFacts(out)
	return out
}

// LockHolder returns the node currently holding the named mutex lock.
func (v *Snapshot) LockHolder(key string) (NodeID, bool) {
	label := LockLabel(key)
	for m := range v.marks {
		if m.Label == label {
			return m.Node, true
		}
	}
	return "", false
}

// holdsFact reports whether a removable fact exists in this view.
func (v *Snapshot) holdsFact(f Fact) bool {
	switch f.Kind {
	case FactToken:
		_, ok := v.tokens[Token{Node: f.Node, Instance: f.Instance}]
		return ok
	case FactMark:
		_, ok := v.marks[f.Key()]
		return ok
	}
	return false
}

// Contribution is one predecessor completion available to a join: either
// an arrival mark pushed by a routing verb, or a token still resting on
// a completed predecessor whose single outgoing flow leads to the join
// (the join pulls it directly, so a plain completion synchronizes in the
// same tick it becomes visible).
type Contribution struct {
	From  NodeID
	Mark  *Fact
	Token *Token
}

// JoinContributions returns the completions currently available to the
// join, ordered by predecessor id.
func (v *Snapshot) JoinContributions(j NodeID) []Contribution {
	var out []Contribution
	seen := make(map[NodeID]bool)
	for _, f := range v.in[j] {
		p := f.Source
		if seen[p] {
			continue
		}
		seen[p] = true
		if m := MarkFact(p, j, MarkArrived); v.HasMark(m) {
			mk := m
			out = append(out, Contribution{From: p, Mark: &mk})
			continue
		}
		pred, ok := v.nodes[p]
		if !ok || pred.Status != StatusCompleted {
			continue
		}
		// Only a plain completion with a single outgoing flow is pulled;
		// decorated predecessors (splits, multi-instance, deferred,
		// loops, mutex holders) push their own arrival marks. Mutex
		// holders must push so the lock is released with the token.
		if len(v.out[p]) != 1 || pred.Split != GateNone || pred.MI != nil || pred.Deferred || pred.LoopGuard != "" || pred.MutexKey != "" {
			continue
		}
		toks := v.TokensOn(p)
		if len(toks) == 1 && toks[0].Instance == 0 {
			tk := toks[0]
			out = append(out, Contribution{From: p, Token: &tk})
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].From < out[k].From })
	return out
}

// GroupContributions returns, for a join fed by a multi-instance body,
// the body node, the completion marks of finished instances, and the
// instance tokens still outstanding. The body is the unique predecessor
// carrying instance tokens; ok is false when there is none.
func (v *Snapshot) GroupContributions(j NodeID) (body NodeID, done []Fact, remaining []Token, ok bool) {
	for _, f := range v.in[j] {
		if toks := v.InstanceTokens(f.Source); len(toks) > 0 {
			body = f.Source
			for _, t := range toks {
				if v.HasMark(InstanceMarkFact(body, t.Instance, MarkDone)) {
					done = append(done, InstanceMarkFact(body, t.Instance, MarkDone))
				} else {
					remaining = append(remaining, t)
				}
			}
			return body, done, remaining, true
		}
	}
	return "", nil, nil, false
}

// CanStillArrive reports whether a completion can still reach pred from
// the live part of the graph: some ancestor of pred (or pred itself)
// holds a token or is active, along a path that avoids voided nodes and
// does not pass through the join itself. Used by the topology threshold
// of the general synchronizing merge.
func (v *Snapshot) CanStillArrive(pred, join NodeID) bool {
	visited := map[NodeID]bool{join: true}
	queue := []NodeID{pred}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		n, ok := v.nodes[id]
		if !ok || n.Status == StatusVoided {
			continue
		}
		if n.Status == StatusActive || v.HasToken(id) {
			return true
		}
		for _, f := range v.in[id] {
			queue = append(queue, f.Source)
		}
	}
	return false
}
