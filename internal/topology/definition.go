package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the on-disk YAML form of a topology plus its marking.
// Load(Export()) reproduces the store fact for fact: statuses, tokens
// and marks all round-trip.
type Definition struct {
	Nodes  []NodeDef  `yaml:"nodes"`
	Flows  []FlowDef  `yaml:"flows,omitempty"`
	Tokens []TokenDef `yaml:"tokens,omitempty"`
	Marks  []MarkDef  `yaml:"marks,omitempty"`
}

// NodeDef is the YAML form of one node and its decorations.
type NodeDef struct {
	ID        string       `yaml:"id"`
	Kind      string       `yaml:"kind,omitempty"`
	Split     string       `yaml:"split,omitempty"`
	Join      string       `yaml:"join,omitempty"`
	Status    string       `yaml:"status,omitempty"`
	MI        *MIDef       `yaml:"multi_instance,omitempty"`
	Cancel    *CancelDef   `yaml:"cancel,omitempty"`
	JoinSpec  *JoinSpecDef `yaml:"join_threshold,omitempty"`
	Compound  []string     `yaml:"compound,omitempty"`
	Deferred  bool         `yaml:"deferred,omitempty"`
	Mutex     string       `yaml:"mutex,omitempty"`
	LoopGuard string       `yaml:"loop_guard,omitempty"`
	Milestone string       `yaml:"milestone,omitempty"`
}

// MIDef is the YAML form of a multi-instance decoration.
type MIDef struct {
	Mode      string `yaml:"mode,omitempty"`
	Count     int    `yaml:"count,omitempty"`
	Threshold int    `yaml:"threshold,omitempty"`
}

// CancelDef is the YAML form of a cancellation decoration.
type CancelDef struct {
	Scope   string   `yaml:"scope,omitempty"`
	Targets []string `yaml:"targets,omitempty"`
}

// JoinSpecDef is the YAML form of an explicit join threshold.
type JoinSpecDef struct {
	Mode            string `yaml:"mode,omitempty"`
	Quorum          int    `yaml:"quorum,omitempty"`
	ResetOnFire     bool   `yaml:"reset_on_fire,omitempty"`
	CancelRemaining bool   `yaml:"cancel_remaining,omitempty"`
}

// FlowDef is the YAML form of one arc.
type FlowDef struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Predicate string `yaml:"predicate,omitempty"`
	Priority  int    `yaml:"priority,omitempty"`
	Loopback  bool   `yaml:"loopback,omitempty"`
}

// TokenDef is the YAML form of one token.
type TokenDef struct {
	Node     string `yaml:"node"`
	Instance int    `yaml:"instance,omitempty"`
}

// MarkDef is the YAML form of one marker, for exporting in-flight state.
type MarkDef struct {
	Node     string `yaml:"node"`
	From     string `yaml:"from,omitempty"`
	Instance int    `yaml:"instance,omitempty"`
	Label    string `yaml:"label"`
}

// ParseDefinition decodes a YAML topology document.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse topology: %w", err)
	}
	return def, nil
}

// LoadFile reads, parses and builds a topology file.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return def.Build()
}

// Build constructs a store from the definition. Per-node construction
// errors are returned immediately; run Validate on the result for the
// non-fatal global checks.
func (d Definition) Build() (*Store, error) {
	s := NewStore()
	for _, nd := range d.Nodes {
		n, err := nd.node()
		if err != nil {
			return nil, err
		}
		if err := s.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, fd := range d.Flows {
		if err := s.AddFlow(Flow{
			Source:    NodeID(fd.From),
			Target:    NodeID(fd.To),
			Predicate: fd.Predicate,
			Priority:  fd.Priority,
			Loopback:  fd.Loopback,
		}); err != nil {
			return nil, err
		}
	}
	for _, td := range d.Tokens {
		if err := s.PlaceToken(Token{Node: NodeID(td.Node), Instance: td.Instance}); err != nil {
			return nil, err
		}
	}
	for _, md := range d.Marks {
		if err := s.PlaceMark(Fact{
			Kind:     FactMark,
			Node:     NodeID(md.Node),
			From:     NodeID(md.From),
			Instance: md.Instance,
			Label:    md.Label,
		}); err != nil {
			return nil, err
		}
	}
	// A condition holding a token is complete by definition; normalize
	// seeded markings so initial tokens are immediately routable.
	for _, td := range d.Tokens {
		id := NodeID(td.Node)
		if n, ok := s.nodes[id]; ok && n.IsCondition() && n.Status == StatusPending {
			if err := s.SetStatus(id, StatusCompleted); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (nd NodeDef) node() (Node, error) {
	kind, err := ParseKind(nd.Kind)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", nd.ID, err)
	}
	split, err := ParseGate(nd.Split)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", nd.ID, err)
	}
	join, err := ParseGate(nd.Join)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", nd.ID, err)
	}
	status, err := ParseStatus(nd.Status)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", nd.ID, err)
	}
	n := Node{
		ID:        NodeID(nd.ID),
		Kind:      kind,
		Split:     split,
		Join:      join,
		Status:    status,
		Deferred:  nd.Deferred,
		MutexKey:  nd.Mutex,
		LoopGuard: nd.LoopGuard,
		Milestone: NodeID(nd.Milestone),
	}
	for _, c := range nd.Compound {
		n.Compound = append(n.Compound, NodeID(c))
	}
	if nd.MI != nil {
		mode, err := ParseMIMode(nd.MI.Mode)
		if err != nil {
			return Node{}, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		n.MI = &MIAttr{Mode: mode, Count: nd.MI.Count, Threshold: nd.MI.Threshold}
	}
	if nd.Cancel != nil {
		scope, err := ParseScope(nd.Cancel.Scope)
		if err != nil {
			return Node{}, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		attr := &CancelAttr{Scope: scope}
		for _, t := range nd.Cancel.Targets {
			attr.Targets = append(attr.Targets, NodeID(t))
		}
		n.Cancel = attr
	}
	if nd.JoinSpec != nil {
		mode, err := ParseThresholdMode(nd.JoinSpec.Mode)
		if err != nil {
			return Node{}, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		n.JoinSpec = &JoinAttr{
			Mode:            mode,
			Quorum:          nd.JoinSpec.Quorum,
			ResetOnFire:     nd.JoinSpec.ResetOnFire,
			CancelRemaining: nd.JoinSpec.CancelRemaining,
		}
	}
	return n, nil
}

// Export dumps the current generation back into definition form. Node
// order follows declaration order; tokens and marks are sorted, so the
// output is canonical for a given marking.
func (s *Store) Export() Definition {
	snap := s.Snapshot()
	var def Definition

	for _, n := range snap.Nodes() {
		nd := NodeDef{
			ID:        string(n.ID),
			Deferred:  n.Deferred,
			Mutex:     n.MutexKey,
			LoopGuard: n.LoopGuard,
			Milestone: string(n.Milestone),
		}
		if n.Kind != KindTask {
			nd.Kind = n.Kind.String()
		}
		if n.Split != GateNone {
			nd.Split = n.Split.String()
		}
		if n.Join != GateNone {
			nd.Join = n.Join.String()
		}
		if n.Status != StatusPending {
			nd.Status = n.Status.String()
		}
		for _, c := range n.Compound {
			nd.Compound = append(nd.Compound, string(c))
		}
		if n.MI != nil {
			nd.MI = &MIDef{Count: n.MI.Count, Threshold: n.MI.Threshold}
			if n.MI.Mode != MIStatic {
				nd.MI.Mode = n.MI.Mode.String()
			}
		}
		if n.Cancel != nil {
			nd.Cancel = &CancelDef{}
			if n.Cancel.Scope != ScopeSelf {
				nd.Cancel.Scope = n.Cancel.Scope.String()
			}
			for _, t := range n.Cancel.Targets {
				nd.Cancel.Targets = append(nd.Cancel.Targets, string(t))
			}
		}
		if n.JoinSpec != nil {
			nd.JoinSpec = &JoinSpecDef{
				Quorum:          n.JoinSpec.Quorum,
				ResetOnFire:     n.JoinSpec.ResetOnFire,
				CancelRemaining: n.JoinSpec.CancelRemaining,
			}
			if n.JoinSpec.Mode != ThresholdAll {
				nd.JoinSpec.Mode = n.JoinSpec.Mode.String()
			}
		}
		def.Nodes = append(def.Nodes, nd)
	}

	for _, n := range snap.Nodes() {
		for _, f := range snap.FlowsOut(n.ID) {
			def.Flows = append(def.Flows, FlowDef{
				From:      string(f.Source),
				To:        string(f.Target),
				Predicate: f.Predicate,
				Priority:  f.Priority,
				Loopback:  f.Loopback,
			})
		}
	}

	var tokens []Token
	for _, n := range snap.Nodes() {
		tokens = append(tokens, snap.TokensOn(n.ID)...)
	}
	for _, t := range tokens {
		def.Tokens = append(def.Tokens, TokenDef{Node: string(t.Node), Instance: t.Instance})
	}

	for _, n := range snap.Nodes() {
		for _, m := range snap.AllMarksOn(n.ID) {
			if m.Node != n.ID {
				continue // emitted under its owning node
			}
			def.Marks = append(def.Marks, MarkDef{
				Node:     string(m.Node),
				From:     string(m.From),
				Instance: m.Instance,
				Label:    m.Label,
			})
		}
	}
	return def
}

// Marshal encodes the definition as YAML.
func (d Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
