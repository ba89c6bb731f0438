package catalog

import (
	"weft/internal/topology"
)

// Family partitions the catalog by what kind of work a rule does. One
// node can legitimately activate once per family in a single tick: a
// completing task both routes its token (routing) and fires its
// cancellation set (cancel); a join fires independently of either
// (sync). Within a family, first match wins.
type Family uint8

const (
	FamilyCancel Family = iota
	FamilySync
	FamilyRouting
)

func (f Family) String() string {
	switch f {
	case FamilyCancel:
		return "cancel"
	case FamilySync:
		return "sync"
	case FamilyRouting:
		return "routing"
	}
	return "family(?)"
}

// Families lists the evaluation order used by the tick executor.
var Families = []Family{FamilyCancel, FamilySync, FamilyRouting}

// Trigger decides whether a mapping applies to a node's local shape in
// the given view. Triggers are pure and side-effect free.
type Trigger func(view *topology.Snapshot, n topology.Node) bool

// Mapping is one immutable catalog entry: a trigger shape, the verb it
// resolves to, and the verb's parameters.
type Mapping struct {
	Name    string
	Family  Family
	Trigger Trigger
	Verb    Verb
	Params  Params
}

// Catalog is the ordered rule table. It is never mutated after New.
type Catalog struct {
	mappings []Mapping
	byFamily map[Family][]Mapping
}

// New compiles a catalog from mappings, preserving declaration order.
func New(mappings []Mapping) *Catalog {
	c := &Catalog{
		mappings: append([]Mapping(nil), mappings...),
		byFamily: make(map[Family][]Mapping),
	}
	for _, m := range c.mappings {
		c.byFamily[m.Family] = append(c.byFamily[m.Family], m)
	}
	return c
}

// Mappings returns the rules in declaration order.
func (c *Catalog) Mappings() []Mapping {
	return c.mappings
}

// Resolve returns the first mapping, in declaration order across all
// families, whose trigger matches the node. ok is false when the node
// is inert this tick.
func (c *Catalog) Resolve(view *topology.Snapshot, n topology.Node) (Mapping, bool) {
	for _, m := range c.mappings {
		if m.Trigger(view, n) {
			return m, true
		}
	}
	return Mapping{}, false
}

// ResolveFamily returns the first matching mapping within one family.
func (c *Catalog) ResolveFamily(view *topology.Snapshot, n topology.Node, f Family) (Mapping, bool) {
	for _, m := range c.byFamily[f] {
		if m.Trigger(view, n) {
			return m, true
		}
	}
	return Mapping{}, false
}
