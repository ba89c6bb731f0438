package catalog

import (
	"weft/internal/topology"
)

// Default compiles the built-in rule table covering the 43 workflow
// control patterns from the five verbs. Declaration order encodes
// specificity: cancellation rules first, then synchronization, then
// routing, and within routing the decorated shapes (multi-instance,
// deferred choice, loops) before the plain split shapes.
//
// Pattern coverage, by parameterization:
//
//	sequence (1), multi-merge (8)               -> transmute
//	parallel split (2), thread split (42)       -> copy topology/static
//	MI design-time (13), run-time (14),
//	no a priori knowledge (15/36)               -> copy static/dynamic/incremental
//	exclusive choice (4)                        -> filter exactlyOne
//	multi-choice (6)                            -> filter oneOrMore
//	deferred choice (16), transient/persistent
//	triggers (23/24)                            -> filter deferred
//	interleaved routing (17/40),
//	critical section (39)                       -> filter mutex
//	structured loop (21), arbitrary cycles (10) -> filter loopCondition
//	synchronization (3), generalized AND (33)   -> await all
//	structured sync merge (7)                   -> await active
//	simple merge (5)                            -> await first, rearming
//	discriminators (9/28/29)                    -> await first
//	partial joins (30/31/32), thread merge (41) -> await quorum
//	MI completion joins (27/34/35)              -> await quorum over group
//	sync merges (37/38)                         -> await topology
//	milestone (18)                              -> await gated on milestone token
//	cancel task/case/region/MI (19/20/25/26),
//	explicit termination (43)                   -> void self/task/case/region/instances
//
// Implicit termination (11) and recursion (22) need no rule of their
// own: the former is the convergence check, the latter is expressed by
// topology composition over compound nodes.
func Default() *Catalog {
	return New([]Mapping{
		// --- cancellation ---
		{
			Name:    "cancel-case",
			Family:  FamilyCancel,
			Trigger: cancelTrigger(topology.ScopeCase),
			Verb:    VerbVoid,
			Params:  VoidParams{Scope: topology.ScopeCase},
		},
		{
			Name:    "cancel-region",
			Family:  FamilyCancel,
			Trigger: cancelTrigger(topology.ScopeRegion),
			Verb:    VerbVoid,
			Params:  VoidParams{Scope: topology.ScopeRegion},
		},
		{
			Name:    "cancel-instances",
			Family:  FamilyCancel,
			Trigger: cancelTrigger(topology.ScopeInstances),
			Verb:    VerbVoid,
			Params:  VoidParams{Scope: topology.ScopeInstances},
		},
		{
			Name:    "cancel-task",
			Family:  FamilyCancel,
			Trigger: cancelTrigger(topology.ScopeTask),
			Verb:    VerbVoid,
			Params:  VoidParams{Scope: topology.ScopeTask},
		},
		{
			Name:    "cancel-self",
			Family:  FamilyCancel,
			Trigger: cancelTrigger(topology.ScopeSelf),
			Verb:    VerbVoid,
			Params:  VoidParams{Scope: topology.ScopeSelf},
		},

		// --- synchronization ---
		{
			Name:   "interleaved-routing",
			Family: FamilySync,
			Trigger: func(view *topology.Snapshot, n topology.Node) bool {
				return n.MutexKey != "" && n.Status != topology.StatusVoided &&
					!view.HasToken(n.ID) &&
					len(view.MarksOn(n.ID, topology.MarkQueued)) > 0
			},
			Verb:   VerbFilter,
			Params: FilterParams{Selection: SelMutex},
		},
		{
			Name:   "milestone",
			Family: FamilySync,
			Trigger: func(view *topology.Snapshot, n topology.Node) bool {
				return n.Milestone != "" && n.Status != topology.StatusVoided &&
					len(view.JoinContributions(n.ID)) > 0
			},
			Verb:   VerbAwait,
			Params: AwaitParams{Mode: topology.ThresholdFirst, ResetOnFire: true},
		},
		{
			Name:   "mi-completion-join",
			Family: FamilySync,
			Trigger: func(view *topology.Snapshot, n topology.Node) bool {
				if !n.IsJoin() || n.Status == topology.StatusVoided {
					return false
				}
				_, done, _, ok := view.GroupContributions(n.ID)
				return ok && len(done) > 0
			},
			Verb:   VerbAwait,
			Params: AwaitParams{Mode: topology.ThresholdQuorum, Group: true},
		},
		{
			Name:    "discriminator",
			Family:  FamilySync,
			Trigger: joinTrigger(specMode(topology.ThresholdFirst)),
			Verb:    VerbAwait,
			Params:  AwaitParams{Mode: topology.ThresholdFirst},
		},
		{
			Name:    "partial-join",
			Family:  FamilySync,
			Trigger: joinTrigger(specMode(topology.ThresholdQuorum)),
			Verb:    VerbAwait,
			Params:  AwaitParams{Mode: topology.ThresholdQuorum},
		},
		{
			Name:    "sync-merge-active",
			Family:  FamilySync,
			Trigger: joinTrigger(specMode(topology.ThresholdActive)),
			Verb:    VerbAwait,
			Params:  AwaitParams{Mode: topology.ThresholdActive},
		},
		{
			Name:   "general-sync-merge",
			Family: FamilySync,
			Trigger: joinTrigger(func(n topology.Node) bool {
				if n.JoinSpec != nil {
					return n.JoinSpec.Mode == topology.ThresholdTopology
				}
				return n.Join == topology.GateOR
			}),
			Verb:   VerbAwait,
			Params: AwaitParams{Mode: topology.ThresholdTopology},
		},
		{
			Name:   "synchronization",
			Family: FamilySync,
			Trigger: joinTrigger(func(n topology.Node) bool {
				if n.JoinSpec != nil {
					return n.JoinSpec.Mode == topology.ThresholdAll
				}
				return n.Join == topology.GateAND
			}),
			Verb:   VerbAwait,
			Params: AwaitParams{Mode: topology.ThresholdAll},
		},
		{
			Name:   "merge",
			Family: FamilySync,
			Trigger: joinTrigger(func(n topology.Node) bool {
				return n.JoinSpec == nil && n.Join == topology.GateXOR
			}),
			Verb:   VerbAwait,
			Params: AwaitParams{Mode: topology.ThresholdFirst, ResetOnFire: true},
		},

		// --- routing ---
		{
			Name:    "mi-static",
			Family:  FamilyRouting,
			Trigger: routingTrigger(miMode(topology.MIStatic)),
			Verb:    VerbCopy,
			Params:  CopyParams{Cardinality: CardStatic},
		},
		{
			Name:    "mi-dynamic",
			Family:  FamilyRouting,
			Trigger: routingTrigger(miMode(topology.MIDynamic)),
			Verb:    VerbCopy,
			Params:  CopyParams{Cardinality: CardDynamic},
		},
		{
			Name:    "mi-incremental",
			Family:  FamilyRouting,
			Trigger: routingTrigger(miMode(topology.MIIncremental)),
			Verb:    VerbCopy,
			Params:  CopyParams{Cardinality: CardIncremental},
		},
		{
			Name:   "deferred-choice",
			Family: FamilyRouting,
			Trigger: routingTrigger(func(n topology.Node) bool {
				return n.Deferred
			}),
			Verb:   VerbFilter,
			Params: FilterParams{Selection: SelDeferred},
		},
		{
			Name:   "structured-loop",
			Family: FamilyRouting,
			Trigger: routingTrigger(func(n topology.Node) bool {
				return n.LoopGuard != ""
			}),
			Verb:   VerbFilter,
			Params: FilterParams{Selection: SelLoop},
		},
		{
			Name:   "parallel-split",
			Family: FamilyRouting,
			Trigger: routingTrigger(func(n topology.Node) bool {
				return n.Split == topology.GateAND
			}),
			Verb:   VerbCopy,
			Params: CopyParams{Cardinality: CardTopology},
		},
		{
			Name:   "exclusive-choice",
			Family: FamilyRouting,
			Trigger: routingTrigger(func(n topology.Node) bool {
				return n.Split == topology.GateXOR
			}),
			Verb:   VerbFilter,
			Params: FilterParams{Selection: SelExactlyOne},
		},
		{
			Name:   "multi-choice",
			Family: FamilyRouting,
			Trigger: routingTrigger(func(n topology.Node) bool {
				return n.Split == topology.GateOR
			}),
			Verb:   VerbFilter,
			Params: FilterParams{Selection: SelOneOrMore},
		},
		{
			Name:   "sequence",
			Family: FamilyRouting,
			Trigger: func(view *topology.Snapshot, n topology.Node) bool {
				if !completedWithToken(view, n) {
					return false
				}
				flows := view.FlowsOut(n.ID)
				if len(flows) != 1 {
					return false
				}
				// A sole successor that synchronizes pulls the token
				// itself; pushing too would deliver the work twice.
				// Mutex holders are the exception: they push, so the
				// lock is released the moment the token leaves.
				target, ok := view.Node(flows[0].Target)
				return ok && (!syncConsumed(target) || n.MutexKey != "")
			},
			Verb:   VerbTransmute,
			Params: TransmuteParams{},
		},
	})
}

// completedWithToken is the base routing condition: the node finished
// and its token has not been forwarded yet.
func completedWithToken(view *topology.Snapshot, n topology.Node) bool {
	return n.Status == topology.StatusCompleted && view.HasToken(n.ID)
}

// syncConsumed reports whether arrivals at the node are consumed by a
// synchronizing rule (join or milestone) rather than delivered directly.
func syncConsumed(n topology.Node) bool {
	return n.IsJoin() || n.Milestone != ""
}

func cancelTrigger(scope topology.Scope) Trigger {
	return func(view *topology.Snapshot, n topology.Node) bool {
		return n.Cancel != nil && n.Cancel.Scope == scope &&
			completedWithToken(view, n)
	}
}

func routingTrigger(shape func(topology.Node) bool) Trigger {
	return func(view *topology.Snapshot, n topology.Node) bool {
		return completedWithToken(view, n) && shape(n)
	}
}

func joinTrigger(shape func(topology.Node) bool) Trigger {
	return func(view *topology.Snapshot, n topology.Node) bool {
		if !n.IsJoin() || n.Status == topology.StatusVoided || !shape(n) {
			return false
		}
		return len(view.JoinContributions(n.ID)) > 0
	}
}

func specMode(mode topology.ThresholdMode) func(topology.Node) bool {
	return func(n topology.Node) bool {
		return n.JoinSpec != nil && n.JoinSpec.Mode == mode
	}
}

func miMode(mode topology.MIMode) func(topology.Node) bool {
	return func(n topology.Node) bool {
		return n.MI != nil && n.MI.Mode == mode
	}
}
