// Package catalog maps local topology shapes to kernel verbs. The
// catalog is an ordered, immutable list of tagged rules compiled once at
// engine start; resolution is a first-match scan, so declaration order
// encodes pattern specificity.
package catalog

import (
	"fmt"

	"weft/internal/topology"
)

// Verb is one of the five elemental graph-rewrite operations.
type Verb uint8

const (
	// VerbTransmute moves one token along the single outgoing flow.
	VerbTransmute Verb = iota
	// VerbCopy converts one token into N, per its cardinality.
	VerbCopy
	// VerbFilter routes one token selectively among guarded flows.
	VerbFilter
	// VerbAwait synchronizes predecessor completions into one token.
	VerbAwait
	// VerbVoid removes tokens and voids nodes within a scope.
	VerbVoid
)

func (v Verb) String() string {
	switch v {
	case VerbTransmute:
		return "transmute"
	case VerbCopy:
		return "copy"
	case VerbFilter:
		return "filter"
	case VerbAwait:
		return "await"
	case VerbVoid:
		return "void"
	}
	return fmt.Sprintf("verb(%d)", uint8(v))
}

// Cardinality parameterizes Copy.
type Cardinality uint8

const (
	CardTopology Cardinality = iota
	CardStatic
	CardDynamic
	CardIncremental
)

// Selection parameterizes Filter.
type Selection uint8

const (
	SelExactlyOne Selection = iota
	SelOneOrMore
	SelDeferred
	SelMutex
	SelLoop
)

// Params is the closed set of verb parameter blocks.
type Params interface {
	verb() Verb
}

// TransmuteParams — Transmute takes no parameters.
type TransmuteParams struct{}

func (TransmuteParams) verb() Verb { return VerbTransmute }

// CopyParams selects the spawn cardinality. Count zero means "read the
// count from the node's multi-instance decoration".
type CopyParams struct {
	Cardinality Cardinality
	Count       int
}

func (CopyParams) verb() Verb { return VerbCopy }

// FilterParams selects the branch-selection mode.
type FilterParams struct {
	Selection Selection
}

func (FilterParams) verb() Verb { return VerbFilter }

// AwaitParams selects the completion threshold. Quorum zero means "read
// the quorum from the node's join decoration". Group switches the count
// from predecessor completions to multi-instance child completions.
// When ResetOnFire is false the join is spent after firing and absorbs
// later completions without re-activating.
type AwaitParams struct {
	Mode            topology.ThresholdMode
	Quorum          int
	ResetOnFire     bool
	Group           bool
	CancelRemaining bool
}

func (AwaitParams) verb() Verb { return VerbAwait }

// VoidParams selects the cancellation scope.
type VoidParams struct {
	Scope topology.Scope
}

func (VoidParams) verb() Verb { return VerbVoid }
