package detect

import (
	"fmt"

	"warden/core"
)

// ExpressionNode is a builder node of the combinator library. Nodes come in
// two shapes: plain predicate nodes (Reduced, And, Or, Negate, NoOp) and the
// aggregation leaf (Aggregation). Building a predicate node produces a
// single compiled closure; building an aggregation node returns its triple
// unchanged. Requesting the wrong shape from a node is a programming error
// and panics rather than silently returning a default.
type ExpressionNode interface {
	// Predicate returns the node's compiled predicate.
	// Panics when called on an aggregation node.
	Predicate() core.Predicate

	// Aggregation returns the inclusion predicate, aggregate producer and
	// grouping property names of an aggregation leaf.
	// Panics when called on a predicate node.
	Aggregation() (core.Predicate, core.AggregateProducer, []string)
}

type predicateNode struct {
	pred core.Predicate
}

func (n predicateNode) Predicate() core.Predicate {
	return n.pred
}

func (n predicateNode) Aggregation() (core.Predicate, core.AggregateProducer, []string) {
	panic("detect: aggregation triple requested from a predicate expression node")
}

type aggregationNode struct {
	pred       core.Predicate
	producer   core.AggregateProducer
	properties []string
}

func (n aggregationNode) Predicate() core.Predicate {
	panic("detect: predicate requested from an aggregation expression node")
}

func (n aggregationNode) Aggregation() (core.Predicate, core.AggregateProducer, []string) {
	return n.pred, n.producer, n.properties
}

// Reduced wraps an already-compiled predicate into a node
func Reduced(p core.Predicate) ExpressionNode {
	if p == nil {
		panic("detect: Reduced called with nil predicate")
	}
	return predicateNode{pred: p}
}

// And combines two nodes' predicates with short-circuit semantics
func And(left, right ExpressionNode) ExpressionNode {
	l, r := left.Predicate(), right.Predicate()
	return predicateNode{pred: func(e *core.Event) bool {
		return l(e) && r(e)
	}}
}

// Or combines two nodes' predicates with short-circuit semantics
func Or(left, right ExpressionNode) ExpressionNode {
	l, r := left.Predicate(), right.Predicate()
	return predicateNode{pred: func(e *core.Event) bool {
		return l(e) || r(e)
	}}
}

// Negate returns the logical complement of the inner node's predicate
func Negate(inner ExpressionNode) ExpressionNode {
	p := inner.Predicate()
	return predicateNode{pred: func(e *core.Event) bool {
		return !p(e)
	}}
}

// NoOp returns a node with a fixed always-false predicate. It is the safe
// default for rules that should never standalone-match.
func NoOp() ExpressionNode {
	return predicateNode{pred: matchNothing}
}

// Aggregation returns an aggregation leaf exposing the per-event inclusion
// predicate, the aggregate producer and the grouping property names as a
// triple. Aggregation nodes are not boolean-combinable with other nodes.
func Aggregation(pred core.Predicate, producer core.AggregateProducer, properties []string) ExpressionNode {
	if pred == nil {
		panic("detect: Aggregation called with nil inclusion predicate")
	}
	if producer == nil {
		panic("detect: Aggregation called with nil aggregate producer")
	}
	return aggregationNode{
		pred:       pred,
		producer:   producer,
		properties: append([]string(nil), properties...),
	}
}

func matchNothing(*core.Event) bool {
	return false
}

// PredicateBuilder accumulates a predicate incrementally. Or and And lazily
// initialize the underlying predicate with the first supplied expression and
// combine in place afterwards. The builder compiles to an executable
// predicate exactly once per rule at build time; it is never re-compiled per
// event.
type PredicateBuilder struct {
	pred  core.Predicate
	built bool
}

// NewPredicateBuilder returns an empty builder
func NewPredicateBuilder() *PredicateBuilder {
	return &PredicateBuilder{}
}

// Or disjoins p onto the accumulated predicate, starting the builder with p
// when it is still empty
func (b *PredicateBuilder) Or(p core.Predicate) *PredicateBuilder {
	b.checkNotBuilt()
	if p == nil {
		return b
	}
	if b.pred == nil {
		b.pred = p
		return b
	}
	prev := b.pred
	b.pred = func(e *core.Event) bool {
		return prev(e) || p(e)
	}
	return b
}

// And conjoins p onto the accumulated predicate, starting the builder with p
// when it is still empty
func (b *PredicateBuilder) And(p core.Predicate) *PredicateBuilder {
	b.checkNotBuilt()
	if p == nil {
		return b
	}
	if b.pred == nil {
		b.pred = p
		return b
	}
	prev := b.pred
	b.pred = func(e *core.Event) bool {
		return prev(e) && p(e)
	}
	return b
}

// Not negates the accumulated predicate. Negating an unstarted builder
// yields a fixed always-false predicate, never always-true: negating an
// empty rule body must not match everything.
func (b *PredicateBuilder) Not() *PredicateBuilder {
	b.checkNotBuilt()
	if b.pred == nil {
		b.pred = matchNothing
		return b
	}
	prev := b.pred
	b.pred = func(e *core.Event) bool {
		return !prev(e)
	}
	return b
}

// Build compiles the accumulated predicate. An unstarted builder compiles to
// the always-false predicate. Build may be called once per builder.
func (b *PredicateBuilder) Build() core.Predicate {
	b.checkNotBuilt()
	b.built = true
	if b.pred == nil {
		return matchNothing
	}
	return b.pred
}

func (b *PredicateBuilder) checkNotBuilt() {
	if b.built {
		panic(fmt.Sprintf("detect: predicate builder used after Build: %p", b))
	}
}
