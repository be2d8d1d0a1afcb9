// Package query defines the structured query descriptor consumed by the sync
// engine.
//
// Descriptors are produced by the external query builder; the engine treats
// them as opaque except for two things: computing the membership fingerprint
// that keys query-set and metric stores, and locally evaluating the predicate
// tree against entities for optimistic metric updates.
package query

import (
	"github.com/meridianhq/liveset/internal/fingerprint"
)

// Predicate represents a filter condition in the predicate tree.
//
// This is a sealed interface - only types in this package implement it.
// The marker method pattern prevents external implementations and enables
// exhaustive type switches in the evaluator.
//
// Predicate types:
//   - Filter: field <op> value leaf
//   - And: all children must match
//   - Or: at least one child must match
//   - Not: child must not match
type Predicate interface {
	predicateNode() // Marker method - seals the interface to this package
}

// FilterOp enumerates the comparison operators a Filter leaf supports.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNe       FilterOp = "ne"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpIn       FilterOp = "in"
	OpContains FilterOp = "contains"
)

// Filter is a leaf predicate comparing one attribute against a value.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// And matches when every child predicate matches.
type And struct {
	Predicates []Predicate
}

// Or matches when at least one child predicate matches.
type Or struct {
	Predicates []Predicate
}

// Not inverts its child predicate.
type Not struct {
	Predicate Predicate
}

func (Filter) predicateNode() {}
func (And) predicateNode()    {}
func (Or) predicateNode()     {}
func (Not) predicateNode()    {}

// SerializerOpts carries presentation options for the wire client.
// None of these affect query-set membership.
type SerializerOpts struct {
	Depth  int
	Fields []string
	Limit  int
	Offset int
}

// Aggregation names a server-side aggregate over the query's result set.
type Aggregation struct {
	Metric string // "count", "sum", "min", "max", "avg"
	Field  string // empty for count
}

// Descriptor is a structured query over one model.
//
// Only Predicate, OrderBy, and InitialPKs affect which entities belong to the
// query's result set; everything else is presentation and excluded from the
// fingerprint.
type Descriptor struct {
	Predicate       Predicate
	OrderBy         []string
	InitialPKs      []string
	SelectRelated   []string
	PrefetchRelated []string
	Serializer      *SerializerOpts
	Aggregations    []Aggregation
}

// Fingerprint computes the stable content hash of the membership-affecting
// parts of the descriptor. Two descriptors with the same predicate tree,
// ordering, and initial set share a query-set store regardless of serializer
// or prefetch options.
func (d Descriptor) Fingerprint() (string, error) {
	return fingerprint.Hash(fingerprint.DomainQuery, d.membershipParts())
}

// membershipParts flattens the membership-affecting descriptor parts into a
// plain map suitable for canonical JSON hashing.
func (d Descriptor) membershipParts() map[string]any {
	parts := map[string]any{
		"predicate": predicateParts(d.Predicate),
	}
	if len(d.OrderBy) > 0 {
		parts["order_by"] = d.OrderBy
	}
	if len(d.InitialPKs) > 0 {
		parts["initial_pks"] = d.InitialPKs
	}
	return parts
}

func predicateParts(p Predicate) any {
	switch pred := p.(type) {
	case nil:
		return nil
	case Filter:
		return map[string]any{
			"kind":  "filter",
			"field": pred.Field,
			"op":    string(pred.Op),
			"value": pred.Value,
		}
	case And:
		children := make([]any, len(pred.Predicates))
		for i, c := range pred.Predicates {
			children[i] = predicateParts(c)
		}
		return map[string]any{"kind": "and", "children": children}
	case Or:
		children := make([]any, len(pred.Predicates))
		for i, c := range pred.Predicates {
			children[i] = predicateParts(c)
		}
		return map[string]any{"kind": "or", "children": children}
	case Not:
		return map[string]any{"kind": "not", "child": predicateParts(pred.Predicate)}
	default:
		// Sealed interface: unreachable unless a new node type is added
		// without extending this switch.
		return map[string]any{"kind": "unknown"}
	}
}
