package query

import "fmt"

// Validate checks a descriptor's predicate tree for structural problems.
//
// Validation failures mean the query builder produced a descriptor the engine
// cannot evaluate or fingerprint meaningfully: unknown operators, empty
// boolean nodes, filters without a field. The wire client is expected to have
// validated server-side semantics already; this guards only the local uses
// (fingerprinting and predicate evaluation).
//
// Validate is a pure function with no side effects.
func Validate(d Descriptor) error {
	if err := validatePredicate(d.Predicate, false); err != nil {
		return err
	}
	for _, agg := range d.Aggregations {
		if err := validateAggregation(agg); err != nil {
			return err
		}
	}
	return nil
}

func validatePredicate(p Predicate, nested bool) error {
	switch pred := p.(type) {
	case nil:
		if nested {
			return fmt.Errorf("nil predicate inside boolean node")
		}
		return nil // Unfiltered query
	case Filter:
		if pred.Field == "" {
			return fmt.Errorf("filter with empty field")
		}
		if !knownOp(pred.Op) {
			return fmt.Errorf("filter on %q uses unknown operator %q", pred.Field, pred.Op)
		}
		return nil
	case And:
		if len(pred.Predicates) == 0 {
			return fmt.Errorf("and node with no children")
		}
		for _, c := range pred.Predicates {
			if err := validatePredicate(c, true); err != nil {
				return err
			}
		}
		return nil
	case Or:
		if len(pred.Predicates) == 0 {
			return fmt.Errorf("or node with no children")
		}
		for _, c := range pred.Predicates {
			if err := validatePredicate(c, true); err != nil {
				return err
			}
		}
		return nil
	case Not:
		return validatePredicate(pred.Predicate, true)
	default:
		return fmt.Errorf("unknown predicate node %T", p)
	}
}

func knownOp(op FilterOp) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn, OpContains:
		return true
	}
	return false
}

func validateAggregation(agg Aggregation) error {
	switch agg.Metric {
	case "count":
		return nil
	case "sum", "min", "max", "avg":
		if agg.Field == "" {
			return fmt.Errorf("aggregation %q requires a field", agg.Metric)
		}
		return nil
	default:
		return fmt.Errorf("unknown aggregation metric %q", agg.Metric)
	}
}
