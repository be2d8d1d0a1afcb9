package query

import (
	"encoding/json"
	"strings"

	"github.com/meridianhq/liveset/internal/model"
)

// Matches evaluates the descriptor's predicate tree against an entity.
//
// A nil predicate matches everything (an unfiltered query set). Evaluation is
// best-effort over the attributes the entity actually carries: a missing
// attribute fails every comparison except ne, which vacuously holds. This
// mirrors how the server treats absent columns for partial instances.
func (d Descriptor) Matches(e model.Entity) bool {
	return evalPredicate(d.Predicate, e)
}

func evalPredicate(p Predicate, e model.Entity) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Filter:
		return evalFilter(pred, e)
	case And:
		for _, c := range pred.Predicates {
			if !evalPredicate(c, e) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range pred.Predicates {
			if evalPredicate(c, e) {
				return true
			}
		}
		return false
	case Not:
		return !evalPredicate(pred.Predicate, e)
	default:
		return false
	}
}

func evalFilter(f Filter, e model.Entity) bool {
	v, present := e[f.Field]
	if !present {
		return f.Op == OpNe
	}

	switch f.Op {
	case OpEq:
		return valuesEqual(v, f.Value)
	case OpNe:
		return !valuesEqual(v, f.Value)
	case OpLt, OpLte, OpGt, OpGte:
		return evalOrdered(f.Op, v, f.Value)
	case OpIn:
		list, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if valuesEqual(v, candidate) {
				return true
			}
		}
		return false
	case OpContains:
		s, ok1 := v.(string)
		sub, ok2 := f.Value.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	default:
		return false
	}
}

// valuesEqual compares attribute values with numeric coercion: 5, int64(5),
// and float64(5) are the same value regardless of which decoder produced them.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

func evalOrdered(op FilterOp, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpLt:
			return af < bf
		case OpLte:
			return af <= bf
		case OpGt:
			return af > bf
		case OpGte:
			return af >= bf
		}
		return false
	}

	as, aok2 := a.(string)
	bs, bok2 := b.(string)
	if !aok2 || !bok2 {
		return false
	}
	switch op {
	case OpLt:
		return as < bs
	case OpLte:
		return as <= bs
	case OpGt:
		return as > bs
	case OpGte:
		return as >= bs
	}
	return false
}

// toFloat widens any numeric attribute value to float64 for comparison.
func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
