// Package metric maintains one server-computed aggregate (count, sum, min,
// max, avg) with optimistic adjustment from in-flight operations.
//
// The effective value folds non-rejected operations over the ground-truth
// value using a per-kind strategy. Strategies that cannot adjust optimistically
// (avg always, min/max on delete, every update) mark the store as needing a
// resync instead; rejection rolls an adjustment back by excluding the
// operation from the next fold.
package metric

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the aggregate an individual store maintains.
type Kind string

const (
	KindCount Kind = "count"
	KindSum   Kind = "sum"
	KindMin   Kind = "min"
	KindMax   Kind = "max"
	KindAvg   Kind = "avg"
)

// Valid reports whether k is a known aggregate kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCount, KindSum, KindMin, KindMax, KindAvg:
		return true
	}
	return false
}

// Metric names one aggregate over a queried collection. Field is the entity
// attribute aggregated over; empty for count.
type Metric struct {
	Kind  Kind   `json:"kind"`
	Field string `json:"field,omitempty"`
}

// Validate checks the kind/field combination.
func (m Metric) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown metric kind %q", m.Kind)
	}
	if m.Kind == KindCount {
		if m.Field != "" {
			return fmt.Errorf("count takes no field, got %q", m.Field)
		}
		return nil
	}
	if m.Field == "" {
		return fmt.Errorf("metric kind %q requires a field", m.Kind)
	}
	return nil
}

// String renders the metric for fingerprints and log lines.
func (m Metric) String() string {
	if m.Field == "" {
		return string(m.Kind)
	}
	return string(m.Kind) + "(" + m.Field + ")"
}

// numeric coerces an entity attribute to float64. Non-numeric values report
// false: they contribute zero to sums and are ignored for min/max.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
