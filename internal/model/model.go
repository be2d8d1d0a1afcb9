// Package model defines model descriptors and the entity attribute bag.
//
// Entities are deliberately untyped at this layer: the sync engine never
// interprets attributes other than the primary key. Typed schemas belong to
// the caller.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Descriptor identifies one remote collection type.
//
// Descriptors are supplied by the caller and treated as immutable. Two
// descriptors refer to the same collection iff (ConfigKey, Name) are equal.
type Descriptor struct {
	// Name is the stable model name (e.g. "todo").
	Name string

	// ConfigKey identifies the backend the wire client routes to.
	ConfigKey string

	// PKField is the primary-key attribute name (e.g. "id").
	PKField string
}

// Entity is an unordered bag of named attributes.
//
// An entity held in ground truth is full; entities carried by operations may
// be partial, but must always contain the primary-key attribute.
type Entity map[string]any

// PK extracts the entity's primary key under this descriptor, normalized to
// its canonical string form. Returns false if the attribute is absent or nil.
func (d Descriptor) PK(e Entity) (string, bool) {
	v, ok := e[d.PKField]
	if !ok || v == nil {
		return "", false
	}
	return NormalizePK(v), true
}

// NormalizePK converts a primary-key value to a canonical string.
//
// Servers and JSON decoders disagree about numeric key types (int vs int64 vs
// float64 vs json.Number); normalizing here keeps map lookups stable across
// ground truth, operations, and cache snapshots.
func NormalizePK(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return NormalizePK(float64(val))
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Clone returns a shallow copy of the entity.
// Attribute values are shared; the store only ever replaces whole attributes.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of base with patch's attributes written over it.
// Attributes present in patch always win, including explicit nils.
func Overlay(base, patch Entity) Entity {
	out := make(Entity, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// TempPK generates a client-issued temporary primary key for optimistic
// creates. UUIDv7 keeps temporary keys time-sortable, which helps when
// debugging operation logs. The "tmp-" prefix makes leaked temporary keys
// obvious in server logs.
func TempPK() string {
	return "tmp-" + uuid.Must(uuid.NewV7()).String()
}

// BrokenEntityError reports an entity that lacks its primary-key attribute.
//
// Broken entities are skipped with a warning wherever they appear in a batch;
// they never abort ingestion or rendering.
type BrokenEntityError struct {
	Model   string
	PKField string
}

// Error implements the error interface.
func (e *BrokenEntityError) Error() string {
	return fmt.Sprintf("entity for model %q lacks primary key attribute %q", e.Model, e.PKField)
}
