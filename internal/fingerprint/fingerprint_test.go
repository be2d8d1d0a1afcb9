package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := Canonical(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonical_NestedStructure(t *testing.T) {
	got, err := Canonical(map[string]any{
		"filter": map[string]any{"done": false, "owner": "me"},
		"order":  []any{"-created", "id"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"filter":{"done":false,"owner":"me"},"order":["-created","id"]}`, string(got))
}

func TestCanonical_NumericForms(t *testing.T) {
	// Integral floats collapse to integer form so that a query built with
	// int(5) and one decoded from JSON as float64(5) fingerprint identically.
	a, err := Canonical(map[string]any{"limit": 5})
	require.NoError(t, err)
	b, err := Canonical(map[string]any{"limit": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonical_NullAllowed(t *testing.T) {
	got, err := Canonical(map[string]any{"parent": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"parent":null}`, string(got))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := Canonical("a<b&c>d")
	require.NoError(t, err)
	assert.Equal(t, `"a<b&c>d"`, string(got))
}

func TestCanonical_NFCNormalization(t *testing.T) {
	// "é" as a single code point vs "e" + combining accent must hash equal.
	composed := "café"
	decomposed := "café"

	a, err := Canonical(composed)
	require.NoError(t, err)
	b, err := Canonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonical_UnsupportedType(t *testing.T) {
	_, err := Canonical(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestHash_DomainSeparation(t *testing.T) {
	v := map[string]any{"model": "todo"}
	a, err := Hash(DomainQuery, v)
	require.NoError(t, err)
	b, err := Hash(DomainMetric, v)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHash_StableAcrossCalls(t *testing.T) {
	v := map[string]any{"filter": map[string]any{"done": true}}
	a := MustHash(DomainQuery, v)
	b := MustHash(DomainQuery, v)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex SHA-256
}
