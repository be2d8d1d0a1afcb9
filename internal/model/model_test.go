package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var todos = Descriptor{Name: "todo", ConfigKey: "default", PKField: "id"}

func TestPK_String(t *testing.T) {
	pk, ok := todos.PK(Entity{"id": "abc", "title": "x"})
	require.True(t, ok)
	assert.Equal(t, "abc", pk)
}

func TestPK_Missing(t *testing.T) {
	_, ok := todos.PK(Entity{"title": "x"})
	assert.False(t, ok)
}

func TestPK_NilValue(t *testing.T) {
	_, ok := todos.PK(Entity{"id": nil})
	assert.False(t, ok)
}

func TestNormalizePK_NumericForms(t *testing.T) {
	// The same logical key arrives as different Go types depending on the
	// decoder. All forms must normalize identically.
	forms := []any{5, int32(5), int64(5), float64(5), json.Number("5")}
	for _, v := range forms {
		assert.Equal(t, "5", NormalizePK(v), "form %T", v)
	}
}

func TestNormalizePK_NonIntegralFloat(t *testing.T) {
	assert.Equal(t, "5.5", NormalizePK(5.5))
}

func TestOverlay_PatchWins(t *testing.T) {
	base := Entity{"id": 1, "title": "old", "done": false}
	merged := Overlay(base, Entity{"title": "new"})

	assert.Equal(t, "new", merged["title"])
	assert.Equal(t, false, merged["done"])
	// Base untouched.
	assert.Equal(t, "old", base["title"])
}

func TestOverlay_ExplicitNilWins(t *testing.T) {
	merged := Overlay(Entity{"id": 1, "note": "x"}, Entity{"note": nil})
	v, ok := merged["note"]
	require.True(t, ok)
	assert.Nil(t, v)
}

func TestTempPK_PrefixedAndUnique(t *testing.T) {
	a, b := TempPK(), TempPK()
	assert.True(t, strings.HasPrefix(a, "tmp-"))
	assert.NotEqual(t, a, b)
}

func TestBrokenEntityError_Message(t *testing.T) {
	err := &BrokenEntityError{Model: "todo", PKField: "id"}
	assert.Contains(t, err.Error(), "todo")
	assert.Contains(t, err.Error(), "id")
}
