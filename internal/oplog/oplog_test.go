package oplog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
)

var todos = model.Descriptor{Name: "todo", ConfigKey: "default", PKField: "id"}

func mkOp(t *testing.T, id string, typ op.Type, now func() time.Time) *op.Operation {
	t.Helper()
	o, err := op.New(op.Data{
		ID:        id,
		Type:      typ,
		Model:     todos,
		Instances: []model.Entity{{"id": id}},
		Now:       now,
	})
	require.NoError(t, err)
	return o
}

func TestAdd_PreservesInsertionOrder(t *testing.T) {
	l := New(nil)
	for i := 0; i < 5; i++ {
		l.Add(mkOp(t, fmt.Sprintf("op-%d", i), op.TypeCreate, nil))
	}

	snap := l.Snapshot()
	require.Len(t, snap, 5)
	for i, o := range snap {
		assert.Equal(t, fmt.Sprintf("op-%d", i), o.ID())
	}
}

func TestAdd_DuplicateReplacesInPlace(t *testing.T) {
	l := New(nil)
	l.Add(mkOp(t, "a", op.TypeCreate, nil))
	l.Add(mkOp(t, "b", op.TypeCreate, nil))

	replacement := mkOp(t, "a", op.TypeDelete, nil)
	l.Add(replacement)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID())
	assert.Equal(t, op.TypeDelete, snap[0].Type())
}

func TestUpdate_UnknownID(t *testing.T) {
	l := New(nil)
	assert.False(t, l.Update(mkOp(t, "ghost", op.TypeCreate, nil)))
}

func TestGet_SharesTheOperationPointer(t *testing.T) {
	l := New(nil)
	l.Add(mkOp(t, "a", op.TypeCreate, nil))

	o, found := l.Get("a")
	require.True(t, found)
	require.True(t, o.UpdateStatus(op.StatusConfirmed, model.Entity{"id": "server-1"}))

	// The transition happened on the shared pointer, so a fresh lookup
	// observes it.
	again, _ := l.Get("a")
	assert.Equal(t, op.StatusConfirmed, again.Status())
	assert.Equal(t, "server-1", again.Instances()[0]["id"])
}

func TestGet_UnknownID(t *testing.T) {
	l := New(nil)
	_, found := l.Get("ghost")
	assert.False(t, found)
}

func TestTrim_RemovesOldTerminalOnly(t *testing.T) {
	current := time.Unix(1000, 0)
	clock := func() time.Time { return current }

	l := New(nil)
	l.Add(mkOp(t, "old-confirmed", op.TypeCreate, clock))
	l.Add(mkOp(t, "old-inflight", op.TypeCreate, clock))
	l.Add(mkOp(t, "fresh-rejected", op.TypeUpdate, clock))

	confirmed, _ := l.Get("old-confirmed")
	confirmed.UpdateStatus(op.StatusConfirmed)

	// Advance past max age, then reject one more operation at the new time.
	current = current.Add(time.Minute)
	rejected, _ := l.Get("fresh-rejected")
	rejected.UpdateStatus(op.StatusRejected)

	removed := l.Trim(30*time.Second, current)

	assert.Equal(t, []string{"old-confirmed"}, removed)
	assert.Equal(t, 2, l.Len())

	_, stillThere := l.Get("old-inflight")
	assert.True(t, stillThere, "inflight operations are never trimmed")
	_, fresh := l.Get("fresh-rejected")
	assert.True(t, fresh, "terminal but fresh operations are kept")
}

func TestTrim_ReindexesSurvivors(t *testing.T) {
	current := time.Unix(1000, 0)
	clock := func() time.Time { return current }

	l := New(nil)
	l.Add(mkOp(t, "a", op.TypeCreate, clock))
	l.Add(mkOp(t, "b", op.TypeCreate, clock))
	a, _ := l.Get("a")
	a.UpdateStatus(op.StatusConfirmed)

	current = current.Add(time.Hour)
	l.Trim(time.Minute, current)

	// Survivor must still be addressable after reindexing.
	o, found := l.Get("b")
	require.True(t, found)
	require.True(t, o.UpdateStatus(op.StatusConfirmed))
	assert.Equal(t, op.StatusConfirmed, o.Status())
}

func TestReplace(t *testing.T) {
	l := New(nil)
	l.Add(mkOp(t, "a", op.TypeCreate, nil))

	l.Replace([]*op.Operation{
		mkOp(t, "x", op.TypeCreate, nil),
		mkOp(t, "y", op.TypeDelete, nil),
	})

	assert.Equal(t, 2, l.Len())
	_, hadOld := l.Get("a")
	assert.False(t, hadOld)
	snap := l.Snapshot()
	assert.Equal(t, "x", snap[0].ID())
	assert.Equal(t, "y", snap[1].ID())
}
