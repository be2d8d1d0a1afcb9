package op

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/liveset/internal/model"
)

func TestBus_DeliversInEmissionOrder(t *testing.T) {
	bus := NewBus()
	var got []EventKind
	bus.Subscribe(func(e Event) { got = append(got, e.Kind) })

	bus.Publish(Event{Kind: EventCreated})
	bus.Publish(Event{Kind: EventConfirmed})
	bus.Publish(Event{Kind: EventClearAll})

	assert.Equal(t, []EventKind{EventCreated, EventConfirmed, EventClearAll}, got)
}

func TestBus_SubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(func(Event) { got = append(got, "first") })
	bus.Subscribe(func(Event) { got = append(got, "second") })

	bus.Publish(Event{Kind: EventCreated})

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.Subscribe(func(Event) { calls++ })

	bus.Publish(Event{Kind: EventCreated})
	unsub()
	bus.Publish(Event{Kind: EventCreated})

	assert.Equal(t, 1, calls)
}

func TestBus_ReentrantPublishIsQueuedNotNested(t *testing.T) {
	bus := NewBus()
	var got []EventKind
	bus.Subscribe(func(e Event) {
		got = append(got, e.Kind)
		if e.Kind == EventCreated {
			// A handler reacting to created by confirming must not see its
			// own event dispatched before the created dispatch finishes.
			bus.Publish(Event{Kind: EventConfirmed})
		}
	})
	bus.Subscribe(func(e Event) { got = append(got, e.Kind) })

	bus.Publish(Event{Kind: EventCreated})

	assert.Equal(t, []EventKind{EventCreated, EventCreated, EventConfirmed, EventConfirmed}, got)
}

func TestRegistry_RegisterEmitsCreated(t *testing.T) {
	bus := NewBus()
	var got []EventKind
	bus.Subscribe(func(e Event) { got = append(got, e.Kind) })

	r := NewRegistry(bus, nil)
	o := newTestOp(t, Data{})
	r.Register(o)

	assert.Equal(t, []EventKind{EventCreated}, got)

	stored, ok := r.Get(o.ID())
	require.True(t, ok)
	assert.Same(t, o, stored)
}

func TestRegistry_RegisterAttachesBus(t *testing.T) {
	bus := NewBus()
	var got []EventKind
	bus.Subscribe(func(e Event) { got = append(got, e.Kind) })

	r := NewRegistry(bus, nil)
	o := newTestOp(t, Data{}) // constructed without a bus
	r.Register(o)

	o.UpdateStatus(StatusConfirmed, model.Entity{"id": "9"})
	assert.Equal(t, []EventKind{EventCreated, EventConfirmed}, got)
}

func TestRegistry_DuplicateRegistrationReplaces(t *testing.T) {
	bus := NewBus()
	r := NewRegistry(bus, nil)

	first := newTestOp(t, Data{ID: "op-1"})
	second := newTestOp(t, Data{ID: "op-1", Type: TypeDelete})
	r.Register(first)
	r.Register(second)

	assert.Equal(t, 1, r.Len())
	stored, ok := r.Get("op-1")
	require.True(t, ok)
	assert.Same(t, second, stored)
}

func TestRegistry_ClearEmitsClearAll(t *testing.T) {
	bus := NewBus()
	var got []EventKind
	bus.Subscribe(func(e Event) { got = append(got, e.Kind) })

	r := NewRegistry(bus, nil)
	r.Register(newTestOp(t, Data{}))
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, EventClearAll, got[len(got)-1])
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(NewBus(), nil)
	o := newTestOp(t, Data{})
	r.Register(o)

	r.Remove(o.ID())
	_, ok := r.Get(o.ID())
	assert.False(t, ok)
}
