package op

import "sync"

// EventKind names one of the six lifecycle event kinds the bus carries.
type EventKind string

const (
	EventCreated   EventKind = "operation:created"
	EventUpdated   EventKind = "operation:updated"
	EventMutated   EventKind = "operation:mutated"
	EventConfirmed EventKind = "operation:confirmed"
	EventRejected  EventKind = "operation:rejected"
	EventClearAll  EventKind = "clear:all"
)

// Event is one lifecycle notification. Op is nil for clear:all.
type Event struct {
	Kind EventKind
	Op   *Operation
}

// Handler receives events synchronously in emission order.
type Handler func(Event)

// Bus is the in-process publish/subscribe channel for operation lifecycle
// events.
//
// Delivery is synchronous and FIFO. A handler may publish further events
// (store fanout regularly does); those are queued and dispatched after the
// current event finishes, never nested, so every handler observes the global
// emission order.
type Bus struct {
	mu          sync.Mutex
	subs        []*subscription
	nextSubID   int
	pending     []Event
	dispatching bool
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every event kind and returns its
// unsubscribe function. Handlers are invoked in subscription order.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{id: b.nextSubID, handler: h}
	b.nextSubID++
	b.subs = append(b.subs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish enqueues the event and drains the queue unless a drain is already
// running higher up the call stack.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	b.pending = append(b.pending, e)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.mu.Unlock()

	b.drain()
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		e := b.pending[0]
		b.pending[0] = Event{} // allow GC of the operation pointer
		b.pending = b.pending[1:]
		subs := make([]*subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, sub := range subs {
			sub.handler(e)
		}
	}
}
