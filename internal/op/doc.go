// Package op implements operations - records of intended mutations with a
// status lifecycle - together with the process-wide operation registry and
// the event bus their lifecycle events publish on.
//
// An operation is created inflight, routed into the stores that care about
// it, and eventually confirmed or rejected by the wire client (or synthesized
// already-confirmed from a server push event). Terminal status is monotonic:
// once confirmed or rejected an operation never becomes inflight again.
//
// Event flow:
//
//	caller → New → Registry.Register → bus "operation:created"
//	wire client → UpdateStatus → bus "operation:confirmed" / "operation:rejected"
//	Registry.Clear → bus "clear:all"
//
// Delivery is synchronous and FIFO: handlers observe events in emission
// order, and re-entrant publishes from inside a handler are queued rather
// than nested.
package op
