// Package oplog provides the insertion-ordered operation log shared by the
// entity and query-set stores.
//
// The log owns ordering and lookup; lifecycle transitions happen on the
// shared operation itself, outside the owning store's lock, because they
// publish on the bus. Terminal operations are
// kept until a trimming pass removes those older than the store's maximum
// operation age, so that late server events can still find them.
package oplog

import (
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/op"
)

// Log is an insertion-ordered list of operations, unique by operation ID.
//
// Log is not safe for concurrent use; the owning store serializes access
// under its own lock.
type Log struct {
	ops    []*op.Operation
	index  map[string]int
	logger *zap.Logger
}

// New creates an empty log. A nil logger defaults to zap.NewNop.
func New(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		index:  make(map[string]int),
		logger: logger,
	}
}

// Add appends the operation. Re-adding an existing ID replaces the entry in
// place with a warning, preserving its original position in the fold order.
func (l *Log) Add(o *op.Operation) {
	if i, exists := l.index[o.ID()]; exists {
		l.logger.Warn("operation re-added to log, replacing in place",
			zap.String("operation_id", o.ID()))
		l.ops[i] = o
		return
	}
	l.index[o.ID()] = len(l.ops)
	l.ops = append(l.ops, o)
}

// Update replaces the logged operation with the same ID.
// Returns whether the ID was found.
func (l *Log) Update(o *op.Operation) bool {
	i, exists := l.index[o.ID()]
	if !exists {
		return false
	}
	l.ops[i] = o
	return true
}

// Get returns the logged operation with the given ID.
func (l *Log) Get(id string) (*op.Operation, bool) {
	i, exists := l.index[id]
	if !exists {
		return nil, false
	}
	return l.ops[i], true
}

// Snapshot returns the operations in insertion order.
// The returned slice is a copy; the operations are shared pointers.
func (l *Log) Snapshot() []*op.Operation {
	out := make([]*op.Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// Len returns the number of logged operations.
func (l *Log) Len() int {
	return len(l.ops)
}

// Replace swaps the full contents of the log. Used when loading a durable
// snapshot.
func (l *Log) Replace(ops []*op.Operation) {
	l.ops = make([]*op.Operation, 0, len(ops))
	l.index = make(map[string]int, len(ops))
	for _, o := range ops {
		l.Add(o)
	}
}

// Trim removes operations that are terminal and whose timestamp is older
// than maxAge relative to now. Inflight operations are never trimmed
// regardless of age. Returns the removed operation IDs.
func (l *Log) Trim(maxAge time.Duration, now time.Time) []string {
	var removed []string
	kept := l.ops[:0]
	for _, o := range l.ops {
		if o.Status().Terminal() && now.Sub(o.Timestamp()) > maxAge {
			removed = append(removed, o.ID())
			continue
		}
		kept = append(kept, o)
	}
	// Zero the tail so trimmed operations can be collected.
	for i := len(kept); i < len(l.ops); i++ {
		l.ops[i] = nil
	}
	l.ops = kept

	if len(removed) > 0 {
		l.index = make(map[string]int, len(l.ops))
		for i, o := range l.ops {
			l.index[o.ID()] = i
		}
	}
	return removed
}
