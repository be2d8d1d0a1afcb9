package cache

import (
	"fmt"

	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
)

// EncodeOperations converts logged operations to their durable records.
func EncodeOperations(ops []*op.Operation) []OperationRecord {
	records := make([]OperationRecord, len(ops))
	for i, o := range ops {
		records[i] = OperationRecord{
			ID:          o.ID(),
			Type:        string(o.Type()),
			Status:      string(o.Status()),
			Instances:   o.Instances(),
			QuerySetRef: o.QuerySetRef(),
			Args:        o.Args(),
			Timestamp:   o.Timestamp(),
		}
	}
	return records
}

// DecodeOperations rebuilds operations from durable records.
//
// Rebuilt operations carry their persisted status and timestamp, so an
// inflight operation saved before a restart is still inflight after the
// load. A record the operation constructor refuses is corruption, not user
// error - the caller wraps it in a CorruptError.
func DecodeOperations(md model.Descriptor, records []OperationRecord) ([]*op.Operation, error) {
	ops := make([]*op.Operation, len(records))
	for i, rec := range records {
		o, err := op.New(op.Data{
			ID:          rec.ID,
			Type:        op.Type(rec.Type),
			Status:      op.Status(rec.Status),
			Instances:   rec.Instances,
			Model:       md,
			QuerySetRef: rec.QuerySetRef,
			Args:        rec.Args,
			Timestamp:   rec.Timestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("operation record %d (%s): %w", i, rec.ID, err)
		}
		ops[i] = o
	}
	return ops, nil
}
