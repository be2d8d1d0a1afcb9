package op

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/meridianhq/liveset/internal/model"
)

// Type enumerates the mutation kinds an operation can carry.
type Type string

const (
	TypeCreate         Type = "create"
	TypeUpdate         Type = "update"
	TypeDelete         Type = "delete"
	TypeGetOrCreate    Type = "get_or_create"
	TypeUpdateOrCreate Type = "update_or_create"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusInflight  Status = "inflight"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether a status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// Data carries the construction parameters for an operation.
type Data struct {
	// ID is optional; when empty a new time-sortable ID is generated.
	// Operations synthesized from push events carry server-assigned IDs.
	ID string

	// Type is the mutation kind. Required.
	Type Type

	// Status defaults to inflight. Push events synthesize operations
	// directly in confirmed state.
	Status Status

	// Instances is the non-empty ordered sequence of (possibly partial)
	// entities this operation touches. Every instance must carry the
	// model's primary-key attribute.
	Instances []model.Entity

	// Model routes the operation to the right stores.
	Model model.Descriptor

	// QuerySetRef is the fingerprint of the originating query set.
	// Required for create routing; empty for push-synthesized operations.
	QuerySetRef string

	// Args holds ancillary lookup fields for the _or_create variants.
	Args model.Entity

	// Bus is where lifecycle events publish. May be nil at construction;
	// Registry.Register attaches its bus in that case.
	Bus *Bus

	// Timestamp restores the last-status-change time when rebuilding an
	// operation from a durable snapshot. Zero means "now".
	Timestamp time.Time

	// Now overrides the timestamp source. Tests inject a deterministic
	// clock; production code leaves it nil for time.Now.
	Now func() time.Time
}

// Operation is an immutable-identity record of an intended mutation.
//
// Identity (ID, Type, Model) never changes after construction; status and
// instances are replaced via explicit mutator calls, each of which bumps the
// timestamp and publishes a lifecycle event.
//
// Operations are shared by pointer between the registry and every store log
// that holds them, so all state is guarded by an internal mutex.
type Operation struct {
	id    string
	typ   Type
	md    model.Descriptor
	qsRef string

	mu        sync.Mutex
	status    Status
	instances []model.Entity
	args      model.Entity
	timestamp time.Time

	bus *Bus
	now func() time.Time
}

// InvalidOperationError reports a malformed operation at construction.
// Not retryable: the caller built a structurally broken mutation.
type InvalidOperationError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Reason)
}

// New constructs an operation, validating the schema invariants: a type must
// be present, instances must be non-empty, and every instance must carry the
// model's primary-key attribute.
func New(data Data) (*Operation, error) {
	if data.Type == "" {
		return nil, &InvalidOperationError{Reason: "missing type"}
	}
	switch data.Type {
	case TypeCreate, TypeUpdate, TypeDelete, TypeGetOrCreate, TypeUpdateOrCreate:
	default:
		return nil, &InvalidOperationError{Reason: fmt.Sprintf("unknown type %q", data.Type)}
	}
	if len(data.Instances) == 0 {
		return nil, &InvalidOperationError{Reason: "instances is empty"}
	}
	for i, inst := range data.Instances {
		if _, ok := data.Model.PK(inst); !ok {
			return nil, &InvalidOperationError{
				Reason: fmt.Sprintf("instance %d lacks primary key attribute %q", i, data.Model.PKField),
			}
		}
	}

	now := data.Now
	if now == nil {
		now = time.Now
	}
	status := data.Status
	if status == "" {
		status = StatusInflight
	}
	switch status {
	case StatusInflight, StatusConfirmed, StatusRejected:
	default:
		return nil, &InvalidOperationError{Reason: fmt.Sprintf("unknown status %q", status)}
	}

	id := data.ID
	if id == "" {
		id = NewID()
	}

	instances := make([]model.Entity, len(data.Instances))
	for i, inst := range data.Instances {
		instances[i] = inst.Clone()
	}

	timestamp := data.Timestamp
	if timestamp.IsZero() {
		timestamp = now()
	}

	return &Operation{
		id:        id,
		typ:       data.Type,
		md:        data.Model,
		qsRef:     data.QuerySetRef,
		status:    status,
		instances: instances,
		args:      data.Args.Clone(),
		timestamp: timestamp,
		bus:       data.Bus,
		now:       now,
	}, nil
}

// ID returns the operation's globally unique, time-sortable identifier.
func (o *Operation) ID() string { return o.id }

// Type returns the mutation kind.
func (o *Operation) Type() Type { return o.typ }

// Model returns the descriptor of the model this operation targets.
func (o *Operation) Model() model.Descriptor { return o.md }

// QuerySetRef returns the originating query-set fingerprint, or "".
func (o *Operation) QuerySetRef() string { return o.qsRef }

// Status returns the current lifecycle status.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Timestamp returns the last-status-change wall time.
func (o *Operation) Timestamp() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timestamp
}

// Instances returns a copy of the operation's instance list.
func (o *Operation) Instances() []model.Entity {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Entity, len(o.instances))
	for i, inst := range o.instances {
		out[i] = inst.Clone()
	}
	return out
}

// Args returns a copy of the ancillary lookup fields, or nil.
func (o *Operation) Args() model.Entity {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.args == nil {
		return nil
	}
	return o.args.Clone()
}

// UpdateStatus sets the status, replaces instances when provided, bumps the
// timestamp, and emits exactly one of confirmed/rejected/updated.
//
// Terminal status is monotonic. A repeat of the current terminal status with
// equal instances is an idempotent no-op; any other transition out of a
// terminal state is a late event - it is ignored and the method returns
// false so the caller can log it.
func (o *Operation) UpdateStatus(status Status, instances ...model.Entity) bool {
	o.mu.Lock()
	if o.status.Terminal() {
		if status == o.status && (len(instances) == 0 || instancesEqual(o.instances, instances)) {
			o.mu.Unlock()
			return true
		}
		o.mu.Unlock()
		return false
	}

	o.status = status
	if len(instances) > 0 {
		replaced := make([]model.Entity, len(instances))
		for i, inst := range instances {
			replaced[i] = inst.Clone()
		}
		o.instances = replaced
	}
	o.timestamp = o.now()
	bus := o.bus
	o.mu.Unlock()

	if bus != nil {
		bus.Publish(Event{Kind: statusEventKind(status), Op: o})
	}
	return true
}

// Patch carries the mutable fields Mutate may replace.
// Nil fields are left untouched.
type Patch struct {
	Instances []model.Entity
	Args      model.Entity
}

// Mutate merges the patch into the operation, bumps the timestamp, and emits
// a mutated event. Identity and status are not touched.
func (o *Operation) Mutate(patch Patch) {
	o.mu.Lock()
	if patch.Instances != nil {
		replaced := make([]model.Entity, len(patch.Instances))
		for i, inst := range patch.Instances {
			replaced[i] = inst.Clone()
		}
		o.instances = replaced
	}
	if patch.Args != nil {
		o.args = model.Overlay(o.args, patch.Args)
	}
	o.timestamp = o.now()
	bus := o.bus
	o.mu.Unlock()

	if bus != nil {
		bus.Publish(Event{Kind: EventMutated, Op: o})
	}
}

// attachBus sets the bus lifecycle events publish on, if not already set.
func (o *Operation) attachBus(bus *Bus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bus == nil {
		o.bus = bus
	}
}

func statusEventKind(status Status) EventKind {
	switch status {
	case StatusConfirmed:
		return EventConfirmed
	case StatusRejected:
		return EventRejected
	default:
		return EventUpdated
	}
}

func instancesEqual(a, b []model.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
