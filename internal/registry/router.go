package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/queryset"
)

// Router fans operation lifecycle events out to the stores they affect.
//
// Routing rule: a create (and its kin get_or_create / update_or_create)
// reflects the user's intent to add to one specific page, so it reaches only
// the query set named by the operation's QuerySetRef. An update or delete may
// change which sets an entity belongs to server-side, so it broadcasts to
// every query-set store of the model. The entity store of the model and
// every metric store over the model receive all of them.
type Router struct {
	core   *Core
	logger *zap.Logger

	mu     sync.Mutex
	detach func()
}

func newRouter(c *Core) *Router {
	return &Router{core: c, logger: c.logger.Named("router")}
}

// Attach subscribes the router to the event bus. Idempotent.
func (r *Router) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detach != nil {
		return
	}
	r.detach = r.core.bus.Subscribe(r.handle)
}

// Detach unsubscribes the router. Idempotent.
func (r *Router) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detach == nil {
		return
	}
	r.detach()
	r.detach = nil
}

// RoutePush synthesizes an operation from a server push event and registers
// it, sending it down the same routing path as local mutations. Push
// operations arrive already applied server-side, so they default to
// confirmed.
func (r *Router) RoutePush(data op.Data) (*op.Operation, error) {
	if data.ID == "" {
		data.ID = op.NewID()
	}
	if data.Status == "" {
		data.Status = op.StatusConfirmed
	}
	o, err := op.New(data)
	if err != nil {
		return nil, err
	}
	r.core.Register(o)
	return o, nil
}

func (r *Router) handle(ev op.Event) {
	if ev.Kind == op.EventClearAll || ev.Op == nil {
		return
	}
	o := ev.Op

	entity, hasEntity := r.core.entityStoreFor(o.Model())
	querySets := r.querySetTargets(o)
	metrics := r.core.MetricsForModel(o.Model())

	switch ev.Kind {
	case op.EventCreated:
		if hasEntity {
			entity.AddOperation(o)
		}
		for _, qs := range querySets {
			qs.AddOperation(o)
		}
		for _, ms := range metrics {
			ms.AddOperation(o)
		}

	case op.EventUpdated, op.EventMutated:
		if hasEntity {
			entity.UpdateOperation(o)
		}
		for _, qs := range querySets {
			qs.UpdateOperation(o)
		}

	case op.EventConfirmed:
		instances := o.Instances()
		if hasEntity {
			entity.Confirm(o.ID(), instances...)
		}
		for _, qs := range querySets {
			qs.Confirm(o.ID(), instances...)
		}
		for _, ms := range metrics {
			ms.Confirm(o.ID(), instances...)
		}

	case op.EventRejected:
		if hasEntity {
			entity.Reject(o.ID())
		}
		for _, qs := range querySets {
			qs.Reject(o.ID())
		}
		for _, ms := range metrics {
			ms.Reject(o.ID())
		}
	}
}

// querySetTargets resolves the query-set stores an operation routes to.
func (r *Router) querySetTargets(o *op.Operation) []*queryset.Store {
	switch o.Type() {
	case op.TypeCreate, op.TypeGetOrCreate, op.TypeUpdateOrCreate:
		ref := o.QuerySetRef()
		if ref == "" {
			// Push-synthesized creates carry no originating set; the
			// membership change reaches every set on the next sync, and
			// optimistically via broadcast here.
			return r.core.QuerySetsForModel(o.Model())
		}
		qs, ok := r.core.querySetFor(ref)
		if !ok {
			r.logger.Warn("create references unknown query set",
				zap.String("operation_id", o.ID()),
				zap.String("query_set_ref", ref))
			return nil
		}
		return []*queryset.Store{qs}

	case op.TypeUpdate, op.TypeDelete:
		return r.core.QuerySetsForModel(o.Model())
	}
	return nil
}
