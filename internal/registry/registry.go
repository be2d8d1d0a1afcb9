// Package registry is the process-wide directory of stores: one entity store
// per model, one query-set store per query fingerprint, one metric store per
// aggregate. A Core bundles the three registries with the operation directory
// and event bus as a single injectable handle, so unrelated call sites
// converge on the same store for the same fingerprint without ambient
// singletons.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/cache"
	"github.com/meridianhq/liveset/internal/entitystore"
	"github.com/meridianhq/liveset/internal/fingerprint"
	"github.com/meridianhq/liveset/internal/metric"
	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/query"
	"github.com/meridianhq/liveset/internal/queryset"
)

// Options configures a Core.
type Options struct {
	// Cache, when non-nil, enables durable snapshots for entity and
	// query-set stores.
	Cache cache.Backend

	// EntityMaxOpAge, QuerySetMaxOpAge and MetricMaxOpAge override the
	// per-store defaults when non-zero.
	EntityMaxOpAge   time.Duration
	QuerySetMaxOpAge time.Duration
	MetricMaxOpAge   time.Duration

	// DefaultSliceLimit overrides the query-set default slice limit.
	DefaultSliceLimit int

	// InitialSync controls whether a freshly constructed store triggers a
	// background sync. Defaults to true; tests turn it off.
	InitialSync *bool

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger

	// Now overrides the wall clock for tests.
	Now func() time.Time
}

// Core bundles the event bus, the operation directory, and the three store
// registries.
type Core struct {
	bus    *op.Bus
	ops    *op.Registry
	cache  cache.Backend
	logger *zap.Logger
	now    func() time.Time

	entityMaxOpAge   time.Duration
	querySetMaxOpAge time.Duration
	metricMaxOpAge   time.Duration
	defaultLimit     int
	initialSync      bool

	mu        sync.Mutex
	entities  map[string]*entitystore.Store
	querySets map[string]*queryset.Store
	metrics   map[string]*metric.Store

	router *Router
}

// New constructs a Core with empty registries.
func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	initialSync := true
	if opts.InitialSync != nil {
		initialSync = *opts.InitialSync
	}

	bus := op.NewBus()
	c := &Core{
		bus:              bus,
		ops:              op.NewRegistry(bus, logger),
		cache:            opts.Cache,
		logger:           logger.Named("registry"),
		now:              now,
		entityMaxOpAge:   opts.EntityMaxOpAge,
		querySetMaxOpAge: opts.QuerySetMaxOpAge,
		metricMaxOpAge:   opts.MetricMaxOpAge,
		defaultLimit:     opts.DefaultSliceLimit,
		initialSync:      initialSync,
		entities:         make(map[string]*entitystore.Store),
		querySets:        make(map[string]*queryset.Store),
		metrics:          make(map[string]*metric.Store),
	}
	c.router = newRouter(c)
	return c
}

// Bus returns the operation event bus.
func (c *Core) Bus() *op.Bus { return c.bus }

// Operations returns the process-wide operation directory.
func (c *Core) Operations() *op.Registry { return c.ops }

// Router returns the event router.
func (c *Core) Router() *Router { return c.router }

// Register adds an operation to the directory, which publishes the created
// event the router dispatches on.
func (c *Core) Register(o *op.Operation) {
	c.ops.Register(o)
}

// EntityStore returns the store for (configKey, model), constructing it with
// the given fetcher and triggering an initial sync on first use.
func (c *Core) EntityStore(md model.Descriptor, fetch entitystore.Fetcher) *entitystore.Store {
	key := entityKey(md)

	c.mu.Lock()
	if s, ok := c.entities[key]; ok {
		c.mu.Unlock()
		return s
	}
	s := entitystore.New(entitystore.Options{
		Model:       md,
		Fingerprint: key,
		Fetch:       fetch,
		Cache:       c.cache,
		MaxOpAge:    c.entityMaxOpAge,
		OnTrim:      c.dropOperations,
		Logger:      c.logger,
		Now:         c.now,
	})
	c.entities[key] = s
	c.mu.Unlock()

	c.syncNew(key, s.Sync)
	return s
}

// QuerySetStore returns the store for (configKey, model, query membership
// hash), constructing it on first use. The error is a fingerprint failure on
// an unhashable query value.
func (c *Core) QuerySetStore(md model.Descriptor, q query.Descriptor, fetch queryset.Fetcher) (*queryset.Store, error) {
	key, err := querySetKey(md, q)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if s, ok := c.querySets[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	s := queryset.New(queryset.Options{
		Model:        md,
		Query:        q,
		Fingerprint:  key,
		Fetch:        fetch,
		Cache:        c.cache,
		MaxOpAge:     c.querySetMaxOpAge,
		DefaultLimit: c.defaultLimit,
		OnTrim:       c.dropOperations,
		Logger:       c.logger,
		Now:          c.now,
	})
	c.querySets[key] = s
	c.mu.Unlock()

	c.syncNew(key, s.Sync)
	return s, nil
}

// MetricStore returns the store for (configKey, model, query membership hash,
// metric, field), constructing it on first use.
func (c *Core) MetricStore(md model.Descriptor, q query.Descriptor, m metric.Metric, fetch metric.Fetcher) (*metric.Store, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	key, err := metricKey(md, q, m)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if s, ok := c.metrics[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	var s *metric.Store
	s = metric.New(metric.Options{
		Model:       md,
		Query:       q,
		Metric:      m,
		Fingerprint: key,
		Fetch:       fetch,
		MaxOpAge:    c.metricMaxOpAge,
		OnTrim:      c.dropOperations,
		OnResyncNeeded: func() {
			go func() {
				if err := s.Sync(context.Background()); err != nil {
					c.logger.Warn("scheduled metric resync failed",
						zap.String("fingerprint", key), zap.Error(err))
				}
			}()
		},
		Logger: c.logger,
		Now:    c.now,
	})
	c.metrics[key] = s
	c.mu.Unlock()

	c.syncNew(key, s.Sync)
	return s, nil
}

// entityStoreFor looks up the entity store for an operation's model without
// constructing one.
func (c *Core) entityStoreFor(md model.Descriptor) (*entitystore.Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entities[entityKey(md)]
	return s, ok
}

// querySetFor looks up a query-set store by its fingerprint.
func (c *Core) querySetFor(ref string) (*queryset.Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.querySets[ref]
	return s, ok
}

// QuerySetsForModel returns every query-set store tracking the given model.
// Used by the router for broadcast routing of update/delete.
func (c *Core) QuerySetsForModel(md model.Descriptor) []*queryset.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*queryset.Store
	for _, s := range c.querySets {
		if sameModel(s.Model(), md) {
			out = append(out, s)
		}
	}
	return out
}

// MetricsForModel returns every metric store over the given model.
func (c *Core) MetricsForModel(md model.Descriptor) []*metric.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*metric.Store
	for _, s := range c.metrics {
		if sameModel(s.Model(), md) {
			out = append(out, s)
		}
	}
	return out
}

// Clear drops every store and empties the operation directory, publishing
// the clear-all event. Used on logout or reset.
func (c *Core) Clear() {
	c.mu.Lock()
	c.entities = make(map[string]*entitystore.Store)
	c.querySets = make(map[string]*queryset.Store)
	c.metrics = make(map[string]*metric.Store)
	c.mu.Unlock()

	c.ops.Clear()
}

// dropOperations removes trimmed operations from the directory.
func (c *Core) dropOperations(ids []string) {
	for _, id := range ids {
		c.ops.Remove(id)
	}
}

// syncNew triggers the initial background sync for a freshly constructed
// store.
func (c *Core) syncNew(key string, sync func(context.Context) error) {
	if !c.initialSync {
		return
	}
	go func() {
		if err := sync(context.Background()); err != nil {
			c.logger.Warn("initial sync failed", zap.String("fingerprint", key), zap.Error(err))
		}
	}()
}

func sameModel(a, b model.Descriptor) bool {
	return a.ConfigKey == b.ConfigKey && a.Name == b.Name
}

func entityKey(md model.Descriptor) string {
	return fingerprint.MustHash(fingerprint.DomainEntity, map[string]any{
		"config_key": md.ConfigKey,
		"model":      md.Name,
	})
}

func querySetKey(md model.Descriptor, q query.Descriptor) (string, error) {
	qh, err := q.Fingerprint()
	if err != nil {
		return "", err
	}
	return fingerprint.MustHash(fingerprint.DomainQuery, map[string]any{
		"config_key": md.ConfigKey,
		"model":      md.Name,
		"query":      qh,
	}), nil
}

func metricKey(md model.Descriptor, q query.Descriptor, m metric.Metric) (string, error) {
	qh, err := q.Fingerprint()
	if err != nil {
		return "", err
	}
	parts := map[string]any{
		"config_key": md.ConfigKey,
		"model":      md.Name,
		"query":      qh,
		"metric":     string(m.Kind),
	}
	if m.Field != "" {
		parts["field"] = m.Field
	}
	return fingerprint.MustHash(fingerprint.DomainMetric, parts), nil
}
