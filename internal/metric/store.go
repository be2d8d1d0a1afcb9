package metric

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/oplog"
	"github.com/meridianhq/liveset/internal/query"
	"github.com/meridianhq/liveset/internal/storeerr"
)

// DefaultMaxOpAge matches the query-set store: aggregates reconverge on
// every sync.
const DefaultMaxOpAge = 15 * time.Second

// Fetcher retrieves the authoritative aggregate value from the server.
type Fetcher func(ctx context.Context, q query.Descriptor, m Metric, md model.Descriptor) (float64, error)

// Options configures a store.
type Options struct {
	// Model describes the entity type the query ranges over. Required.
	Model model.Descriptor

	// Query scopes the aggregate. Only operation instances matching its
	// predicate adjust the value.
	Query query.Descriptor

	// Metric names the aggregate. Required.
	Metric Metric

	// Fingerprint keys this store in the registry. Required.
	Fingerprint string

	// Fetch is the injected wire-client callback used by Sync. Required.
	Fetch Fetcher

	// MaxOpAge overrides DefaultMaxOpAge.
	MaxOpAge time.Duration

	// OnTrim is invoked with the IDs of trimmed operations.
	OnTrim func(ids []string)

	// OnResyncNeeded fires once each time the store transitions into the
	// needs-resync state. The registry wires this to a scheduled Sync.
	OnResyncNeeded func()

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger

	// Now overrides the wall clock for tests.
	Now func() time.Time
}

// Store is the per-aggregate metric store.
//
// Unlike the entity and query-set stores it has no durable cache: an
// aggregate is one float and a sync is cheap.
type Store struct {
	md          model.Descriptor
	q           query.Descriptor
	metric      Metric
	fingerprint string
	fetch       Fetcher
	maxOpAge    time.Duration
	onTrim      func(ids []string)
	onResync    func()
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.Mutex
	groundTruth float64
	log         *oplog.Log
	version     int64
	needsResync bool

	fold        float64 // memoized effective value
	foldVersion int64
	foldValid   bool

	subs    map[int]func(version int64)
	nextSub int

	inflight *syncCall
}

type syncCall struct {
	done chan struct{}
	err  error
}

// New constructs a store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxOpAge := opts.MaxOpAge
	if maxOpAge == 0 {
		maxOpAge = DefaultMaxOpAge
	}

	return &Store{
		md:          opts.Model,
		q:           opts.Query,
		metric:      opts.Metric,
		fingerprint: opts.Fingerprint,
		fetch:       opts.Fetch,
		maxOpAge:    maxOpAge,
		onTrim:      opts.OnTrim,
		onResync:    opts.OnResyncNeeded,
		logger: logger.With(zap.String("store", "metric"),
			zap.String("model", opts.Model.Name),
			zap.String("metric", opts.Metric.String())),
		now:  now,
		log:  oplog.New(logger),
		subs: make(map[int]func(int64)),
	}
}

// Model returns the descriptor the aggregate ranges over.
func (s *Store) Model() model.Descriptor { return s.md }

// Metric returns the aggregate this store maintains.
func (s *Store) Metric() Metric { return s.metric }

// Query returns the scoping query descriptor.
func (s *Store) Query() query.Descriptor { return s.q }

// Fingerprint returns the store's registry key.
func (s *Store) Fingerprint() string { return s.fingerprint }

// Version returns the current mutation counter.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// NeedsResync reports whether a logged operation declined an optimistic
// adjustment, leaving the value stale until the next Sync.
func (s *Store) NeedsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsResync
}

// Subscribe registers a callback invoked with the new version after every
// mutation. Returns the unsubscribe function.
func (s *Store) Subscribe(fn func(version int64)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Value returns the effective aggregate: ground truth with every non-rejected
// operation's adjustment folded in. Memoized until the next mutation.
func (s *Store) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foldLocked()
}

// SetValue replaces the ground-truth value.
func (s *Store) SetValue(v float64) {
	s.mu.Lock()
	s.groundTruth = v
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
}

// AddOperation appends an operation to the log. When the operation declines
// an optimistic adjustment the store enters the needs-resync state.
func (s *Store) AddOperation(o *op.Operation) {
	s.mu.Lock()
	s.log.Add(o)
	resync := s.declines(o) && !s.needsResync
	if resync {
		s.needsResync = true
	}
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
	if resync && s.onResync != nil {
		s.onResync()
	}
}

// Confirm marks the logged operation confirmed. Returns whether the ID was
// found.
func (s *Store) Confirm(id string, instances ...model.Entity) bool {
	s.mu.Lock()
	o, found := s.log.Get(id)
	s.mu.Unlock()
	if !found {
		s.logger.Warn("confirm for unknown operation", zap.String("operation_id", id))
		return false
	}

	// UpdateStatus publishes on the bus, which drains on this goroutine;
	// the router may re-enter this store, so the transition must happen
	// outside s.mu.
	if !o.UpdateStatus(op.StatusConfirmed, instances...) {
		s.logger.Warn("late confirm for terminal operation ignored",
			zap.String("operation_id", id),
			zap.String("status", string(o.Status())))
	}

	s.mu.Lock()
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
	return true
}

// Reject marks the logged operation rejected, rolling its adjustment back
// from the next fold. Returns whether the ID was found.
func (s *Store) Reject(id string) bool {
	s.mu.Lock()
	o, found := s.log.Get(id)
	s.mu.Unlock()
	if !found {
		s.logger.Warn("reject for unknown operation", zap.String("operation_id", id))
		return false
	}

	// Transition outside s.mu; see Confirm.
	if !o.UpdateStatus(op.StatusRejected) {
		s.logger.Warn("late reject for terminal operation ignored",
			zap.String("operation_id", id),
			zap.String("status", string(o.Status())))
	}

	s.mu.Lock()
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
	return true
}

// Operations returns the operation log in insertion order.
func (s *Store) Operations() []*op.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Snapshot()
}

// Sync fetches the authoritative value, replaces ground truth, clears the
// needs-resync state, and trims terminal operations past the maximum age.
// Concurrent calls coalesce.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight != nil {
		call := s.inflight
		s.mu.Unlock()
		s.logger.Debug("sync already in progress, coalescing")
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &syncCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	value, err := s.fetch(ctx, s.q, s.metric, s.md)

	s.mu.Lock()
	var version int64
	var subs []func(int64)
	if err != nil {
		call.err = &storeerr.FetchFailedError{Fingerprint: s.fingerprint, Err: err}
	} else {
		s.groundTruth = value
		s.needsResync = false

		removed := s.log.Trim(s.maxOpAge, s.now())
		if len(removed) > 0 && s.onTrim != nil {
			defer s.onTrim(removed)
		}

		version = s.bumpLocked()
		subs = s.snapshotSubsLocked()
	}
	s.inflight = nil
	s.mu.Unlock()
	close(call.done)

	if call.err != nil {
		return call.err
	}
	notify(subs, version)
	return nil
}

// foldLocked returns the memoized effective value.
func (s *Store) foldLocked() float64 {
	if s.foldValid && s.foldVersion == s.version {
		return s.fold
	}

	value := s.groundTruth
	for _, o := range s.log.Snapshot() {
		if o.Status() == op.StatusRejected {
			continue
		}
		value = s.applyLocked(value, o)
	}

	s.fold = value
	s.foldVersion = s.version
	s.foldValid = true
	return value
}

// applyLocked folds one operation's adjustment into the running value,
// considering only instances that match the scoping predicate.
func (s *Store) applyLocked(value float64, o *op.Operation) float64 {
	for _, inst := range o.Instances() {
		if !s.q.Matches(inst) {
			continue
		}

		switch s.metric.Kind {
		case KindCount:
			switch o.Type() {
			case op.TypeCreate:
				value++
			case op.TypeDelete:
				value--
			}

		case KindSum:
			n, ok := numeric(inst[s.metric.Field])
			if !ok {
				continue
			}
			switch o.Type() {
			case op.TypeCreate:
				value += n
			case op.TypeDelete:
				value -= n
			}

		case KindMin:
			n, ok := numeric(inst[s.metric.Field])
			if !ok {
				continue
			}
			if o.Type() == op.TypeCreate && n < value {
				value = n
			}

		case KindMax:
			n, ok := numeric(inst[s.metric.Field])
			if !ok {
				continue
			}
			if o.Type() == op.TypeCreate && n > value {
				value = n
			}

		case KindAvg:
			// Never adjusted optimistically; Sync reconciles.
		}
	}
	return value
}

// declines reports whether the operation carries a matching instance whose
// adjustment the strategy cannot express, requiring a resync to reconcile.
//
// The _or_create variants decline for every kind: whether they created or
// merely touched an existing entity is only knowable server-side, so an
// optimistic adjustment could double-count.
func (s *Store) declines(o *op.Operation) bool {
	orCreate := o.Type() == op.TypeGetOrCreate || o.Type() == op.TypeUpdateOrCreate
	for _, inst := range o.Instances() {
		if !s.q.Matches(inst) {
			continue
		}
		switch s.metric.Kind {
		case KindAvg:
			return true
		case KindMin, KindMax:
			if o.Type() == op.TypeDelete || o.Type() == op.TypeUpdate || orCreate {
				return true
			}
		case KindCount, KindSum:
			if o.Type() == op.TypeUpdate || orCreate {
				return true
			}
		}
	}
	return false
}

// bumpLocked invalidates the memoized fold and returns the new version.
func (s *Store) bumpLocked() int64 {
	s.version++
	return s.version
}

func (s *Store) snapshotSubsLocked() []func(int64) {
	out := make([]func(int64), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// notify runs outside the store lock so subscribers may call back in.
func notify(subs []func(int64), version int64) {
	for _, fn := range subs {
		fn(version)
	}
}
