// Package entitystore holds the full current knowledge of entities of one
// model type: ground truth by primary key plus an insertion-ordered log of
// in-flight operations. The effective entity set is rendered by folding
// non-rejected operations over ground truth.
package entitystore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/cache"
	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/oplog"
)

// DefaultMaxOpAge is how long terminal operations linger in the log before a
// trimming pass removes them. Entity stores keep them longer than query-set
// stores because late push events for entities are more common.
const DefaultMaxOpAge = 2 * time.Minute

// Fetcher retrieves the authoritative entities for a set of primary keys.
// Missing entities are omitted from the result, which implies deletion.
type Fetcher func(ctx context.Context, pks []string, md model.Descriptor) ([]model.Entity, error)

// Options configures a store.
type Options struct {
	// Model describes the entity type this store holds. Required.
	Model model.Descriptor

	// Fingerprint keys this store in the registry and the durable cache.
	// Required.
	Fingerprint string

	// Fetch is the injected wire-client callback used by Sync. Required.
	Fetch Fetcher

	// Cache enables durable snapshots when non-nil.
	Cache cache.Backend

	// MaxOpAge overrides DefaultMaxOpAge.
	MaxOpAge time.Duration

	// OnTrim is invoked with the IDs of trimmed operations, letting the
	// owning registry drop them from the process-wide directory.
	OnTrim func(ids []string)

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger

	// Now overrides the wall clock for tests.
	Now func() time.Time
}

// Store is the per-model entity store.
//
// All state is guarded by one mutex; fetcher and cache calls happen outside
// it. Renders are memoized against a version counter that every mutation
// bumps; consumers subscribe to version changes instead of observing state
// directly.
type Store struct {
	md          model.Descriptor
	fingerprint string
	fetch       Fetcher
	cache       cache.Backend
	maxOpAge    time.Duration
	onTrim      func(ids []string)
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.Mutex
	order       []string // ground-truth pks in server order
	groundTruth map[string]model.Entity
	log         *oplog.Log
	version     int64

	fold        *foldResult // memoized render fold
	foldVersion int64

	subs    map[int]func(version int64)
	nextSub int

	inflight *syncCall // coalesced sync in progress, nil otherwise

	initOnce chan struct{} // closed when the cache load finishes
	initErr  error
}

type syncCall struct {
	done chan struct{}
	err  error
}

// New constructs a store and, when a cache backend is configured, begins
// loading its snapshot. All public methods await that load.
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

	s := &Store{
		md:          opts.Model,
		fingerprint: opts.Fingerprint,
		fetch:       opts.Fetch,
		cache:       opts.Cache,
		maxOpAge:    maxOpAge,
		onTrim:      opts.OnTrim,
		logger:      logger.With(zap.String("store", "entity"), zap.String("model", opts.Model.Name)),
		now:         now,
		groundTruth: make(map[string]model.Entity),
		log:         oplog.New(logger),
		subs:        make(map[int]func(int64)),
		initOnce:    make(chan struct{}),
	}

	if s.cache == nil {
		close(s.initOnce)
		return s
	}
	go s.loadSnapshot()
	return s
}

// Model returns the descriptor this store serves.
func (s *Store) Model() model.Descriptor { return s.md }

// Fingerprint returns the store's registry/cache key.
func (s *Store) Fingerprint() string { return s.fingerprint }

// Version returns the current mutation counter. Renders are pure between
// version changes.
func (s *Store) Version() int64 {
	s.awaitInit()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
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

// SetGroundTruth atomically replaces ground truth with the given entities,
// preserving their order as the server's chosen order. Entities lacking the
// primary key are skipped with a warning.
func (s *Store) SetGroundTruth(entities []model.Entity) {
	s.awaitInit()
	s.mu.Lock()
	s.order = s.order[:0]
	s.groundTruth = make(map[string]model.Entity, len(entities))
	s.ingestLocked(entities)
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
}

// MergeGroundTruth overlays the given entities field-by-field onto ground
// truth, appending entities with unknown primary keys. Entities lacking the
// primary key are skipped with a warning.
func (s *Store) MergeGroundTruth(entities []model.Entity) {
	s.awaitInit()
	s.mu.Lock()
	s.ingestLocked(entities)
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
}

// ingestLocked merges entities into ground truth: overlay when present,
// append when new, warn and skip when broken.
func (s *Store) ingestLocked(entities []model.Entity) {
	for _, e := range entities {
		pk, ok := s.md.PK(e)
		if !ok {
			s.logger.Warn("skipping broken entity in ground truth",
				zap.String("pk_field", s.md.PKField),
				zap.Error(&model.BrokenEntityError{Model: s.md.Name, PKField: s.md.PKField}))
			continue
		}
		if existing, present := s.groundTruth[pk]; present {
			s.groundTruth[pk] = model.Overlay(existing, e)
			continue
		}
		s.groundTruth[pk] = e.Clone()
		s.order = append(s.order, pk)
	}
}

// AddOperation appends an operation to the log.
func (s *Store) AddOperation(o *op.Operation) {
	s.awaitInit()
	s.mu.Lock()
	s.log.Add(o)
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
}

// UpdateOperation replaces the logged operation with the same ID.
// Returns whether the ID was found.
func (s *Store) UpdateOperation(o *op.Operation) bool {
	s.awaitInit()
	s.mu.Lock()
	found := s.log.Update(o)
	var version int64
	var subs []func(int64)
	if found {
		version = s.bumpLocked()
		subs = s.snapshotSubsLocked()
	}
	s.mu.Unlock()

	if found {
		notify(subs, version)
	}
	return found
}

// Confirm marks the logged operation confirmed, replacing its instances when
// provided - this swaps temporary client-issued primary keys for server keys.
// Unknown IDs are a warning; Confirm returns whether the ID was found.
func (s *Store) Confirm(id string, instances ...model.Entity) bool {
	s.awaitInit()
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

// Reject marks the logged operation rejected, removing its effect from the
// next render. Unknown IDs are a warning; Reject returns whether the ID was
// found.
func (s *Store) Reject(id string) bool {
	s.awaitInit()
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
	s.awaitInit()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Snapshot()
}

// bumpLocked invalidates memoized renders and returns the new version.
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
