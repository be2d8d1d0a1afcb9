// Package queryset tracks membership for one server-evaluated query: the
// ground-truth list of primary keys in server order, plus an
// insertion-ordered log of in-flight operations. Full entities live in the
// entity store; this store folds only membership.
package queryset

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/cache"
	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/oplog"
	"github.com/meridianhq/liveset/internal/query"
)

// DefaultMaxOpAge is how long terminal operations linger in the log before a
// trimming pass removes them. Shorter than the entity store's: membership
// reconverges on every sync, so stale terminal operations buy little.
const DefaultMaxOpAge = 15 * time.Second

// DefaultLimit is the slice limit applied when the caller does not pass one.
const DefaultLimit = 100

// Options configures a store.
type Options struct {
	// Model describes the entity type the query ranges over. Required.
	Model model.Descriptor

	// Query is the descriptor whose membership this store tracks.
	Query query.Descriptor

	// Fingerprint keys this store in the registry and the durable cache.
	// Derived from the membership-affecting query parts. Required.
	Fingerprint string

	// Fetch is the injected wire-client callback used by Sync. Required.
	Fetch Fetcher

	// Cache enables durable snapshots when non-nil.
	Cache cache.Backend

	// MaxOpAge overrides DefaultMaxOpAge.
	MaxOpAge time.Duration

	// DefaultLimit overrides DefaultLimit for Slice calls without one.
	DefaultLimit int

	// OnTrim is invoked with the IDs of trimmed operations.
	OnTrim func(ids []string)

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger

	// Now overrides the wall clock for tests.
	Now func() time.Time
}

// Store is the per-query membership store.
//
// Same discipline as the entity store: one mutex guards all state, fetcher
// and cache calls happen outside it, and renders memoize against a version
// counter bumped by every mutation.
type Store struct {
	md           model.Descriptor
	q            query.Descriptor
	fingerprint  string
	fetch        Fetcher
	cache        cache.Backend
	maxOpAge     time.Duration
	defaultLimit int
	onTrim       func(ids []string)
	logger       *zap.Logger
	now          func() time.Time

	mu          sync.Mutex
	groundTruth []string // pks in server order
	log         *oplog.Log
	version     int64

	fold        []string // memoized effective membership
	foldVersion int64

	subs    map[int]func(version int64)
	nextSub int

	inflight *syncCall

	initOnce chan struct{}
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
	limit := opts.DefaultLimit
	if limit == 0 {
		limit = DefaultLimit
	}

	s := &Store{
		md:           opts.Model,
		q:            opts.Query,
		fingerprint:  opts.Fingerprint,
		fetch:        opts.Fetch,
		cache:        opts.Cache,
		maxOpAge:     maxOpAge,
		defaultLimit: limit,
		onTrim:       opts.OnTrim,
		logger:       logger.With(zap.String("store", "queryset"), zap.String("model", opts.Model.Name)),
		now:          now,
		log:          oplog.New(logger),
		subs:         make(map[int]func(int64)),
		initOnce:     make(chan struct{}),
	}

	if s.cache == nil {
		close(s.initOnce)
		return s
	}
	go s.loadSnapshot()
	return s
}

// Model returns the descriptor the query ranges over.
func (s *Store) Model() model.Descriptor { return s.md }

// Query returns the tracked query descriptor.
func (s *Store) Query() query.Descriptor { return s.q }

// Fingerprint returns the store's registry/cache key.
func (s *Store) Fingerprint() string { return s.fingerprint }

// Version returns the current mutation counter.
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

// SetGroundTruthIDs atomically replaces the ground-truth membership,
// preserving the given server order. Duplicates are dropped with a warning.
func (s *Store) SetGroundTruthIDs(pks []string) {
	s.awaitInit()
	s.mu.Lock()
	s.groundTruth = dedupe(pks, s.logger)
	version := s.bumpLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, version)
}

// GroundTruthIDs returns the current ground-truth membership in server order.
func (s *Store) GroundTruthIDs() []string {
	s.awaitInit()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.groundTruth))
	copy(out, s.groundTruth)
	return out
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
// provided. Returns whether the ID was found.
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
// next render. Returns whether the ID was found.
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

// SliceArgs selects a window of the effective membership.
type SliceArgs struct {
	// Offset skips the first N primary keys.
	Offset int

	// Limit caps the result length. Zero means the store default;
	// negative means unbounded.
	Limit int

	// Sort orders the membership with the caller's comparator before
	// slicing. Nil keeps fold order: ground truth in server order,
	// optimistic additions appended in log order.
	Sort func(a, b string) bool
}

// Slice returns a window of the effective membership: ground truth with every
// non-rejected operation's membership effect applied in insertion order.
func (s *Store) Slice(args SliceArgs) []string {
	s.awaitInit()
	s.mu.Lock()
	fold := s.foldLocked()
	out := make([]string, len(fold))
	copy(out, fold)
	s.mu.Unlock()

	if args.Sort != nil {
		sort.SliceStable(out, func(i, j int) bool { return args.Sort(out[i], out[j]) })
	}

	offset := args.Offset
	if offset > len(out) {
		offset = len(out)
	}
	if offset < 0 {
		offset = 0
	}
	out = out[offset:]

	limit := args.Limit
	if limit == 0 {
		limit = s.defaultLimit
	}
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Count returns the size of the effective membership. Count and Slice share
// the same memoized fold.
func (s *Store) Count() int {
	s.awaitInit()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.foldLocked())
}

// foldLocked returns the memoized effective membership, recomputing it when
// a mutation has invalidated the cache.
func (s *Store) foldLocked() []string {
	if s.fold != nil && s.foldVersion == s.version {
		return s.fold
	}

	order := make([]string, 0, len(s.groundTruth))
	present := make(map[string]bool, len(s.groundTruth))
	for _, pk := range s.groundTruth {
		order = append(order, pk)
		present[pk] = true
	}

	// pks removed by an earlier non-rejected delete; protects against
	// updates re-adding membership the user already removed locally.
	deleted := make(map[string]bool)

	for _, o := range s.log.Snapshot() {
		if o.Status() == op.StatusRejected {
			continue
		}
		for _, inst := range o.Instances() {
			pk, ok := s.md.PK(inst)
			if !ok {
				s.logger.Warn("skipping broken instance in operation",
					zap.String("operation_id", o.ID()),
					zap.String("pk_field", s.md.PKField))
				continue
			}

			switch o.Type() {
			case op.TypeCreate, op.TypeGetOrCreate, op.TypeUpdateOrCreate:
				if !present[pk] {
					present[pk] = true
					order = append(order, pk)
				}

			case op.TypeUpdate:
				if !present[pk] && !deleted[pk] {
					present[pk] = true
					order = append(order, pk)
				}

			case op.TypeDelete:
				if present[pk] {
					delete(present, pk)
					for i, existing := range order {
						if existing == pk {
							order = append(order[:i], order[i+1:]...)
							break
						}
					}
				}
				deleted[pk] = true

			default:
				s.logger.Warn("skipping operation with unknown type",
					zap.String("operation_id", o.ID()),
					zap.String("type", string(o.Type())))
			}
		}
	}

	s.fold = order
	s.foldVersion = s.version
	return s.fold
}

// bumpLocked invalidates memoized folds and returns the new version.
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

func dedupe(pks []string, logger *zap.Logger) []string {
	out := make([]string, 0, len(pks))
	seen := make(map[string]bool, len(pks))
	for _, pk := range pks {
		if seen[pk] {
			logger.Warn("dropping duplicate pk in ground-truth membership", zap.String("pk", pk))
			continue
		}
		seen[pk] = true
		out = append(out, pk)
	}
	return out
}
