package entitystore

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/cache"
	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/storeerr"
)

// Sync fetches the authoritative entity set for the currently known primary
// keys, replaces ground truth with the result, and trims terminal operations
// past the maximum age.
//
// Sync is coalesced: concurrent calls share the in-progress fetch and return
// its result. Fetcher failures surface to the caller as a FetchFailedError;
// ground truth is not altered on failure. Operations added during the fetch
// stay in the log untouched.
func (s *Store) Sync(ctx context.Context) error {
	if err := s.EnsureInitialized(ctx); err != nil {
		return err
	}

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
	pks := s.knownPKsLocked()
	s.mu.Unlock()

	entities, err := s.fetch(ctx, pks, s.md)

	s.mu.Lock()
	var version int64
	var subs []func(int64)
	var snap *cache.Snapshot
	if err != nil {
		call.err = &storeerr.FetchFailedError{Fingerprint: s.fingerprint, Err: err}
	} else {
		s.order = s.order[:0]
		s.groundTruth = make(map[string]model.Entity, len(entities))
		s.ingestLocked(entities)

		removed := s.log.Trim(s.maxOpAge, s.now())
		if len(removed) > 0 && s.onTrim != nil {
			defer s.onTrim(removed)
		}

		version = s.bumpLocked()
		subs = s.snapshotSubsLocked()
		if s.cache != nil {
			snap = s.snapshotLocked()
		}
	}
	s.inflight = nil
	s.mu.Unlock()
	close(call.done)

	if call.err != nil {
		return call.err
	}

	notify(subs, version)
	if snap != nil {
		if saveErr := s.cache.Save(ctx, snap); saveErr != nil {
			s.logger.Warn("failed to save snapshot after sync", zap.Error(saveErr))
		}
	}
	return nil
}

// knownPKsLocked returns the union of ground-truth pks and the pks carried
// by non-rejected logged operations, in stable order.
func (s *Store) knownPKsLocked() []string {
	seen := make(map[string]bool, len(s.order))
	pks := make([]string, 0, len(s.order))
	for _, pk := range s.order {
		seen[pk] = true
		pks = append(pks, pk)
	}
	for _, o := range s.log.Snapshot() {
		if o.Status() == op.StatusRejected {
			continue
		}
		for _, inst := range o.Instances() {
			if pk, ok := s.md.PK(inst); ok && !seen[pk] {
				seen[pk] = true
				pks = append(pks, pk)
			}
		}
	}
	return pks
}

// snapshotLocked builds the durable record of the store's current state.
func (s *Store) snapshotLocked() *cache.Snapshot {
	entities := make([]model.Entity, 0, len(s.order))
	for _, pk := range s.order {
		entities = append(entities, s.groundTruth[pk].Clone())
	}
	return &cache.Snapshot{
		ID:          s.fingerprint,
		GroundTruth: entities,
		Operations:  cache.EncodeOperations(s.log.Snapshot()),
		Version:     s.version,
		CachedAt:    s.now(),
	}
}

// EnsureInitialized blocks until the durable-cache load finishes and returns
// its sticky error, if any. A CorruptError here means the snapshot failed to
// deserialize; the store is empty-clean and recoverable via ClearCache
// followed by Sync.
func (s *Store) EnsureInitialized(ctx context.Context) error {
	select {
	case <-s.initOnce:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// awaitInit blocks until the load finishes, ignoring its outcome. Mutation
// and render paths proceed on the empty store when the snapshot was corrupt.
func (s *Store) awaitInit() {
	<-s.initOnce
}

// loadSnapshot restores ground truth and the operation log from the durable
// cache. Runs once, started by New.
func (s *Store) loadSnapshot() {
	defer close(s.initOnce)

	snap, err := s.cache.Load(context.Background(), s.fingerprint)
	if err != nil {
		s.mu.Lock()
		s.initErr = err
		s.mu.Unlock()
		s.logger.Warn("snapshot load failed", zap.Error(err))
		return
	}
	if snap == nil {
		return // Nothing cached yet.
	}

	ops, err := cache.DecodeOperations(s.md, snap.Operations)
	if err != nil {
		s.mu.Lock()
		s.initErr = &cache.CorruptError{ID: s.fingerprint, Err: err}
		s.mu.Unlock()
		s.logger.Warn("snapshot operations failed to decode", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.ingestLocked(snap.GroundTruth)
	s.log.Replace(ops)
	if snap.Version > s.version {
		s.version = snap.Version
	}
	s.mu.Unlock()

	s.logger.Debug("snapshot restored",
		zap.Int("entities", len(snap.GroundTruth)),
		zap.Int("operations", len(ops)),
		zap.Int64("version", snap.Version))
}

// ClearCache deletes the store's durable record and clears any sticky load
// error, making a corrupt snapshot recoverable.
func (s *Store) ClearCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	s.awaitInit()
	if err := s.cache.Delete(ctx, s.fingerprint); err != nil {
		return err
	}
	s.mu.Lock()
	s.initErr = nil
	s.mu.Unlock()
	return nil
}
