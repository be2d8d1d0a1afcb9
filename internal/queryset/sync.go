package queryset

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridianhq/liveset/internal/cache"
	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/query"
	"github.com/meridianhq/liveset/internal/storeerr"
)

// Fetcher evaluates the query on the server and returns the matching primary
// keys in the server's chosen order.
type Fetcher func(ctx context.Context, q query.Descriptor, md model.Descriptor) ([]string, error)

// Sync fetches the authoritative membership for the tracked query, replaces
// ground truth with the result, and trims terminal operations past the
// maximum age.
//
// Sync is coalesced: concurrent calls share the in-progress fetch and return
// its result. Fetcher failures surface as a FetchFailedError; ground truth is
// not altered on failure.
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
	s.mu.Unlock()

	pks, err := s.fetch(ctx, s.q, s.md)

	s.mu.Lock()
	var version int64
	var subs []func(int64)
	var snap *cache.Snapshot
	if err != nil {
		call.err = &storeerr.FetchFailedError{Fingerprint: s.fingerprint, Err: err}
	} else {
		s.groundTruth = dedupe(pks, s.logger)

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

// snapshotLocked builds the durable record of the store's current state.
// Query-set snapshots carry membership keys only; entities live elsewhere.
func (s *Store) snapshotLocked() *cache.Snapshot {
	pks := make([]string, len(s.groundTruth))
	copy(pks, s.groundTruth)
	return &cache.Snapshot{
		ID:             s.fingerprint,
		GroundTruthIDs: pks,
		Operations:     cache.EncodeOperations(s.log.Snapshot()),
		Version:        s.version,
		CachedAt:       s.now(),
	}
}

// EnsureInitialized blocks until the durable-cache load finishes and returns
// its sticky error, if any. A CorruptError is recoverable via ClearCache
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

// awaitInit blocks until the load finishes, ignoring its outcome.
func (s *Store) awaitInit() {
	<-s.initOnce
}

// loadSnapshot restores membership and the operation log from the durable
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
		return
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
	s.groundTruth = dedupe(snap.GroundTruthIDs, s.logger)
	s.log.Replace(ops)
	if snap.Version > s.version {
		s.version = snap.Version
	}
	s.mu.Unlock()

	s.logger.Debug("snapshot restored",
		zap.Int("pks", len(snap.GroundTruthIDs)),
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
