package queryset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
	"github.com/meridianhq/liveset/internal/query"
	"github.com/meridianhq/liveset/internal/storeerr"
	"github.com/meridianhq/liveset/internal/testutil"
)

var trackModel = model.Descriptor{Name: "Track", ConfigKey: "tracks", PKField: "id"}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Model.Name == "" {
		opts.Model = trackModel
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = "qs-test-fp"
	}
	if opts.Fetch == nil {
		opts.Fetch = func(ctx context.Context, q query.Descriptor, md model.Descriptor) ([]string, error) {
			return nil, nil
		}
	}
	return New(opts)
}

func mustOp(t *testing.T, typ op.Type, pks ...string) *op.Operation {
	t.Helper()
	instances := make([]model.Entity, 0, len(pks))
	for _, pk := range pks {
		instances = append(instances, model.Entity{"id": pk})
	}
	o, err := op.New(op.Data{Type: typ, Model: trackModel, Instances: instances})
	require.NoError(t, err)
	return o
}

func TestMembershipFold(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetGroundTruthIDs([]string{"1", "2", "3"})

	// External delete fans out via the router and removes membership.
	s.AddOperation(mustOp(t, op.TypeDelete, "2"))
	assert.Equal(t, []string{"1", "3"}, s.Slice(SliceArgs{}))

	// Optimistic create appends at the end.
	s.AddOperation(mustOp(t, op.TypeCreate, "4"))
	assert.Equal(t, []string{"1", "3", "4"}, s.Slice(SliceArgs{}))
	assert.Equal(t, 3, s.Count())
}

func TestCreateOfExistingMemberIsNoop(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetGroundTruthIDs([]string{"1", "2"})

	s.AddOperation(mustOp(t, op.TypeCreate, "2"))
	assert.Equal(t, []string{"1", "2"}, s.Slice(SliceArgs{}))
}

func TestUpdateAddsUnknownMemberUnlessLocallyDeleted(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetGroundTruthIDs([]string{"1"})

	// Update of a pk the set has never seen: membership may have changed
	// server-side, so add it.
	s.AddOperation(mustOp(t, op.TypeUpdate, "9"))
	assert.Equal(t, []string{"1", "9"}, s.Slice(SliceArgs{}))

	// But not when a prior non-rejected delete removed it locally.
	s.AddOperation(mustOp(t, op.TypeDelete, "1"))
	s.AddOperation(mustOp(t, op.TypeUpdate, "1"))
	assert.Equal(t, []string{"9"}, s.Slice(SliceArgs{}))
}

func TestRejectedOperationsAreNeutral(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetGroundTruthIDs([]string{"1", "2"})

	del := mustOp(t, op.TypeDelete, "1")
	s.AddOperation(del)
	require.Equal(t, []string{"2"}, s.Slice(SliceArgs{}))

	require.True(t, s.Reject(del.ID()))
	assert.Equal(t, []string{"1", "2"}, s.Slice(SliceArgs{}))
}

func TestConfirmSwapsTemporaryKey(t *testing.T) {
	s := newTestStore(t, Options{})

	tmpPK := model.TempPK()
	o := mustOp(t, op.TypeCreate, tmpPK)
	s.AddOperation(o)
	require.Equal(t, []string{tmpPK}, s.Slice(SliceArgs{}))

	require.True(t, s.Confirm(o.ID(), model.Entity{"id": "77"}))
	assert.Equal(t, []string{"77"}, s.Slice(SliceArgs{}))
}

func TestSliceOffsetLimitAndSort(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetGroundTruthIDs([]string{"c", "a", "b", "d"})

	sorted := s.Slice(SliceArgs{Sort: func(a, b string) bool { return a < b }})
	assert.Equal(t, []string{"a", "b", "c", "d"}, sorted)

	window := s.Slice(SliceArgs{Offset: 1, Limit: 2})
	assert.Equal(t, []string{"a", "b"}, window)

	past := s.Slice(SliceArgs{Offset: 10})
	assert.Empty(t, past)

	all := s.Slice(SliceArgs{Limit: -1})
	assert.Len(t, all, 4)
}

func TestSliceDefaultLimit(t *testing.T) {
	s := newTestStore(t, Options{DefaultLimit: 2})
	s.SetGroundTruthIDs([]string{"1", "2", "3", "4"})

	assert.Equal(t, []string{"1", "2"}, s.Slice(SliceArgs{}))
	assert.Equal(t, 4, s.Count(), "count ignores the slice limit")
}

func TestCountAndSliceShareFold(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetGroundTruthIDs([]string{"1", "2"})
	s.AddOperation(mustOp(t, op.TypeCreate, "3"))

	require.Equal(t, 3, s.Count())
	v := s.Version()
	assert.Equal(t, []string{"1", "2", "3"}, s.Slice(SliceArgs{}))
	assert.Equal(t, v, s.Version(), "renders are pure and must not bump the version")
}

func TestDuplicateGroundTruthIDsDropped(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetGroundTruthIDs([]string{"1", "2", "1"})
	assert.Equal(t, []string{"1", "2"}, s.GroundTruthIDs())
}

func TestSyncReplacesMembership(t *testing.T) {
	var gotQuery query.Descriptor
	s := newTestStore(t, Options{
		Query: query.Descriptor{Predicate: query.Filter{Field: "genre", Op: query.OpEq, Value: "ambient"}},
		Fetch: func(ctx context.Context, q query.Descriptor, md model.Descriptor) ([]string, error) {
			gotQuery = q
			return []string{"5", "6"}, nil
		},
	})
	s.SetGroundTruthIDs([]string{"1"})
	s.AddOperation(mustOp(t, op.TypeCreate, "9"))

	require.NoError(t, s.Sync(context.Background()))

	require.NotNil(t, gotQuery.Predicate)
	assert.Equal(t, []string{"5", "6", "9"}, s.Slice(SliceArgs{}), "pending create still folds on top")
	assert.Equal(t, []string{"5", "6"}, s.GroundTruthIDs())
}

func TestSyncFetchFailureLeavesMembershipIntact(t *testing.T) {
	boom := errors.New("offline")
	s := newTestStore(t, Options{
		Fetch: func(ctx context.Context, q query.Descriptor, md model.Descriptor) ([]string, error) {
			return nil, boom
		},
	})
	s.SetGroundTruthIDs([]string{"1"})

	err := s.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, storeerr.IsFetchFailed(err))
	assert.Equal(t, []string{"1"}, s.GroundTruthIDs())
}

func TestSyncTrimsAgedTerminalOperations(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var trimmed []string
	s := newTestStore(t, Options{
		Now:    clock.Now,
		OnTrim: func(ids []string) { trimmed = append(trimmed, ids...) },
	})

	done, err := op.New(op.Data{
		Type:      op.TypeCreate,
		Model:     trackModel,
		Instances: []model.Entity{{"id": "1"}},
		Now:       clock.Now,
	})
	require.NoError(t, err)
	s.AddOperation(done)
	require.True(t, s.Confirm(done.ID(), model.Entity{"id": "1"}))

	clock.Advance(DefaultMaxOpAge + time.Second)
	require.NoError(t, s.Sync(context.Background()))

	assert.Equal(t, []string{done.ID()}, trimmed)
	assert.Empty(t, s.Operations())
}

func TestSnapshotRestoreAcrossRestart(t *testing.T) {
	backend := testutil.NewMemoryBackend()
	fetch := func(ctx context.Context, q query.Descriptor, md model.Descriptor) ([]string, error) {
		return []string{"1", "2"}, nil
	}

	s := newTestStore(t, Options{Fingerprint: "qs-restart", Cache: backend, Fetch: fetch})
	pending := mustOp(t, op.TypeCreate, "tmp-abc")
	s.AddOperation(pending)
	require.NoError(t, s.Sync(context.Background()))
	require.True(t, backend.Has("qs-restart"))

	restarted := newTestStore(t, Options{Fingerprint: "qs-restart", Cache: backend, Fetch: fetch})
	require.NoError(t, restarted.EnsureInitialized(context.Background()))

	assert.Equal(t, []string{"1", "2"}, restarted.GroundTruthIDs())
	assert.Equal(t, []string{"1", "2", "tmp-abc"}, restarted.Slice(SliceArgs{}))
	require.Len(t, restarted.Operations(), 1)
	assert.Equal(t, op.StatusInflight, restarted.Operations()[0].Status())
}

func TestCorruptSnapshotRecovery(t *testing.T) {
	backend := testutil.NewMemoryBackend()
	backend.MarkCorrupt("qs-corrupt")

	s := newTestStore(t, Options{
		Fingerprint: "qs-corrupt",
		Cache:       backend,
		Fetch: func(ctx context.Context, q query.Descriptor, md model.Descriptor) ([]string, error) {
			return []string{"1"}, nil
		},
	})

	err := s.EnsureInitialized(context.Background())
	require.Error(t, err)
	assert.Empty(t, s.Slice(SliceArgs{}))

	require.NoError(t, s.ClearCache(context.Background()))
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, []string{"1"}, s.Slice(SliceArgs{}))
}

func TestSubscribeNotifiesOnMutation(t *testing.T) {
	s := newTestStore(t, Options{})
	var versions []int64
	unsubscribe := s.Subscribe(func(v int64) { versions = append(versions, v) })

	s.SetGroundTruthIDs([]string{"1"})
	s.AddOperation(mustOp(t, op.TypeDelete, "1"))
	require.Equal(t, []int64{1, 2}, versions)

	unsubscribe()
	s.SetGroundTruthIDs(nil)
	assert.Len(t, versions, 2)
}
