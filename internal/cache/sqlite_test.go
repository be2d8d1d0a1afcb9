package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/liveset/internal/model"
)

func openTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func testSnapshot(id string, version int64) *Snapshot {
	return &Snapshot{
		ID: id,
		GroundTruth: []model.Entity{
			{"id": "1", "title": "buy milk", "done": false},
			{"id": "2", "title": "walk dog", "done": true},
		},
		Operations: []OperationRecord{
			{
				ID:        "01J0000000000000000000000A",
				Type:      "create",
				Status:    "inflight",
				Instances: []model.Entity{{"id": "tmp-3", "title": "new"}},
				Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		Version:  version,
		CachedAt: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestOpenSQLite_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")

	b, err := OpenSQLite(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	for i := 0; i < 3; i++ {
		b, err := OpenSQLite(path)
		require.NoError(t, err, "iteration %d", i)
		b.Close()
	}
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/snapshots.db")
	assert.Error(t, err)
}

func TestSQLite_SaveLoadRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	want := testSnapshot("fp-1", 3)
	require.NoError(t, b.Save(ctx, want))

	got, err := b.Load(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.GroundTruth, got.GroundTruth)
	require.Len(t, got.Operations, 1)
	assert.Equal(t, "inflight", got.Operations[0].Status)
	assert.True(t, want.CachedAt.Equal(got.CachedAt))
}

func TestSQLite_LoadMissingReturnsNil(t *testing.T) {
	b := openTestBackend(t)

	got, err := b.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_StaleVersionDoesNotOverwrite(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, testSnapshot("fp-1", 5)))
	require.NoError(t, b.Save(ctx, testSnapshot("fp-1", 2))) // stale

	got, err := b.Load(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
}

func TestSQLite_Delete(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, testSnapshot("fp-1", 1)))
	require.NoError(t, b.Delete(ctx, "fp-1"))

	got, err := b.Load(ctx, "fp-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is a no-op.
	assert.NoError(t, b.Delete(ctx, "fp-1"))
}

func TestSQLite_CorruptPayload(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, payload, version, cached_at)
		VALUES ('fp-bad', '{not json', 1, '2025-06-01T12:00:00Z')
	`)
	require.NoError(t, err)

	_, err = b.Load(ctx, "fp-bad")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))

	var ce *CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "fp-bad", ce.ID)
}

func TestSQLite_IDMismatchIsCorrupt(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, payload, version, cached_at)
		VALUES ('fp-a', '{"id":"fp-b","operations":[],"version":1,"cachedAt":"2025-06-01T12:00:00Z"}', 1, '2025-06-01T12:00:00Z')
	`)
	require.NoError(t, err)

	_, err = b.Load(ctx, "fp-a")
	assert.True(t, IsCorrupt(err))
}

func TestSQLite_List(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, testSnapshot("fp-1", 1)))
	later := testSnapshot("fp-2", 7)
	later.CachedAt = later.CachedAt.Add(time.Hour)
	require.NoError(t, b.Save(ctx, later))

	metas, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	// Newest first.
	assert.Equal(t, "fp-2", metas[0].ID)
	assert.Equal(t, int64(7), metas[0].Version)
	assert.Greater(t, metas[0].Bytes, int64(0))
}

func TestSQLite_Vacuum(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, testSnapshot("fp-1", 1)))
	require.NoError(t, b.Delete(ctx, "fp-1"))
	assert.NoError(t, b.Vacuum(ctx))
}
