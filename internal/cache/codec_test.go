package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/liveset/internal/model"
	"github.com/meridianhq/liveset/internal/op"
)

var todos = model.Descriptor{Name: "todo", ConfigKey: "default", PKField: "id"}

func TestOperationCodec_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return ts }

	original, err := op.New(op.Data{
		ID:          "op-1",
		Type:        op.TypeCreate,
		Instances:   []model.Entity{{"id": "tmp-1", "title": "x"}},
		Model:       todos,
		QuerySetRef: "qs-fp",
		Args:        model.Entity{"slug": "x"},
		Now:         clock,
	})
	require.NoError(t, err)

	records := EncodeOperations([]*op.Operation{original})
	decoded, err := DecodeOperations(todos, records)
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	got := decoded[0]
	assert.Equal(t, original.ID(), got.ID())
	assert.Equal(t, original.Type(), got.Type())
	assert.Equal(t, op.StatusInflight, got.Status(), "pending operation survives the round trip inflight")
	assert.Equal(t, original.Instances(), got.Instances())
	assert.Equal(t, original.QuerySetRef(), got.QuerySetRef())
	assert.Equal(t, original.Args(), got.Args())
	assert.True(t, original.Timestamp().Equal(got.Timestamp()))
}

func TestOperationCodec_PreservesTerminalStatus(t *testing.T) {
	o, err := op.New(op.Data{
		Type:      op.TypeDelete,
		Instances: []model.Entity{{"id": "1"}},
		Model:     todos,
	})
	require.NoError(t, err)
	o.UpdateStatus(op.StatusRejected)

	decoded, err := DecodeOperations(todos, EncodeOperations([]*op.Operation{o}))
	require.NoError(t, err)
	assert.Equal(t, op.StatusRejected, decoded[0].Status())
}

func TestDecodeOperations_BrokenRecord(t *testing.T) {
	_, err := DecodeOperations(todos, []OperationRecord{
		{ID: "op-x", Type: "create", Status: "inflight"}, // no instances
	})
	assert.Error(t, err)
}

func TestSnapshot_GoldenPayload(t *testing.T) {
	snap := &Snapshot{
		ID: "6f1d2c",
		GroundTruth: []model.Entity{
			{"id": "1", "title": "buy milk", "done": false},
		},
		Operations: []OperationRecord{
			{
				ID:        "01J0000000000000000000000A",
				Type:      "create",
				Status:    "inflight",
				Instances: []model.Entity{{"id": "tmp-2", "title": "new"}},
				Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		Version:  4,
		CachedAt: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "snapshot_payload", payload)
}
