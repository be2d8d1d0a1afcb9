// Package cache provides the durable snapshot layer stores use to survive a
// process restart.
//
// Each store is keyed by its fingerprint and persists one snapshot: ground
// truth (entities or primary keys), the operation log, a monotonically
// increasing version, and the wall-clock save time. Corrupt records are
// rejected atomically - a snapshot either decodes completely or not at all.
//
// Two backends exist: SQLite (default, durable on local disk) and Redis
// (shared cache across processes).
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridianhq/liveset/internal/model"
)

// Snapshot is the durable record for one store.
//
// Exactly one of GroundTruth (entity stores) and GroundTruthIDs (query-set
// stores) is populated.
type Snapshot struct {
	ID             string            `json:"id"`
	GroundTruth    []model.Entity    `json:"groundTruth,omitempty"`
	GroundTruthIDs []string          `json:"groundTruthIds,omitempty"`
	Operations     []OperationRecord `json:"operations"`
	Version        int64             `json:"version"`
	CachedAt       time.Time         `json:"cachedAt"`
}

// OperationRecord is the serialized form of one logged operation.
type OperationRecord struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Instances   []model.Entity `json:"instances"`
	QuerySetRef string         `json:"querySetRef,omitempty"`
	Args        model.Entity   `json:"args,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Meta describes a stored snapshot without decoding its payload.
// Used by the maintenance CLI.
type Meta struct {
	ID       string
	Version  int64
	CachedAt time.Time
	Bytes    int64
}

// Backend persists snapshots keyed by store fingerprint.
//
// Load returns (nil, nil) when no snapshot exists for the ID. A snapshot
// that exists but cannot be decoded yields a *CorruptError.
type Backend interface {
	Load(ctx context.Context, id string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Meta, error)
	Close() error
}

// CorruptError reports a snapshot that failed to deserialize.
//
// Recoverable: the owning store clears the record (ClearCache) and refetches
// (Sync). Partial loads never happen - the store stays empty-clean.
type CorruptError struct {
	ID  string
	Err error
}

// Error implements the error interface.
func (e *CorruptError) Error() string {
	return fmt.Sprintf("cache snapshot %q is corrupt: %v", e.ID, e.Err)
}

// Unwrap exposes the underlying decode error.
func (e *CorruptError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is (or wraps) a corrupt-snapshot error.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
