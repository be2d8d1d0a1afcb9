package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/meridianhq/liveset/internal/cache"
)

// MemoryBackend is an in-memory cache.Backend for tests.
//
// Snapshots are stored as encoded JSON so Load exercises the same decode path
// a real backend would; set Corrupt to make a stored snapshot fail decoding.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
	corrupt map[string]bool

	// LoadErr, when non-nil, is returned verbatim by every Load call.
	LoadErr error
	// SaveErr, when non-nil, is returned verbatim by every Save call.
	SaveErr error

	saves int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string][]byte),
		corrupt: make(map[string]bool),
	}
}

// Load returns the snapshot stored under id, or (nil, nil) when absent.
func (m *MemoryBackend) Load(ctx context.Context, id string) (*cache.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.corrupt[id] {
		return nil, &cache.CorruptError{ID: id, Err: errors.New("injected corruption")}
	}
	raw, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	var snap cache.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, &cache.CorruptError{ID: id, Err: err}
	}
	return &snap, nil
}

// Save stores the snapshot under its ID, replacing any previous record.
func (m *MemoryBackend) Save(ctx context.Context, snap *cache.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.records[snap.ID] = raw
	m.saves++
	return nil
}

// Delete removes the record (and any corruption flag) for id.
func (m *MemoryBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	delete(m.corrupt, id)
	return nil
}

// List returns metadata for every stored snapshot, in unspecified order.
func (m *MemoryBackend) List(ctx context.Context) ([]cache.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metas := make([]cache.Meta, 0, len(m.records))
	for id, raw := range m.records {
		var snap cache.Snapshot
		meta := cache.Meta{ID: id, Bytes: int64(len(raw))}
		if err := json.Unmarshal(raw, &snap); err == nil {
			meta.Version = snap.Version
			meta.CachedAt = snap.CachedAt
		} else {
			meta.Version = -1
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

// MarkCorrupt makes future loads of id fail with a *cache.CorruptError.
func (m *MemoryBackend) MarkCorrupt(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt[id] = true
}

// Saves reports how many successful Save calls the backend has seen.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Has reports whether a record exists for id.
func (m *MemoryBackend) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}
