package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// redisKeyPrefix namespaces snapshot keys so the cache can share a database
// with other applications.
const redisKeyPrefix = "liveset:snapshot:"

// RedisBackend persists snapshots in Redis.
//
// Useful when several processes share one optimistic view of the same
// backend, or when the host has no writable filesystem. Snapshots are stored
// as JSON strings under liveset:snapshot:<fingerprint>.
type RedisBackend struct {
	client *redis.Client
}

// NewRedis creates a backend over an existing Redis client.
// The caller owns connection configuration; Close closes the client.
func NewRedis(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// OpenRedis dials Redis at the given address and verifies connectivity.
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Load reads and decodes the snapshot for a store fingerprint.
// Returns (nil, nil) when no snapshot exists.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Snapshot, error) {
	payload, err := b.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", id, err)
	}
	return decodeSnapshot(id, payload)
}

// Save upserts the snapshot. Unlike the SQLite backend, Redis has no
// conditional write here; version monotonicity holds because each store
// serializes its own saves.
func (b *RedisBackend) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save snapshot %q: marshal: %w", snap.ID, err)
	}
	if err := b.client.Set(ctx, redisKeyPrefix+snap.ID, payload, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot %q: %w", snap.ID, err)
	}
	return nil
}

// Delete removes the snapshot for a store fingerprint.
// Deleting a missing snapshot is a no-op.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete snapshot %q: %w", id, err)
	}
	return nil
}

// List returns metadata for every stored snapshot.
//
// Metadata lives inside the payload, so each key is fetched and minimally
// decoded. Corrupt payloads are reported with version -1 rather than
// failing the whole listing; the maintenance CLI needs to see them to clear
// them.
func (b *RedisBackend) List(ctx context.Context) ([]Meta, error) {
	metas := []Meta{}
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := key[len(redisKeyPrefix):]

		payload, err := b.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // Deleted between scan and get.
		}
		if err != nil {
			return nil, fmt.Errorf("list snapshots: get %q: %w", key, err)
		}

		meta := Meta{ID: id, Bytes: int64(len(payload))}
		var header struct {
			Version  int64  `json:"version"`
			CachedAt string `json:"cachedAt"`
		}
		if err := json.Unmarshal(payload, &header); err != nil {
			meta.Version = -1
		} else {
			meta.Version = header.Version
			meta.CachedAt, _ = parseRFC3339(header.CachedAt)
		}
		metas = append(metas, meta)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: scan: %w", err)
	}
	return metas, nil
}
