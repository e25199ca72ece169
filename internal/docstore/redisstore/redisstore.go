// Package redisstore provides a Redis implementation of docstore.Store.
// Each collection is one hash; fields are record keys and values are the
// JSON-encoded records.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/reliefdesk/internal/docstore"
)

// DefaultPrefix namespaces the collection hashes.
const DefaultPrefix = "reliefdesk:"

// Store persists documents in Redis hashes.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client. The caller owns the client.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// NewFromURL parses a redis:// URL, connects and pings.
func NewFromURL(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) hash(collection string) string {
	return s.prefix + collection
}

// ReadAll returns every document in collection, ordered by key.
func (s *Store) ReadAll(ctx context.Context, collection string) ([]docstore.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.hash(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", collection, err)
	}
	out := make([]docstore.Record, 0, len(fields))
	for field, raw := range fields {
		var rec docstore.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, field, err)
		}
		rec.Key = field
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upsert replaces the hash field for rec.Key.
func (s *Store) Upsert(ctx context.Context, collection string, rec docstore.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, rec.Key, err)
	}
	if err := s.client.HSet(ctx, s.hash(collection), rec.Key, raw).Err(); err != nil {
		return fmt.Errorf("hset %s/%s: %w", collection, rec.Key, err)
	}
	return nil
}
