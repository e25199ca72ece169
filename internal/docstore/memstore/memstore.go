// Package memstore provides an in-memory implementation of docstore.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/reliefdesk/internal/docstore"
)

// Store holds documents in memory. Suitable for dev/testing.
type Store struct {
	mu   sync.RWMutex
	docs map[string]map[string]docstore.Record // collection -> key -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{docs: make(map[string]map[string]docstore.Record)}
}

// ReadAll returns copies of every record in collection, ordered by key.
func (s *Store) ReadAll(_ context.Context, collection string) ([]docstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.docs[collection]
	out := make([]docstore.Record, 0, len(coll))
	for _, r := range coll {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upsert stores a copy of rec.
func (s *Store) Upsert(_ context.Context, collection string, rec docstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]docstore.Record)
		s.docs[collection] = coll
	}
	coll[rec.Key] = clone(rec)
	return nil
}

func clone(r docstore.Record) docstore.Record {
	r.Data = append([]byte(nil), r.Data...)
	return r
}
