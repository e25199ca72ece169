// Package docstore persists review and fulfillment state as keyed JSON
// documents grouped into collections.
//
// All backends implement Store. Callers normally go through a Writer, which
// absorbs store latency and failures so that the in-memory state stays the
// source of truth while the process runs.
package docstore

import (
	"context"
	"encoding/json"
	"time"
)

// Collection names.
const (
	CollectionReviews     = "reviews"
	CollectionFulfillment = "fulfillment"
)

// Record is one document. Data is opaque to the store.
type Record struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is a document backend. Upsert replaces the whole record under
// (collection, Key); the latest write wins.
type Store interface {
	ReadAll(ctx context.Context, collection string) ([]Record, error)
	Upsert(ctx context.Context, collection string, rec Record) error
}

// Persister accepts records for asynchronous persistence.
type Persister interface {
	Put(collection string, rec Record)
}

// Discard is a Persister that drops everything.
type Discard struct{}

// Put implements Persister.
func (Discard) Put(string, Record) {}
