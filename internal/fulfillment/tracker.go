// Package fulfillment tracks which aggregated supply needs have been
// delivered. Marks are keyed by supply identity, so recomputing the supply
// table never resets them.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/reliefdesk/internal/aggregate"
	"github.com/linnemanlabs/reliefdesk/internal/docstore"
)

// ErrInvalidKey is returned for keys that are not "category-item".
var ErrInvalidKey = errors.New("invalid supply key")

// Record is the persisted fulfillment state of one supply need.
type Record struct {
	Key         string                      `json:"key"`
	Status      aggregate.FulfillmentStatus `json:"status"`
	DeliveredBy string                      `json:"delivered_by,omitempty"`
	DeliveredAt *time.Time                  `json:"delivered_at,omitempty"`
}

// Tracker holds delivery marks in memory and persists each new mark.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record

	persist docstore.Persister
	now     func() time.Time
	logger  log.Logger
}

// NewTracker creates an empty tracker. A nil persister keeps marks in
// memory only.
func NewTracker(persist docstore.Persister, logger log.Logger) *Tracker {
	if persist == nil {
		persist = docstore.Discard{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{
		records: make(map[string]Record),
		persist: persist,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides the time source. It is meant for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// ParseKey normalizes a "category-item" key.
func ParseKey(key string) (string, error) {
	cat, item, ok := strings.Cut(key, "-")
	if !ok || strings.TrimSpace(cat) == "" || strings.TrimSpace(item) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return aggregate.Key(cat, item), nil
}

// Load replaces the tracker contents with the fulfillment collection of
// store. Undecodable records are logged and skipped.
func (t *Tracker) Load(ctx context.Context, store docstore.Store) (int, error) {
	recs, err := store.ReadAll(ctx, docstore.CollectionFulfillment)
	if err != nil {
		return 0, fmt.Errorf("load fulfillment: %w", err)
	}
	records := make(map[string]Record, len(recs))
	for _, rec := range recs {
		var r Record
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			t.logger.Warn(ctx, "skipping unreadable fulfillment record", "key", rec.Key, "err", err)
			continue
		}
		if r.Key == "" {
			r.Key = rec.Key
		}
		records[aggregate.NormalizeKey(r.Key)] = r
	}

	t.mu.Lock()
	t.records = records
	t.mu.Unlock()
	return len(records), nil
}

// Status returns the delivery state of key. Unknown keys are pending.
func (t *Tracker) Status(key string) aggregate.FulfillmentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[aggregate.NormalizeKey(key)]; ok {
		return r.Status
	}
	return aggregate.StatusPending
}

// MarkDelivered marks key as delivered. Marking twice keeps the first mark.
func (t *Tracker) MarkDelivered(ctx context.Context, key, by string) (Record, error) {
	norm, err := ParseKey(key)
	if err != nil {
		return Record{}, err
	}

	t.mu.Lock()
	if r, ok := t.records[norm]; ok && r.Status == aggregate.StatusDelivered {
		t.mu.Unlock()
		return r, nil
	}
	at := t.now().UTC()
	r := Record{
		Key:         norm,
		Status:      aggregate.StatusDelivered,
		DeliveredBy: strings.TrimSpace(by),
		DeliveredAt: &at,
	}
	t.records[norm] = r
	t.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		t.logger.Error(ctx, err, "encode fulfillment record", "key", norm)
		return r, nil
	}
	t.persist.Put(docstore.CollectionFulfillment, docstore.Record{Key: norm, Data: data, UpdatedAt: at})
	t.logger.Info(ctx, "supply marked delivered", "key", norm, "delivered_by", r.DeliveredBy)
	return r, nil
}

// Apply overlays delivery marks onto a freshly computed supply table, in
// place, and returns it.
func (t *Tracker) Apply(needs []aggregate.SupplyNeed) []aggregate.SupplyNeed {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range needs {
		if r, ok := t.records[needs[i].Key]; ok {
			needs[i].FulfillmentStatus = r.Status
		} else {
			needs[i].FulfillmentStatus = aggregate.StatusPending
		}
	}
	return needs
}

// Delivered returns the number of delivered keys.
func (t *Tracker) Delivered() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.records {
		if r.Status == aggregate.StatusDelivered {
			n++
		}
	}
	return n
}
