package review

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/reliefdesk/internal/docstore"
	"github.com/linnemanlabs/reliefdesk/internal/extract"
)

// Notifier is told about newly queued items.
type Notifier interface {
	ItemQueued(ctx context.Context, item Item) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithNotifier sets n to be called, asynchronously, for every new item.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithReviewThreshold sets the confidence below which the reason text
// mentions low confidence.
func WithReviewThreshold(t float64) Option {
	return func(q *Queue) { q.threshold = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue holds review items in memory and persists every change through a
// docstore.Persister. The in-memory state is authoritative; persistence
// failures never fail a call.
type Queue struct {
	mu    sync.RWMutex
	items map[string]*Item

	persist   docstore.Persister
	notifier  Notifier
	threshold float64
	now       func() time.Time
	logger    log.Logger

	notifyWG sync.WaitGroup
}

// NewQueue creates an empty queue.
func NewQueue(persist docstore.Persister, logger log.Logger, opts ...Option) *Queue {
	if persist == nil {
		persist = docstore.Discard{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	q := &Queue{
		items:     make(map[string]*Item),
		persist:   persist,
		threshold: extract.DefaultReviewThreshold,
		now:       time.Now,
		logger:    logger,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Load replaces the queue contents with the reviews collection of store.
// Undecodable records are logged and skipped.
func (q *Queue) Load(ctx context.Context, store docstore.Store) (int, error) {
	recs, err := store.ReadAll(ctx, docstore.CollectionReviews)
	if err != nil {
		return 0, fmt.Errorf("load reviews: %w", err)
	}
	items := make(map[string]*Item, len(recs))
	for _, rec := range recs {
		var it Item
		if err := json.Unmarshal(rec.Data, &it); err != nil || it.ID == "" {
			q.logger.Warn(ctx, "skipping unreadable review record", "key", rec.Key, "err", err)
			continue
		}
		items[it.ID] = &it
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return len(items), nil
}

// Enqueue creates a pending item for res when it needs review and no item
// exists for its incident yet, in any status. It returns the item for the
// incident and whether it was created by this call.
func (q *Queue) Enqueue(ctx context.Context, res *extract.Result) (*Item, bool) {
	if res == nil {
		return nil, false
	}
	id := ID(res.IncidentID)

	q.mu.Lock()
	if existing, ok := q.items[id]; ok {
		cp := *existing
		q.mu.Unlock()
		return &cp, false
	}
	if !res.NeedsReview {
		q.mu.Unlock()
		return nil, false
	}
	it := &Item{
		ID:            id,
		IncidentID:    res.IncidentID,
		OriginalText:  res.OriginalText,
		ExtractedData: res,
		Confidence:    res.Confidence,
		Reason:        q.reason(res),
		Status:        StatusPending,
		CreatedAt:     q.now().UTC(),
	}
	q.items[id] = it
	cp := *it
	q.store(ctx, cp)
	q.mu.Unlock()

	q.logger.Info(ctx, "review item queued",
		"review_id", id,
		"confidence", res.Confidence,
		"uncertain_items", len(res.UncertainItems),
	)
	q.notify(ctx, cp)
	return &cp, true
}

func (q *Queue) reason(res *extract.Result) string {
	var parts []string
	if res.Confidence < q.threshold {
		parts = append(parts, fmt.Sprintf("low confidence (%.2f)", res.Confidence))
	}
	if len(res.UncertainItems) > 0 {
		parts = append(parts, "uncertain: "+strings.Join(res.UncertainItems, ", "))
	}
	if len(parts) == 0 {
		return "flagged for review"
	}
	return strings.Join(parts, "; ")
}

// List returns items passing f, oldest first with ties broken by id.
func (q *Queue) List(f Filter) []Item {
	q.mu.RLock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if f.Match(it.Status) {
			out = append(out, *it)
		}
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of the item with id.
func (q *Queue) Get(id string) (Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return *it, nil
}

// Counts returns the number of items in each status.
func (q *Queue) Counts() map[Status]int {
	out := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		out[s] = 0
	}
	q.mu.RLock()
	for _, it := range q.items {
		out[it.Status]++
	}
	q.mu.RUnlock()
	return out
}

// Decide records d on the pending item id. Decision fields are written
// once; deciding a decided item fails with ErrAlreadyDecided.
func (q *Queue) Decide(ctx context.Context, id string, d Decision) (Item, error) {
	if err := d.Validate(); err != nil {
		return Item{}, err
	}

	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return Item{}, ErrNotFound
	}
	if it.Status.Terminal() {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, it.Status)
	}
	at := q.now().UTC()
	it.Status = d.Status
	it.AdminNotes = strings.TrimSpace(d.AdminNotes)
	it.ReviewedBy = strings.TrimSpace(d.ReviewedBy)
	it.ReviewedAt = &at
	if d.Status == StatusCorrected {
		it.CorrectedData = append(json.RawMessage(nil), d.CorrectedData...)
	}
	cp := *it
	q.store(ctx, cp)
	q.mu.Unlock()

	q.logger.Info(ctx, "review item decided",
		"review_id", id,
		"status", string(cp.Status),
		"reviewed_by", cp.ReviewedBy,
	)
	return cp, nil
}

// Wait blocks until in-flight notifications finish.
func (q *Queue) Wait() {
	q.notifyWG.Wait()
}

// store hands it to the persister. Callers hold q.mu so records reach the
// persister in the order the in-memory state changed.
func (q *Queue) store(ctx context.Context, it Item) {
	data, err := json.Marshal(it)
	if err != nil {
		q.logger.Error(ctx, err, "encode review item", "review_id", it.ID)
		return
	}
	updated := it.CreatedAt
	if it.ReviewedAt != nil {
		updated = *it.ReviewedAt
	}
	q.persist.Put(docstore.CollectionReviews, docstore.Record{Key: it.ID, Data: data, UpdatedAt: updated})
}

func (q *Queue) notify(ctx context.Context, it Item) {
	if q.notifier == nil {
		return
	}
	q.notifyWG.Add(1)
	go func(ctx context.Context) {
		defer q.notifyWG.Done()
		if err := q.notifier.ItemQueued(ctx, it); err != nil {
			q.logger.Warn(ctx, "review notification failed", "review_id", it.ID, "err", err)
		}
	}(context.WithoutCancel(ctx))
}
