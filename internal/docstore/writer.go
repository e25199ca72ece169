package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/go-core/log"
)

// WriterConfig tunes the write-behind worker.
type WriterConfig struct {
	// MaxTries bounds upsert attempts per record, including the first.
	MaxTries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration
}

// DefaultWriterConfig returns the stock retry budget.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MaxTries:       5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// WriterHooks are optional callbacks for observability.
type WriterHooks struct {
	// OnWrite fires once per record with the final outcome.
	OnWrite func(collection string, err error)
}

type docKey struct {
	collection string
	key        string
}

// Writer is a coalescing write-behind queue in front of a Store. Put
// never blocks. When the same key is put again before the worker reaches
// it, only the latest record is written.
type Writer struct {
	store  Store
	logger log.Logger
	cfg    WriterConfig
	hooks  WriterHooks

	mu      sync.Mutex
	pending map[docKey]Record
	order   []docKey
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewWriter starts the worker goroutine. Call Close to flush and stop it.
func NewWriter(store Store, logger log.Logger, cfg WriterConfig, hooks WriterHooks) *Writer {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 1
	}
	w := &Writer{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		hooks:   hooks,
		pending: make(map[docKey]Record),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Put queues rec for collection. Records put after Close are dropped.
func (w *Writer) Put(collection string, rec Record) {
	k := docKey{collection: collection, key: rec.Key}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn(context.Background(), "docstore writer closed, dropping record",
			"collection", collection, "key", rec.Key)
		return
	}
	if _, queued := w.pending[k]; !queued {
		w.order = append(w.order, k)
	}
	w.pending[k] = rec
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of records waiting to be written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops accepting records and waits for the queue to drain. If ctx
// expires first the remaining records are abandoned and ctx's error is
// returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stop)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("docstore flush: %w", ctx.Err())
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ctx := context.Background()
	for {
		select {
		case <-w.wake:
			w.drain(ctx)
		case <-w.stop:
			w.drain(ctx)
			return
		}
	}
}

// drain writes queued records until the queue is empty.
func (w *Writer) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.order) == 0 {
			w.mu.Unlock()
			return
		}
		k := w.order[0]
		w.order = w.order[1:]
		rec := w.pending[k]
		delete(w.pending, k)
		w.mu.Unlock()

		err := w.write(ctx, k.collection, rec)
		if err != nil {
			w.logger.Error(ctx, err, "docstore write failed, record dropped",
				"collection", k.collection,
				"key", rec.Key,
				"tries", w.cfg.MaxTries,
			)
		}
		if w.hooks.OnWrite != nil {
			w.hooks.OnWrite(k.collection, err)
		}
	}
}

func (w *Writer) write(ctx context.Context, collection string, rec Record) error {
	b := backoff.NewExponentialBackOff()
	if w.cfg.InitialBackoff > 0 {
		b.InitialInterval = w.cfg.InitialBackoff
	}
	if w.cfg.MaxBackoff > 0 {
		b.MaxInterval = w.cfg.MaxBackoff
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.store.Upsert(ctx, collection, rec)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.MaxTries)),
	)
	return err
}
