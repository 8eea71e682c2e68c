// Package batch coalesces document writes into size- or time-windowed atomic commits.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hearth/internal/docstore"
	"hearth/internal/observability"
)

const (
	// DefaultMaxBatch is the document store's write-batch limit.
	DefaultMaxBatch = 500
	// DefaultDelay is the debounce measured from the most recent enqueue.
	DefaultDelay = 500 * time.Millisecond
)

// Committer applies a chunk of writes atomically.
type Committer interface {
	Commit(ctx context.Context, writes []docstore.Write) error
}

// Options tune a Writer.
type Options struct {
	MaxBatch int
	Delay    time.Duration
	// OnCommit runs after each successfully committed chunk.
	OnCommit func(writes []docstore.Write)
}

// Writer queues writes and commits them in chunks.
type Writer struct {
	committer Committer
	maxBatch  int
	delay     time.Duration
	onCommit  func([]docstore.Write)

	mu      sync.Mutex
	queue   []docstore.Write
	timer   *time.Timer
	closed  bool
	flushMu sync.Mutex
}

// NewWriter builds a Writer; zero options take the defaults.
func NewWriter(committer Committer, opts Options) *Writer {
	if opts.MaxBatch <= 0 || opts.MaxBatch > DefaultMaxBatch {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	return &Writer{
		committer: committer,
		maxBatch:  opts.MaxBatch,
		delay:     opts.Delay,
		onCommit:  opts.OnCommit,
	}
}

// Add enqueues a set (or merge) of one document.
func (w *Writer) Add(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	return w.Enqueue(ctx, docstore.Write{Kind: docstore.WriteSet, Collection: collection, ID: id, Data: data, Merge: merge})
}

// Enqueue queues any write. Reaching the batch capacity flushes synchronously.
func (w *Writer) Enqueue(ctx context.Context, write docstore.Write) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.committer.Commit(ctx, []docstore.Write{write})
	}
	w.queue = append(w.queue, write)
	observability.BatchPending.Set(float64(len(w.queue)))
	full := len(w.queue) >= w.maxBatch
	if full {
		w.stopTimerLocked()
	} else {
		w.armTimerLocked()
	}
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

func (w *Writer) armTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.flushFromTimer)
}

func (w *Writer) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Writer) flushFromTimer() {
	if err := w.Flush(context.Background()); err != nil {
		observability.GlobalLogger.Warn("batch flush failed",
			slog.String("error", err.Error()),
			slog.Int("pending", w.Pending()),
		)
	}
}

// Flush commits the queue in MaxBatch chunks. A failed chunk and every chunk
// after it go back to the front of the queue and the first error is returned.
// Writes that fail permanently (a missing document for an update, an invalid
// write) are dropped instead, so they cannot wedge the queue.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	pending := w.queue
	w.queue = nil
	w.stopTimerLocked()
	w.mu.Unlock()

	for start := 0; start < len(pending); start += w.maxBatch {
		end := min(start+w.maxBatch, len(pending))
		chunk := pending[start:end]
		err := w.committer.Commit(ctx, chunk)
		if err == nil {
			w.committed(chunk)
			continue
		}
		failedAt := start
		if docstore.IsPermanent(err) {
			var n int
			n, err = w.commitEach(ctx, chunk)
			if err == nil {
				continue
			}
			failedAt += n
		}
		observability.BatchFlushes.WithLabelValues("failed").Inc()
		w.requeue(pending[failedAt:])
		return err
	}

	w.mu.Lock()
	observability.BatchPending.Set(float64(len(w.queue)))
	w.mu.Unlock()
	return nil
}

// commitEach splits a chunk that failed permanently into single writes so
// that one write that can never apply does not block the rest. Permanent
// failures are dropped. On the first transient failure it returns how many
// writes of the chunk were handled before it.
func (w *Writer) commitEach(ctx context.Context, chunk []docstore.Write) (int, error) {
	for i, write := range chunk {
		err := w.committer.Commit(ctx, []docstore.Write{write})
		switch {
		case err == nil:
			w.committed(chunk[i : i+1])
		case docstore.IsPermanent(err):
			observability.BatchFlushes.WithLabelValues("dropped").Inc()
			observability.GlobalLogger.Warn("batch write dropped",
				slog.String("collection", write.Collection),
				slog.String("id", write.ID),
				slog.String("error", err.Error()),
			)
		default:
			return i, err
		}
	}
	return len(chunk), nil
}

func (w *Writer) committed(chunk []docstore.Write) {
	observability.BatchFlushes.WithLabelValues("ok").Inc()
	observability.BatchWrites.Add(float64(len(chunk)))
	if w.onCommit != nil {
		w.onCommit(chunk)
	}
}

func (w *Writer) requeue(failed []docstore.Write) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(append([]docstore.Write(nil), failed...), w.queue...)
	observability.BatchPending.Set(float64(len(w.queue)))
}

// Pending reports how many writes are queued.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Close stops the debounce timer and flushes what is left. Later writes
// are committed immediately.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.stopTimerLocked()
	w.mu.Unlock()
	return w.Flush(ctx)
}
