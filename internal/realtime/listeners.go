package realtime

import (
	"context"
	"log/slog"
	"sync"

	"hearth/internal/observability"
)

func observeOp(op string) {
	observability.RealtimeOps.WithLabelValues(op).Inc()
}

func observeRetry() {
	observability.RealtimeTxRetries.Inc()
}

// subscription delivers coalesced change signals from its own goroutine, so
// callbacks run outside every tree lock and never overlap.
type subscription struct {
	path   string
	query  Query
	fn     func(Snapshot)
	fetch  func(ctx context.Context, path string) (Snapshot, error)
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run(ctx context.Context) {
	var last *Snapshot
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.signal:
		}

		snap, err := s.fetch(ctx, s.path)
		if err != nil {
			if ctx.Err() == nil {
				observability.GlobalLogger.Warn("realtime subscription read failed",
					slog.String("path", s.path),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		snap = applyQuery(snap, s.query)
		if last != nil && last.equal(snap) {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		last = &snap
		s.fn(snap)
	}
}

// listeners is the in-process registry shared by both trees.
type listeners struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

func newListeners() *listeners {
	return &listeners{subs: map[int]*subscription{}}
}

func (l *listeners) add(ctx context.Context, path string, q Query, fn func(Snapshot), fetch func(context.Context, string) (Snapshot, error)) func() {
	sub := &subscription{
		path:   path,
		query:  q,
		fn:     fn,
		fetch:  fetch,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = sub
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unsubscribe := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		sub.stop()
		cancel()
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.done:
		}
	}()
	go sub.run(runCtx)
	sub.notify()
	return unsubscribe
}

// changed wakes every subscription whose path overlaps one of paths.
func (l *listeners) changed(paths []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		for _, p := range paths {
			if overlaps(sub.path, p) {
				sub.notify()
				break
			}
		}
	}
}

func (l *listeners) closeAll() {
	l.mu.Lock()
	subs := l.subs
	l.subs = map[int]*subscription{}
	l.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}
