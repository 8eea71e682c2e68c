package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hearth/internal/observability"
)

// ErrMiss is returned by KV stores for absent keys.
var ErrMiss = errors.New("cache: miss")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("cache: closed")

// KV is a byte-oriented persistent store used as one tier of LocalCache.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// DefaultSmallMaxBytes is the envelope size below which entries go to the small tier.
const DefaultSmallMaxBytes = 2048

type envelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt int64           `json:"storedAt"`
	TTL      int64           `json:"ttlMs"`
}

func (e envelope) expired(now time.Time) bool {
	return e.TTL > 0 && now.UnixMilli() >= e.StoredAt+e.TTL
}

type opKind int

const (
	opSet opKind = iota
	opDelete
	opClear
	opBarrier
)

type largeOp struct {
	kind  opKind
	key   string
	value []byte
	done  chan error
}

// LocalCacheConfig configures a LocalCache.
type LocalCacheConfig struct {
	Small         KV
	Large         KV
	SmallMaxBytes int
	DefaultTTL    time.Duration
	QueueSize     int
	Now           func() time.Time
}

// LocalCache is a two-tier persistent cache. Envelopes smaller than SmallMaxBytes
// are written synchronously to the small store; larger ones are handed to a
// background writer for the large store. Reads check small first, then large.
type LocalCache struct {
	small      KV
	large      KV
	smallMax   int
	defaultTTL time.Duration
	now        func() time.Time

	ops       chan largeOp
	closeOnce sync.Once
	closed    chan struct{}
	stopped   chan struct{}
}

// NewLocalCache starts the large-tier writer and returns the cache.
func NewLocalCache(cfg LocalCacheConfig) *LocalCache {
	c := &LocalCache{
		small:      cfg.Small,
		large:      cfg.Large,
		smallMax:   DefaultSmallMaxBytes,
		defaultTTL: 24 * time.Hour,
		now:        time.Now,
		closed:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if c.small == nil {
		c.small = NewMapKV()
	}
	if c.large == nil {
		c.large = NewMapKV()
	}
	if cfg.SmallMaxBytes > 0 {
		c.smallMax = cfg.SmallMaxBytes
	}
	if cfg.DefaultTTL > 0 {
		c.defaultTTL = cfg.DefaultTTL
	}
	if cfg.Now != nil {
		c.now = cfg.Now
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	c.ops = make(chan largeOp, queue)
	go c.run()
	return c
}

func (c *LocalCache) run() {
	defer close(c.stopped)
	for {
		select {
		case op := <-c.ops:
			c.apply(op)
		case <-c.closed:
			for {
				select {
				case op := <-c.ops:
					c.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (c *LocalCache) apply(op largeOp) {
	ctx := context.Background()
	var err error
	switch op.kind {
	case opSet:
		err = c.large.Set(ctx, op.key, op.value)
	case opDelete:
		err = c.large.Delete(ctx, op.key)
	case opClear:
		err = c.large.Clear(ctx)
	}
	if err != nil && op.done == nil {
		slog.Warn("local cache large-tier write failed", slog.String("key", op.key), slog.String("error", err.Error()))
	}
	if op.done != nil {
		op.done <- err
	}
}

func (c *LocalCache) enqueue(ctx context.Context, op largeOp) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueWait runs op on the writer goroutine and waits for it, so it is
// ordered after every write queued before it.
func (c *LocalCache) enqueueWait(ctx context.Context, op largeOp) error {
	op.done = make(chan error, 1)
	if err := c.enqueue(ctx, op); err != nil {
		return err
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set stores value under key with ttl (the default TTL when ttl <= 0).
func (c *LocalCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	env, err := json.Marshal(envelope{Value: raw, StoredAt: c.now().UnixMilli(), TTL: ttl.Milliseconds()})
	if err != nil {
		return fmt.Errorf("encode cache envelope: %w", err)
	}

	if len(env) < c.smallMax {
		if err := c.small.Set(ctx, key, env); err != nil {
			return err
		}
		// Drop any older copy that was large enough to live in the other tier.
		return c.enqueue(ctx, largeOp{kind: opDelete, key: key})
	}

	if err := c.small.Delete(ctx, key); err != nil && !errors.Is(err, ErrMiss) {
		return err
	}
	return c.enqueue(ctx, largeOp{kind: opSet, key: key, value: env})
}

// Get decodes the entry under key into dst. It returns false on a miss or an expired entry.
func (c *LocalCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	env, ok, err := c.lookup(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if dst != nil {
		if err := json.Unmarshal(env.Value, dst); err != nil {
			return false, fmt.Errorf("decode cache value: %w", err)
		}
	}
	return true, nil
}

// Has reports whether a live entry exists under key.
func (c *LocalCache) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.lookup(ctx, key)
	return ok, err
}

func (c *LocalCache) lookup(ctx context.Context, key string) (envelope, bool, error) {
	tiers := []struct {
		name string
		kv   KV
	}{{"local_small", c.small}, {"local_large", c.large}}

	for _, tier := range tiers {
		raw, err := tier.kv.Get(ctx, key)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			return envelope{}, false, err
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = tier.kv.Delete(ctx, key)
			return envelope{}, false, nil
		}
		if env.expired(c.now()) {
			observability.CacheLookups.WithLabelValues(tier.name, "expired").Inc()
			_ = tier.kv.Delete(ctx, key)
			return envelope{}, false, nil
		}
		observability.CacheLookups.WithLabelValues(tier.name, "hit").Inc()
		return env, true, nil
	}
	observability.CacheLookups.WithLabelValues("local", "miss").Inc()
	return envelope{}, false, nil
}

// Delete removes key from both tiers.
func (c *LocalCache) Delete(ctx context.Context, key string) error {
	if err := c.small.Delete(ctx, key); err != nil && !errors.Is(err, ErrMiss) {
		return err
	}
	return c.enqueueWait(ctx, largeOp{kind: opDelete, key: key})
}

// Clear empties both tiers.
func (c *LocalCache) Clear(ctx context.Context) error {
	if err := c.small.Clear(ctx); err != nil {
		return err
	}
	return c.enqueueWait(ctx, largeOp{kind: opClear})
}

// Flush waits until every queued large-tier write has been applied.
func (c *LocalCache) Flush(ctx context.Context) error {
	return c.enqueueWait(ctx, largeOp{kind: opBarrier})
}

// Close drains pending writes and stops the writer.
func (c *LocalCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	<-c.stopped
	return nil
}

// MapKV is an in-process KV, used when no persistent tier is configured and in tests.
type MapKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMapKV returns an empty MapKV.
func NewMapKV() *MapKV {
	return &MapKV{data: make(map[string][]byte)}
}

func (m *MapKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

func (m *MapKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MapKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MapKV) Clear(_ context.Context) error {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (m *MapKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
