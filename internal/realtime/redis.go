package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"sync"

	"hearth/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errStale = errors.New("realtime: value changed")

// incrementScript adds ARGV[2] to the numeric leaf ARGV[1] in one server-side
// step. It clears descendants (between ARGV[3] and ARGV[4] in the index) and
// the leaf ancestors listed from ARGV[7], bumps every version key from
// KEYS[3] and publishes ARGV[6] on channel ARGV[5].
var incrementScript = redis.NewScript(`
local leaves, index, path = KEYS[1], KEYS[2], ARGV[1]
local current = tonumber(redis.call('HGET', leaves, path) or '0') or 0
local below = redis.call('ZRANGEBYLEX', index, ARGV[3], ARGV[4])
for _, p in ipairs(below) do
  redis.call('HDEL', leaves, p)
  redis.call('ZREM', index, p)
end
for i = 7, #ARGV do
  redis.call('HDEL', leaves, ARGV[i])
  redis.call('ZREM', index, ARGV[i])
end
local nextValue = current + tonumber(ARGV[2])
redis.call('HSET', leaves, path, tostring(nextValue))
redis.call('ZADD', index, 0, path)
for i = 3, #KEYS do
  redis.call('INCR', KEYS[i])
end
redis.call('PUBLISH', ARGV[5], ARGV[6])
return tostring(nextValue)
`)

// RedisTree stores every leaf of the tree as a JSON value in one hash, with
// a lexicographic index for subtree scans. Writers bump per-node version
// keys that transactions WATCH, and publish the changed paths so that every
// process wakes its own subscribers.
type RedisTree struct {
	rdb       *redis.Client
	prefix    string
	origin    string
	listeners *listeners

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type changeEvent struct {
	Origin string   `json:"origin"`
	Paths  []string `json:"paths"`
}

// NewRedisTree subscribes to the change channel and returns the tree.
func NewRedisTree(ctx context.Context, rdb *redis.Client, prefix string) (*RedisTree, error) {
	if prefix == "" {
		prefix = "rt"
	}
	t := &RedisTree{
		rdb:       rdb,
		prefix:    prefix,
		origin:    uuid.NewString(),
		listeners: newListeners(),
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.pubsub = rdb.Subscribe(runCtx, t.channel())
	if _, err := t.pubsub.Receive(ctx); err != nil {
		cancel()
		_ = t.pubsub.Close()
		return nil, fmt.Errorf("subscribe to realtime changes: %w", err)
	}

	t.wg.Add(1)
	go t.listen(runCtx)
	return t, nil
}

func (t *RedisTree) leavesKey() string      { return t.prefix + ":leaves" }
func (t *RedisTree) indexKey() string       { return t.prefix + ":index" }
func (t *RedisTree) channel() string        { return t.prefix + ":changes" }
func (t *RedisTree) subKey(p string) string { return t.prefix + ":sub:" + p }
func (t *RedisTree) setKey(p string) string { return t.prefix + ":set:" + p }

func (t *RedisTree) listen(ctx context.Context) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			observability.GlobalLogger.Error("realtime change listener panicked", slog.Any("panic", r))
		}
	}()

	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt changeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				observability.GlobalLogger.Warn("bad realtime change event", slog.String("error", err.Error()))
				continue
			}
			if evt.Origin == t.origin {
				continue
			}
			t.listeners.changed(evt.Paths)
		}
	}
}

// guards are the version keys a write or transaction at p must WATCH:
// changes at or below p, and replacements of p or any ancestor.
func (t *RedisTree) guards(p string) []string {
	keys := []string{t.subKey(p), t.setKey("")}
	for _, a := range ancestors(p) {
		keys = append(keys, t.setKey(a))
	}
	if p != "" {
		keys = append(keys, t.setKey(p))
	}
	return keys
}

// readLeaves loads the leaves at or below p.
func (t *RedisTree) readLeaves(ctx context.Context, c redis.Cmdable, p string) (map[string]any, error) {
	var paths []string
	if p == "" {
		all, err := c.ZRangeByLex(ctx, t.indexKey(), &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
		if err != nil {
			return nil, err
		}
		paths = all
	} else {
		below, err := c.ZRangeByLex(ctx, t.indexKey(), &redis.ZRangeBy{Min: "[" + p + "/", Max: "(" + p + "/\xff"}).Result()
		if err != nil {
			return nil, err
		}
		paths = append([]string{p}, below...)
	}
	return t.loadLeaves(ctx, c, paths)
}

func (t *RedisTree) loadLeaves(ctx context.Context, c redis.Cmdable, paths []string) (map[string]any, error) {
	leaves := make(map[string]any, len(paths))
	if len(paths) == 0 {
		return leaves, nil
	}
	raw, err := c.HMGet(ctx, t.leavesKey(), paths...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("decode leaf %q: %w", paths[i], err)
		}
		leaves[paths[i]] = decoded
	}
	return leaves, nil
}

func (t *RedisTree) Get(ctx context.Context, path string) (Snapshot, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	observeOp("get")
	leaves, err := t.readLeaves(ctx, t.rdb, path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Key: lastSegment(path), Value: build(path, leaves)}, nil
}

// write applies assignments atomically inside an optimistic transaction.
// check, when set, runs after WATCH and may veto the write with errStale.
func (t *RedisTree) write(ctx context.Context, as []assignment, check func(tx *redis.Tx) error) error {
	var keys []string
	for _, a := range as {
		keys = append(keys, t.guards(a.path)...)
	}

	txf := func(tx *redis.Tx) error {
		if check != nil {
			if err := check(tx); err != nil {
				return err
			}
		}

		type plan struct {
			remove []string
			set    map[string]any
		}
		plans := make([]plan, 0, len(as))
		for _, a := range as {
			existing, err := t.readLeaves(ctx, tx, a.path)
			if err != nil {
				return err
			}
			pl := plan{set: map[string]any{}}
			for p := range existing {
				pl.remove = append(pl.remove, p)
			}
			if a.value != nil {
				anc, err := t.loadLeaves(ctx, tx, ancestors(a.path))
				if err != nil {
					return err
				}
				for p := range anc {
					pl.remove = append(pl.remove, p)
				}
			}
			flatten(a.path, a.value, pl.set)
			plans = append(plans, pl)
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, pl := range plans {
				if len(pl.remove) > 0 {
					pipe.HDel(ctx, t.leavesKey(), pl.remove...)
					members := make([]interface{}, len(pl.remove))
					for j, p := range pl.remove {
						members[j] = p
					}
					pipe.ZRem(ctx, t.indexKey(), members...)
				}
				for p, v := range pl.set {
					raw, err := json.Marshal(v)
					if err != nil {
						return err
					}
					pipe.HSet(ctx, t.leavesKey(), p, raw)
					pipe.ZAdd(ctx, t.indexKey(), redis.Z{Score: 0, Member: p})
				}
				p := as[i].path
				pipe.Incr(ctx, t.setKey(p))
				pipe.Incr(ctx, t.subKey(""))
				for _, a := range ancestors(p) {
					pipe.Incr(ctx, t.subKey(a))
				}
				if p != "" {
					pipe.Incr(ctx, t.subKey(p))
				}
			}
			evt, err := json.Marshal(changeEvent{Origin: t.origin, Paths: changedPaths(as)})
			if err != nil {
				return err
			}
			pipe.Publish(ctx, t.channel(), evt)
			return nil
		})
		return err
	}

	// A blind write only loses a race to another writer that made progress,
	// so it keeps retrying until ctx ends. Compare-and-swap callers get
	// errStale and count attempts themselves.
	for attempt := 0; ; attempt++ {
		err := t.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			observeRetry()
			if check != nil {
				return errStale
			}
			if err := retryPause(ctx, attempt); err != nil {
				return fmt.Errorf("%w: write contention at %v: %v", ErrAborted, changedPaths(as), err)
			}
			continue
		}
		if err != nil {
			return err
		}
		t.listeners.changed(changedPaths(as))
		return nil
	}
}

func (t *RedisTree) Set(ctx context.Context, path string, value any) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	observeOp("set")
	return t.write(ctx, []assignment{{path: path, value: v}}, nil)
}

func (t *RedisTree) Update(ctx context.Context, base string, values map[string]any) error {
	as, err := prepareUpdate(base, values)
	if err != nil {
		return err
	}
	observeOp("update")
	return t.write(ctx, as, nil)
}

func (t *RedisTree) Push(ctx context.Context, path string, value any) (string, error) {
	path, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	id := NewPushID()
	return id, t.Set(ctx, joinPath(path, id), value)
}

func (t *RedisTree) Remove(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

// Transaction is a WATCH-guarded compare-and-swap loop on the subtree at path.
func (t *RedisTree) Transaction(ctx context.Context, path string, fn TransactionFunc) (Snapshot, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	observeOp("transaction")
	return runTransaction(ctx, path, fn,
		func(ctx context.Context) (any, error) {
			leaves, err := t.readLeaves(ctx, t.rdb, path)
			if err != nil {
				return nil, err
			}
			return build(path, leaves), nil
		},
		func(ctx context.Context, expected, next any) (bool, error) {
			err := t.write(ctx, []assignment{{path: path, value: next}}, func(tx *redis.Tx) error {
				leaves, err := t.readLeaves(ctx, tx, path)
				if err != nil {
					return err
				}
				if !reflect.DeepEqual(build(path, leaves), expected) {
					return errStale
				}
				return nil
			})
			if errors.Is(err, errStale) {
				return false, nil
			}
			return err == nil, err
		},
	)
}

// Increment runs server side, so concurrent increments never retry or lose updates.
func (t *RedisTree) Increment(ctx context.Context, path string, delta float64) (float64, error) {
	path, err := cleanPath(path)
	if err != nil {
		return 0, err
	}
	if path == "" {
		return 0, fmt.Errorf("%w: cannot increment the root", ErrInvalidPath)
	}
	observeOp("increment")

	anc := ancestors(path)
	keys := []string{t.leavesKey(), t.indexKey(), t.setKey(path), t.subKey(""), t.subKey(path)}
	for _, a := range anc {
		keys = append(keys, t.subKey(a))
	}
	evt, err := json.Marshal(changeEvent{Origin: t.origin, Paths: []string{path}})
	if err != nil {
		return 0, err
	}
	args := []interface{}{path, strconv.FormatFloat(delta, 'f', -1, 64), "[" + path + "/", "(" + path + "/\xff", t.channel(), string(evt)}
	for _, a := range anc {
		args = append(args, a)
	}

	raw, err := incrementScript.Run(ctx, t.rdb, keys, args...).Text()
	if err != nil {
		return 0, err
	}
	next, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("decode counter %q: %w", path, err)
	}
	t.listeners.changed([]string{path})
	return next, nil
}

func (t *RedisTree) Subscribe(ctx context.Context, path string, q Query, fn func(Snapshot)) (func(), error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	observeOp("subscribe")
	return t.listeners.add(ctx, path, q, fn, t.Get), nil
}

// Close detaches every subscriber and stops the change listener.
func (t *RedisTree) Close() error {
	t.listeners.closeAll()
	t.cancel()
	err := t.pubsub.Close()
	t.wg.Wait()
	return err
}
