package realtime

import (
	"context"
	"reflect"
	"sync"
)

// MemoryTree is an in-process Tree for tests and single-node runs.
type MemoryTree struct {
	mu        sync.RWMutex
	leaves    map[string]any
	listeners *listeners
}

// NewMemoryTree returns an empty tree.
func NewMemoryTree() *MemoryTree {
	return &MemoryTree{leaves: map[string]any{}, listeners: newListeners()}
}

func (t *MemoryTree) read(path string) any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return deepCopy(build(path, t.leaves))
}

func (t *MemoryTree) Get(_ context.Context, path string) (Snapshot, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	observeOp("get")
	return Snapshot{Key: lastSegment(path), Value: t.read(path)}, nil
}

// applyLocked replaces each assignment's subtree, clearing leaf ancestors.
func (t *MemoryTree) applyLocked(as []assignment) {
	for _, a := range as {
		if a.value != nil {
			for _, anc := range ancestors(a.path) {
				delete(t.leaves, anc)
			}
		}
		for p := range t.leaves {
			if within(p, a.path) {
				delete(t.leaves, p)
			}
		}
		flatten(a.path, a.value, t.leaves)
	}
}

func (t *MemoryTree) apply(as []assignment) {
	t.mu.Lock()
	t.applyLocked(as)
	t.mu.Unlock()
	t.listeners.changed(changedPaths(as))
}

func (t *MemoryTree) Set(_ context.Context, path string, value any) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	observeOp("set")
	t.apply([]assignment{{path: path, value: v}})
	return nil
}

func (t *MemoryTree) Update(_ context.Context, base string, values map[string]any) error {
	as, err := prepareUpdate(base, values)
	if err != nil {
		return err
	}
	observeOp("update")
	t.apply(as)
	return nil
}

func (t *MemoryTree) Push(ctx context.Context, path string, value any) (string, error) {
	path, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	id := NewPushID()
	return id, t.Set(ctx, joinPath(path, id), value)
}

func (t *MemoryTree) Remove(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

func (t *MemoryTree) Transaction(ctx context.Context, path string, fn TransactionFunc) (Snapshot, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	observeOp("transaction")
	return runTransaction(ctx, path, fn,
		func(context.Context) (any, error) { return t.read(path), nil },
		func(_ context.Context, expected, next any) (bool, error) {
			t.mu.Lock()
			if !reflect.DeepEqual(build(path, t.leaves), expected) {
				t.mu.Unlock()
				return false, nil
			}
			t.applyLocked([]assignment{{path: path, value: next}})
			t.mu.Unlock()
			t.listeners.changed([]string{path})
			return true, nil
		},
	)
}

func (t *MemoryTree) Increment(_ context.Context, path string, delta float64) (float64, error) {
	path, err := cleanPath(path)
	if err != nil {
		return 0, err
	}
	observeOp("increment")
	t.mu.Lock()
	current, _ := build(path, t.leaves).(float64)
	next := current + delta
	t.applyLocked([]assignment{{path: path, value: next}})
	t.mu.Unlock()
	t.listeners.changed([]string{path})
	return next, nil
}

func (t *MemoryTree) Subscribe(ctx context.Context, path string, q Query, fn func(Snapshot)) (func(), error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	observeOp("subscribe")
	return t.listeners.add(ctx, path, q, fn, t.Get), nil
}

func (t *MemoryTree) Close() error {
	t.listeners.closeAll()
	return nil
}
