// Package realtime is a tree-structured key/value store with push ids,
// multi-path atomic updates, compare-and-swap transactions and live
// subscriptions. Paths are slash separated ("messages/a_b/-Nx...").
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sort"
	"strings"
	"time"
)

const (
	maxTransactionAttempts = 25
	maxRetryPause          = 50 * time.Millisecond
)

var (
	// ErrAborted is returned when a transaction handler aborts or the
	// compare-and-swap loop runs out of attempts.
	ErrAborted = errors.New("realtime: transaction aborted")
	// ErrInvalidPath is returned for paths with empty segments.
	ErrInvalidPath = errors.New("realtime: invalid path")
	// ErrOverlappingPaths is returned when one update path is an ancestor of another.
	ErrOverlappingPaths = errors.New("realtime: overlapping update paths")
)

// Query shapes the snapshot delivered to a subscriber.
type Query struct {
	OrderByChild string
	LimitToLast  int
}

// TransactionFunc receives the current value at a path (nil when absent) and
// returns the value to store. Returning nil removes the node; returning
// ErrAborted leaves it untouched.
type TransactionFunc func(current any) (any, error)

// Tree is the realtime sync primitive.
type Tree interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the subtree at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error
	// Update writes every relative path of values under base in one atomic step.
	Update(ctx context.Context, base string, values map[string]any) error
	// Push stores value under a new push id child of path and returns the id.
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	Transaction(ctx context.Context, path string, fn TransactionFunc) (Snapshot, error)
	// Increment atomically adds delta to the number at path and returns the
	// new value. A missing or non-numeric node counts as zero.
	Increment(ctx context.Context, path string, delta float64) (float64, error)
	// Subscribe delivers the current snapshot and every later change at path.
	// Deliveries for one subscription never overlap. The returned func detaches it.
	Subscribe(ctx context.Context, path string, q Query, fn func(Snapshot)) (func(), error)
	Close() error
}

// Snapshot is an immutable view of a node.
type Snapshot struct {
	Key   string
	Value any
	order []string
}

// Exists reports whether the node holds a value.
func (s Snapshot) Exists() bool { return s.Value != nil }

// DecodeTo decodes the value into dst through JSON.
func (s Snapshot) DecodeTo(dst any) error {
	if s.Value == nil {
		return fmt.Errorf("realtime: decode %q: no value", s.Key)
	}
	raw, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Children returns child snapshots in query order, or by key without a query.
// Push ids sort by creation time.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := s.order
	if keys == nil {
		keys = make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Key: k, Value: m[k]})
	}
	return out
}

// Child returns the node at a relative path.
func (s Snapshot) Child(path string) Snapshot {
	v := s.Value
	segs := splitPath(path)
	for _, seg := range segs {
		m, ok := v.(map[string]any)
		if !ok {
			v = nil
			break
		}
		v = m[seg]
	}
	key := s.Key
	if len(segs) > 0 {
		key = segs[len(segs)-1]
	}
	return Snapshot{Key: key, Value: v}
}

func (s Snapshot) equal(o Snapshot) bool {
	return reflect.DeepEqual(s.Value, o.Value) && reflect.DeepEqual(s.order, o.order)
}

// applyQuery orders children by a numeric or string child field and keeps the last n.
func applyQuery(s Snapshot, q Query) Snapshot {
	if q.OrderByChild == "" && q.LimitToLast <= 0 {
		return s
	}
	m, ok := s.Value.(map[string]any)
	if !ok {
		return s
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if q.OrderByChild != "" {
		sort.SliceStable(keys, func(i, j int) bool {
			return lessValue(childField(m[keys[i]], q.OrderByChild), childField(m[keys[j]], q.OrderByChild))
		})
	}
	if q.LimitToLast > 0 && len(keys) > q.LimitToLast {
		keys = keys[len(keys)-q.LimitToLast:]
	}
	windowed := make(map[string]any, len(keys))
	for _, k := range keys {
		windowed[k] = m[k]
	}
	return Snapshot{Key: s.Key, Value: windowed, order: keys}
}

func childField(v any, field string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m[field]
}

// lessValue orders nil < numbers < strings, like the managed database.
func lessValue(a, b any) bool {
	rank := func(v any) int {
		switch v.(type) {
		case nil:
			return 0
		case float64:
			return 1
		case string:
			return 2
		}
		return 3
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra < rb
	}
	switch x := a.(type) {
	case float64:
		return x < b.(float64)
	case string:
		return x < b.(string)
	}
	return false
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// cleanPath validates and normalizes a path. The root is "".
func cleanPath(path string) (string, error) {
	segs := splitPath(path)
	for _, seg := range segs {
		if seg == "" || strings.ContainsAny(seg, ".#$[]") {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return strings.Join(segs, "/"), nil
}

func joinPath(base, rel string) string {
	switch {
	case base == "":
		return rel
	case rel == "":
		return base
	}
	return base + "/" + rel
}

// overlaps reports whether a and b are the same node or one contains the other.
func overlaps(a, b string) bool {
	return a == b || a == "" || b == "" || strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// within reports whether p is path or below it.
func within(p, path string) bool {
	return path == "" || p == path || strings.HasPrefix(p, path+"/")
}

// ancestors returns the strict ancestors of p, root excluded, shallowest first.
func ancestors(p string) []string {
	segs := splitPath(p)
	out := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}

// normalize converts any value to its JSON data model (maps, slices, float64, string, bool).
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// flatten lists the leaves of value rooted at path. Empty maps and nulls produce no leaves.
func flatten(path string, value any, out map[string]any) {
	switch t := value.(type) {
	case nil:
		return
	case map[string]any:
		for k, child := range t {
			flatten(joinPath(path, k), child, out)
		}
	default:
		out[path] = t
	}
}

// build rebuilds the subtree at path from leaves keyed by absolute path.
func build(path string, leaves map[string]any) any {
	if v, ok := leaves[path]; ok {
		return v
	}
	var root map[string]any
	for p, v := range leaves {
		if !within(p, path) || p == path {
			continue
		}
		rel := splitPath(strings.TrimPrefix(p, path))
		if root == nil {
			root = map[string]any{}
		}
		node := root
		for _, seg := range rel[:len(rel)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[seg] = next
			}
			node = next
		}
		node[rel[len(rel)-1]] = v
	}
	if root == nil {
		return nil
	}
	return root
}

func lastSegment(path string) string {
	segs := splitPath(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// assignment is one normalized write: the subtree at path becomes value.
type assignment struct {
	path  string
	value any
}

// prepareUpdate validates the multi-path update and rejects overlapping paths.
func prepareUpdate(base string, values map[string]any) ([]assignment, error) {
	base, err := cleanPath(base)
	if err != nil {
		return nil, err
	}
	out := make([]assignment, 0, len(values))
	for rel, v := range values {
		rel, err := cleanPath(rel)
		if err != nil {
			return nil, err
		}
		if rel == "" {
			return nil, fmt.Errorf("%w: empty update path", ErrInvalidPath)
		}
		nv, err := normalize(v)
		if err != nil {
			return nil, err
		}
		out = append(out, assignment{path: joinPath(base, rel), value: nv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	// Sorting alone does not make overlaps adjacent ("a", "a-b", "a/c").
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if overlaps(out[i].path, out[j].path) {
				return nil, fmt.Errorf("%w: %q and %q", ErrOverlappingPaths, out[i].path, out[j].path)
			}
		}
	}
	return out, nil
}

func changedPaths(as []assignment) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.path
	}
	return out
}

// runTransaction is the compare-and-swap loop shared by both trees. read
// returns the current value; swap stores next only if the value is still
// expected and reports whether it did.
func runTransaction(
	ctx context.Context,
	path string,
	fn TransactionFunc,
	read func(ctx context.Context) (any, error),
	swap func(ctx context.Context, expected, next any) (bool, error),
) (Snapshot, error) {
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		current, err := read(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		next, err := fn(deepCopy(current))
		if err != nil {
			return Snapshot{}, err
		}
		next, err = normalize(next)
		if err != nil {
			return Snapshot{}, err
		}
		ok, err := swap(ctx, current, next)
		if err != nil {
			return Snapshot{}, err
		}
		if ok {
			return Snapshot{Key: lastSegment(path), Value: next}, nil
		}
		observeRetry()
		if err := retryPause(ctx, attempt); err != nil {
			return Snapshot{}, err
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %d attempts at %q", ErrAborted, maxTransactionAttempts, path)
}

// retryPause sleeps a random share of a window that doubles per attempt,
// so contending writers stop colliding in lockstep.
func retryPause(ctx context.Context, attempt int) error {
	window := min(time.Millisecond<<min(attempt, 16), maxRetryPause)
	timer := time.NewTimer(rand.N(window) + 1)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	}
	return v
}
