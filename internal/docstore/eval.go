package docstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// applyFields merges fields into data, resolving Increment transforms.
func applyFields(data, fields map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(fields))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range fields {
		if inc, ok := v.(Increment); ok {
			cur, _ := toFloat(out[k])
			out[k] = cur + float64(inc)
			continue
		}
		out[k] = v
	}
	return out
}

// stripTransforms replaces Increment values by their plain amount, used when a
// field is written into a document that does not exist yet.
func stripTransforms(fields map[string]any) map[string]any {
	return applyFields(nil, fields)
}

func matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(data[f.Field], f) {
			return false
		}
	}
	return true
}

func matchOne(v any, f Filter) bool {
	switch f.Op {
	case OpEqual:
		return equal(v, f.Value)
	case OpIn:
		rv := reflect.ValueOf(f.Value)
		if rv.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if equal(v, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	case OpArrayContains:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if equal(item, f.Value) {
				return true
			}
		}
		return false
	}

	c, ok := compare(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	}
	return false
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two scalars of the same family (numbers, strings, bools).
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case Increment:
		return float64(n), true
	}
	return 0, false
}

// evaluate filters, orders and limits documents in process.
func evaluate(docs []Document, q Query) []Document {
	out := docs[:0:0]
	for _, d := range docs {
		if matches(d.Data, q.Filters) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy == "" {
			return out[i].ID < out[j].ID
		}
		c, ok := compare(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
		if !ok || c == 0 {
			return out[i].ID < out[j].ID
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func validateWrite(w Write) error {
	if w.Collection == "" || w.ID == "" {
		return fmt.Errorf("%w: needs a collection and an id (got %q/%q)", ErrInvalidWrite, w.Collection, w.ID)
	}
	return nil
}
