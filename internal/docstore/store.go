// Package docstore abstracts the managed document database behind a small
// collection/document API with point reads, filtered queries and batched
// atomic writes.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrPermissionDenied is returned when the backend refuses access to a document.
	ErrPermissionDenied = errors.New("docstore: permission denied")
	// ErrInvalidWrite is returned for writes that can never be applied.
	ErrInvalidWrite = errors.New("docstore: invalid write")
)

// IsPermanent reports whether retrying the same write cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrInvalidWrite)
}

// Op is a query filter operator.
type Op string

const (
	OpEqual          Op = "=="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="
	OpIn             Op = "in"
	OpArrayContains  Op = "array-contains"
)

// Filter restricts a query to documents whose Field compares to Value by Op.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents in a collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Where returns a copy of q with one more filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// PrefixRange returns the pair of filters selecting string values of field that start with prefix.
func PrefixRange(field, prefix string) []Filter {
	return []Filter{
		{Field: field, Op: OpGreaterOrEqual, Value: prefix},
		{Field: field, Op: OpLess, Value: prefix + ""},
	}
}

// Increment is a field transform for Update and batched update writes:
// the stored numeric value is increased by n (a missing field counts as zero).
type Increment int64

// Document is a stored document.
type Document struct {
	ID   string
	Data map[string]any
}

// DataTo decodes the document into dst through its JSON representation.
func (d Document) DataTo(dst any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// ToData converts a value into the map form stored by a Store.
func ToData(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteKind tells Commit what a Write does.
type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteUpdate
	WriteDelete
)

// Write is one element of an atomic batch.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Data       map[string]any
	Merge      bool
}

// Store is the document database.
type Store interface {
	// Get returns ErrNotFound for missing documents.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Set replaces the document, or merges top-level fields into it when merge is true.
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	// Update changes fields of an existing document and returns ErrNotFound when it is missing.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Commit applies all writes atomically.
	Commit(ctx context.Context, writes []Write) error
	Close() error
}
