// Package repository provides the data access layer over the document store.
package repository

import (
	"context"
	"errors"
	"fmt"

	"hearth/internal/batch"
	"hearth/internal/cache"
	"hearth/internal/docstore"
	"hearth/internal/models"
	"hearth/internal/observability"

	"github.com/google/uuid"
)

type writeOptions struct {
	direct bool
}

// WriteOption changes how a Collection write is applied.
type WriteOption func(*writeOptions)

// Direct writes immediately instead of going through the batch writer.
// Use it when the caller reads the document back in the same flow.
func Direct() WriteOption {
	return func(o *writeOptions) { o.direct = true }
}

func resolve(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Collection is cached CRUD over one named collection of T documents.
// T is expected to carry its document id in a json "id" field.
type Collection[T any] struct {
	name   string
	store  docstore.Store
	cache  *cache.MemoryCache
	writer *batch.Writer
	log    *observability.DocLogger
}

// NewCollection builds a Collection. A nil writer makes every write direct.
func NewCollection[T any](name string, store docstore.Store, mem *cache.MemoryCache, writer *batch.Writer) *Collection[T] {
	if mem == nil {
		mem = cache.NewMemoryCache(cache.MemoryConfig{})
	}
	return &Collection[T]{
		name:   name,
		store:  store,
		cache:  mem,
		writer: writer,
		log:    observability.NewDocLogger(name),
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) translate(err error, id string) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return models.NewNotFoundError(c.name, id)
	case errors.Is(err, docstore.ErrPermissionDenied):
		return models.NewPermissionDeniedError(err)
	}
	c.log.LogError(context.Background(), err, "store")
	return models.NewInternalError(err)
}

func (c *Collection[T]) decode(doc docstore.Document) (T, error) {
	var v T
	data := make(map[string]any, len(doc.Data)+1)
	for k, val := range doc.Data {
		data[k] = val
	}
	data["id"] = doc.ID
	if err := (docstore.Document{ID: doc.ID, Data: data}).DataTo(&v); err != nil {
		return v, models.NewInternalError(err)
	}
	return v, nil
}

// GetByID reads through the memory cache.
func (c *Collection[T]) GetByID(ctx context.Context, id string) (*T, error) {
	key := cache.DocKey(c.name, id)
	if cached, ok := c.cache.Get(key); ok {
		v := cached.(T)
		return &v, nil
	}

	doc, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return nil, c.translate(err, id)
	}
	v, err := c.decode(*doc)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, v, cache.DocTTL)
	c.log.LogOp(ctx, "get", map[string]interface{}{"id": id})
	return &v, nil
}

// GetAll lists the collection, cached under the collection list prefix.
func (c *Collection[T]) GetAll(ctx context.Context) ([]T, error) {
	return c.Query(ctx, docstore.Query{})
}

// Query runs q. Unfiltered queries are cached; filtered ones always hit the store.
func (c *Collection[T]) Query(ctx context.Context, q docstore.Query) ([]T, error) {
	cacheable := len(q.Filters) == 0
	key := cache.DocListKey(c.name, fmt.Sprintf("order=%s,desc=%t,limit=%d", q.OrderBy, q.Desc, q.Limit))
	if cacheable {
		if cached, ok := c.cache.Get(key); ok {
			return append([]T(nil), cached.([]T)...), nil
		}
	}

	docs, err := c.store.Query(ctx, c.name, q)
	if err != nil {
		return nil, c.translate(err, "")
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := c.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if cacheable {
		c.cache.Set(key, append([]T(nil), out...), cache.DocListTTL)
	}
	c.log.LogOp(ctx, "query", map[string]interface{}{"filters": len(q.Filters), "results": len(out)})
	return out, nil
}

// Create stores v under id, generating a uuid when id is empty, and returns the id.
func (c *Collection[T]) Create(ctx context.Context, id string, v T, opts ...WriteOption) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return id, c.Set(ctx, id, v, opts...)
}

// Set replaces the document.
func (c *Collection[T]) Set(ctx context.Context, id string, v T, opts ...WriteOption) error {
	data, err := docstore.ToData(v)
	if err != nil {
		return models.NewInternalError(err)
	}
	data["id"] = id
	return c.write(ctx, docstore.Write{Kind: docstore.WriteSet, Collection: c.name, ID: id, Data: data}, opts)
}

// Merge merges top-level fields into the document, creating it when missing.
func (c *Collection[T]) Merge(ctx context.Context, id string, fields map[string]any, opts ...WriteOption) error {
	return c.write(ctx, docstore.Write{Kind: docstore.WriteSet, Collection: c.name, ID: id, Data: fields, Merge: true}, opts)
}

// Update changes fields of an existing document. docstore.Increment values are applied atomically.
func (c *Collection[T]) Update(ctx context.Context, id string, fields map[string]any, opts ...WriteOption) error {
	return c.write(ctx, docstore.Write{Kind: docstore.WriteUpdate, Collection: c.name, ID: id, Data: fields}, opts)
}

// Delete always writes directly.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	defer c.Invalidate(id)
	if err := c.store.Delete(ctx, c.name, id); err != nil {
		return c.translate(err, id)
	}
	c.log.LogOp(ctx, "delete", map[string]interface{}{"id": id})
	return nil
}

func (c *Collection[T]) write(ctx context.Context, w docstore.Write, opts []WriteOption) error {
	defer c.Invalidate(w.ID)
	if resolve(opts).direct || c.writer == nil {
		var err error
		switch w.Kind {
		case docstore.WriteUpdate:
			err = c.store.Update(ctx, w.Collection, w.ID, w.Data)
		default:
			err = c.store.Set(ctx, w.Collection, w.ID, w.Data, w.Merge)
		}
		if err != nil {
			return c.translate(err, w.ID)
		}
		c.log.LogOp(ctx, "write", map[string]interface{}{"id": w.ID, "direct": true})
		return nil
	}
	if err := c.writer.Enqueue(ctx, w); err != nil {
		return c.translate(err, w.ID)
	}
	return nil
}

// Invalidate drops the cached document and every cached list of the collection.
func (c *Collection[T]) Invalidate(id string) {
	c.cache.Invalidate(cache.DocKey(c.name, id))
	c.cache.InvalidatePrefix(cache.DocListPrefix(c.name))
}

// CacheInvalidator returns a batch.Options.OnCommit hook that drops cache
// entries of committed writes, so reads after a flush see the new data.
func CacheInvalidator(mem *cache.MemoryCache) func([]docstore.Write) {
	return func(writes []docstore.Write) {
		for _, w := range writes {
			mem.Invalidate(cache.DocKey(w.Collection, w.ID))
			mem.InvalidatePrefix(cache.DocListPrefix(w.Collection))
		}
	}
}
