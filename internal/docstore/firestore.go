package docstore

import (
	"context"
	"errors"
	"fmt"

	"hearth/internal/observability"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is the managed document database adapter.
type FirestoreStore struct {
	client *firestore.Client
}

// FirestoreOptions builds client options from configuration. Without a
// credentials file the client uses application default credentials (or
// FIRESTORE_EMULATOR_HOST).
func FirestoreOptions(credentialsFile string) []option.ClientOption {
	if credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
}

// NewFirestoreStore connects to the Firestore project.
func NewFirestoreStore(ctx context.Context, projectID string, opts ...option.ClientOption) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("firestore project id cannot be empty")
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func translateFirestore(err error) error {
	switch status.Code(err) {
	case codes.OK:
		return err
	case codes.NotFound:
		return ErrNotFound
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

// firestoreData converts Increment transforms into Firestore field transforms.
func firestoreData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if inc, ok := v.(Increment); ok {
			out[k] = firestore.Increment(int64(inc))
			continue
		}
		out[k] = v
	}
	return out
}

func firestoreUpdates(fields map[string]any) []firestore.Update {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range firestoreData(fields) {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	return updates
}

func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	ctx, span := observability.StartDocSpan(ctx, "firestore", "get", collection)
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		err = translateFirestore(err)
		observability.EndSpan(span, ignoreNotFound(err))
		return nil, err
	}
	observability.EndSpan(span, nil)
	return &Document{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

func (s *FirestoreStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ctx, span := observability.StartDocSpan(ctx, "firestore", "set", collection)
	ref := s.client.Collection(collection).Doc(id)
	var err error
	if merge {
		_, err = ref.Set(ctx, firestoreData(data), firestore.MergeAll)
	} else {
		_, err = ref.Set(ctx, stripTransforms(data))
	}
	err = translateFirestore(err)
	observability.EndSpan(span, err)
	return err
}

func (s *FirestoreStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	ctx, span := observability.StartDocSpan(ctx, "firestore", "update", collection)
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, firestoreUpdates(fields))
	err = translateFirestore(err)
	observability.EndSpan(span, ignoreNotFound(err))
	return err
}

func (s *FirestoreStore) Delete(ctx context.Context, collection, id string) error {
	ctx, span := observability.StartDocSpan(ctx, "firestore", "delete", collection)
	_, err := s.client.Collection(collection).Doc(id).Delete(ctx)
	err = ignoreNotFound(translateFirestore(err))
	observability.EndSpan(span, err)
	return err
}

// Query pushes filters, ordering and limit to Firestore. Composite filters
// need the matching index to exist in the project.
func (s *FirestoreStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	ctx, span := observability.StartDocSpan(ctx, "firestore", "query", collection)
	fq := s.client.Collection(collection).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}

	snaps, err := fq.Documents(ctx).GetAll()
	if err != nil {
		err = translateFirestore(err)
		observability.EndSpan(span, err)
		return nil, err
	}
	docs := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	observability.EndSpan(span, nil)
	return docs, nil
}

// Commit runs the writes in a single Firestore transaction (500 writes max).
func (s *FirestoreStore) Commit(ctx context.Context, writes []Write) error {
	ctx, span := observability.StartDocSpan(ctx, "firestore", "commit", "")
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, w := range writes {
			if err := validateWrite(w); err != nil {
				return err
			}
			ref := s.client.Collection(w.Collection).Doc(w.ID)
			var err error
			switch w.Kind {
			case WriteDelete:
				err = tx.Delete(ref)
			case WriteUpdate:
				err = tx.Update(ref, firestoreUpdates(w.Data))
			default:
				if w.Merge {
					err = tx.Set(ref, firestoreData(w.Data), firestore.MergeAll)
				} else {
					err = tx.Set(ref, stripTransforms(w.Data))
				}
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	err = translateFirestore(err)
	observability.EndSpan(span, err)
	return err
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
