package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hearth/internal/observability"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore maps collections onto MongoDB collections, keyed by _id.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects and pings the server.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// fromBSON turns decoded BSON into plain maps and slices.
func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = fromBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = fromBSON(item)
		}
		return out
	}
	return v
}

func mongoDocument(raw bson.M) Document {
	id, _ := raw["_id"].(string)
	delete(raw, "_id")
	data, _ := fromBSON(raw).(map[string]any)
	return Document{ID: id, Data: data}
}

// splitIncrements separates $set fields from $inc fields.
func splitIncrements(fields map[string]any) (bson.M, bson.M) {
	set, inc := bson.M{}, bson.M{}
	for k, v := range fields {
		if n, ok := v.(Increment); ok {
			inc[k] = int64(n)
			continue
		}
		set[k] = v
	}
	return set, inc
}

func updateDoc(fields map[string]any) bson.M {
	set, inc := splitIncrements(fields)
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	return update
}

func mongoFilter(filters []Filter) bson.M {
	filter := bson.M{}
	for _, f := range filters {
		var cond any
		switch f.Op {
		case OpEqual, OpArrayContains:
			filter[f.Field] = f.Value
			continue
		case OpIn:
			cond = bson.M{"$in": f.Value}
		case OpLess:
			cond = bson.M{"$lt": f.Value}
		case OpLessOrEqual:
			cond = bson.M{"$lte": f.Value}
		case OpGreater:
			cond = bson.M{"$gt": f.Value}
		case OpGreaterOrEqual:
			cond = bson.M{"$gte": f.Value}
		}
		existing, ok := filter[f.Field].(bson.M)
		if !ok {
			filter[f.Field] = cond
			continue
		}
		for k, v := range cond.(bson.M) {
			existing[k] = v
		}
	}
	return filter
}

func (s *MongoStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	ctx, span := observability.StartDocSpan(ctx, "mongo", "get", collection)
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		observability.EndSpan(span, nil)
		return nil, ErrNotFound
	}
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	doc := mongoDocument(raw)
	doc.ID = id
	return &doc, nil
}

func (s *MongoStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ctx, span := observability.StartDocSpan(ctx, "mongo", "set", collection)
	err := s.set(ctx, collection, id, data, merge)
	observability.EndSpan(span, err)
	return err
}

func (s *MongoStore) set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	coll := s.db.Collection(collection)
	if merge {
		_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, updateDoc(data), options.Update().SetUpsert(true))
		return err
	}
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, bson.M(stripTransforms(data)), options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	ctx, span := observability.StartDocSpan(ctx, "mongo", "update", collection)
	err := s.update(ctx, collection, id, fields)
	observability.EndSpan(span, ignoreNotFound(err))
	return err
}

func (s *MongoStore) update(ctx context.Context, collection, id string, fields map[string]any) error {
	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, updateDoc(fields))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, collection, id string) error {
	ctx, span := observability.StartDocSpan(ctx, "mongo", "delete", collection)
	_, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	observability.EndSpan(span, err)
	return err
}

func (s *MongoStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	ctx, span := observability.StartDocSpan(ctx, "mongo", "query", collection)
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.db.Collection(collection).Find(ctx, mongoFilter(q.Filters), opts)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	docs := make([]Document, 0, len(raws))
	for _, raw := range raws {
		docs = append(docs, mongoDocument(raw))
	}
	observability.EndSpan(span, nil)
	return docs, nil
}

// Commit runs the writes in a multi-document transaction, which needs a replica set.
func (s *MongoStore) Commit(ctx context.Context, writes []Write) error {
	ctx, span := observability.StartDocSpan(ctx, "mongo", "commit", "")
	session, err := s.client.StartSession()
	if err != nil {
		observability.EndSpan(span, err)
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, w := range writes {
			if err := validateWrite(w); err != nil {
				return nil, err
			}
			var err error
			switch w.Kind {
			case WriteDelete:
				_, err = s.db.Collection(w.Collection).DeleteOne(sc, bson.M{"_id": w.ID})
			case WriteUpdate:
				err = s.update(sc, w.Collection, w.ID, w.Data)
			default:
				err = s.set(sc, w.Collection, w.ID, w.Data, w.Merge)
			}
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	observability.EndSpan(span, err)
	return err
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
