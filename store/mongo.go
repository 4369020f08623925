package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// MongoCollection is the MongoDB driver. Filters and set values are passed to
// the server unmodified, so every MongoDB query operator is available.
type MongoCollection struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoCollection wraps an existing client. The client is closed by Close.
func NewMongoCollection(client *mongo.Client, database, collection string, logger *zap.Logger) *MongoCollection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoCollection{
		client: client,
		coll:   client.Database(database).Collection(collection),
		logger: logger,
	}
}

func dialMongo(ctx context.Context, cfg Config, logger *zap.Logger) (*MongoCollection, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI()).
		SetServerSelectionTimeout(cfg.Timeout).
		SetConnectTimeout(cfg.Timeout).
		SetTimeout(cfg.Timeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return NewMongoCollection(client, cfg.Database, cfg.Collection, logger), nil
}

func (m *MongoCollection) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoCollection) EnsureIndexes(ctx context.Context, fields []string) error {
	var errs []error
	for _, field := range fields {
		name, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: field, Value: 1}},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", field, err))
			continue
		}
		m.logger.Debug("index ready", zap.String("index", name))
	}
	return errors.Join(errs...)
}

func (m *MongoCollection) InsertOne(ctx context.Context, doc Document) (CreateResult, error) {
	oid := primitive.NewObjectID()
	body := bson.M(doc.WithoutID())
	body[IDField] = oid

	_, err := m.coll.InsertOne(ctx, body)
	if errors.Is(err, mongo.ErrUnacknowledgedWrite) {
		return CreateResult{Acknowledged: false, ID: oid.Hex()}, nil
	}
	if err != nil {
		return CreateResult{}, mongoErr(err)
	}
	return CreateResult{Acknowledged: true, ID: oid.Hex()}, nil
}

func (m *MongoCollection) FindByID(ctx context.Context, id string) (Document, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var raw bson.M
	err = m.coll.FindOne(ctx, bson.M{IDField: oid}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mongoErr(err)
	}
	return fromBSON(raw), nil
}

func (m *MongoCollection) Find(ctx context.Context, filter Filter) (DocumentCursor, error) {
	cur, err := m.coll.Find(ctx, mongoFilter(filter), options.Find().SetProjection(bson.M{IDField: 0}))
	if err != nil {
		return nil, mongoErr(err)
	}
	return &mongoCursor{cur: cur}, nil
}

func (m *MongoCollection) UpdateMany(ctx context.Context, filter Filter, values Document) (UpdateResult, error) {
	res, err := m.coll.UpdateMany(ctx, mongoFilter(filter), bson.M{"$set": bson.M(values)})
	if err != nil {
		return UpdateResult{}, mongoErr(err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (m *MongoCollection) DeleteMany(ctx context.Context, filter Filter) (DeleteResult, error) {
	res, err := m.coll.DeleteMany(ctx, mongoFilter(filter))
	if err != nil {
		return DeleteResult{}, mongoErr(err)
	}
	return DeleteResult{Deleted: res.DeletedCount}, nil
}

func (m *MongoCollection) Count(ctx context.Context, filter Filter) (int64, error) {
	n, err := m.coll.CountDocuments(ctx, mongoFilter(filter))
	return n, mongoErr(err)
}

func (m *MongoCollection) Close(ctx context.Context) error {
	err := m.client.Disconnect(ctx)
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return nil
	}
	return err
}

// mongoCursor adapts *mongo.Cursor, decoding each document as it is reached.
type mongoCursor struct {
	cur *mongo.Cursor
	doc Document
	err error
}

func (c *mongoCursor) Next(ctx context.Context) bool {
	if c.err != nil || !c.cur.Next(ctx) {
		return false
	}
	var raw bson.M
	if err := c.cur.Decode(&raw); err != nil {
		c.err = err
		return false
	}
	c.doc = fromBSON(raw)
	return true
}

func (c *mongoCursor) Document() Document { return c.doc }

func (c *mongoCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.cur.Err()
}

func (c *mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

// fromBSON converts a decoded document, rendering ObjectIDs as hex strings
// and BSON arrays as plain slices.
func fromBSON(raw bson.M) Document {
	out := make(Document, len(raw))
	for k, v := range raw {
		out[k] = fromBSONValue(v)
	}
	return out
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case bson.M:
		return map[string]any(fromBSON(t))
	case bson.A:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = fromBSONValue(el)
		}
		return out
	case bson.D:
		return map[string]any(fromBSON(t.Map()))
	default:
		return v
	}
}

// mongoFilter passes f through, converting a hex string _id into an ObjectID
// so identifiers returned by ReadByID can be used in filters.
func mongoFilter(f Filter) bson.M {
	out := bson.M(f)
	if id, ok := f[IDField].(string); ok {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			out = make(bson.M, len(f))
			for k, v := range f {
				out[k] = v
			}
			out[IDField] = oid
		}
	}
	return out
}

// mongoErr marks errors caused by a disconnected client as ErrStoreUnavailable.
func mongoErr(err error) error {
	if err != nil && errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
