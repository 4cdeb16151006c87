package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snapsync/snapsync/internal/record"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// mongoIDField is MongoDB's own document identifier; records are addressed
// by _key instead, so a caller-supplied _id is never persisted.
const mongoIDField = "_id"

// MongoDriver implements Driver on MongoDB: a dataset is a database and a
// collection is a collection inside it.
type MongoDriver struct {
	client *mongo.Client
	logger *logrus.Logger
}

// MongoOptions configures the MongoDB backend.
type MongoOptions struct {
	URI            string
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

// NewMongoDriver connects to MongoDB and verifies the primary is reachable.
func NewMongoDriver(ctx context.Context, opts MongoOptions) (*MongoDriver, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetServerSelectionTimeout(opts.ConnectTimeout).
		SetConnectTimeout(opts.ConnectTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach mongodb: %w", err)
	}

	opts.Logger.Info("MongoDB record store initialized")
	return &MongoDriver{client: client, logger: opts.Logger}, nil
}

// Name returns "mongo".
func (d *MongoDriver) Name() string { return BackendMongo }

func (d *MongoDriver) collection(scope record.Scope) *mongo.Collection {
	return d.client.Database(scope.Dataset).Collection(scope.Collection)
}

// DeleteWhereKeyNotIn issues a single deleteMany with $nin.
func (d *MongoDriver) DeleteWhereKeyNotIn(ctx context.Context, scope record.Scope, keys []string) (int64, error) {
	if keys == nil {
		keys = []string{}
	}
	res, err := d.collection(scope).DeleteMany(ctx, bson.M{record.FieldKey: bson.M{"$nin": keys}})
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", scope, err)
	}
	return res.DeletedCount, nil
}

// EnsureUniqueIndex creates an ascending unique index on field. Creating an
// identical index again is a no-op on the server.
func (d *MongoDriver) EnsureUniqueIndex(ctx context.Context, scope record.Scope, field string) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq" + field),
	}
	if _, err := d.collection(scope).Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("create index on %s: %w", scope, err)
	}
	return nil
}

// BulkUpsertUnordered sends one unordered bulkWrite of replaceOne upserts.
// Per-operation write errors are mapped back to document positions.
func (d *MongoDriver) BulkUpsertUnordered(ctx context.Context, scope record.Scope, docs []*record.Document) (*BulkResult, error) {
	result := &BulkResult{}
	if len(docs) == 0 {
		return result, nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		replacement := doc.Flatten()
		delete(replacement, mongoIDField)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{record.FieldKey: doc.Key}).
			SetReplacement(replacement).
			SetUpsert(true))
	}

	_, err := d.collection(scope).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		result.Upserted = len(docs)
		return result, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return nil, fmt.Errorf("bulk write to %s: %w", scope, err)
	}
	for _, we := range bwe.WriteErrors {
		if we.Index < 0 || we.Index >= len(docs) {
			continue
		}
		result.Errors = append(result.Errors, WriteError{
			Index: we.Index,
			Key:   docs[we.Index].Key,
			Err:   fmt.Errorf("mongo write error %d: %s", we.Code, we.Message),
		})
	}
	result.Upserted = len(docs) - len(result.Errors)
	return result, nil
}

// Find queries the collection sorted by _key.
func (d *MongoDriver) Find(ctx context.Context, scope record.Scope, opts FindOptions) ([]*record.Document, error) {
	filter := bson.M{}
	if opts.Text != "" {
		fields := opts.Fields
		if len(fields) == 0 {
			fields = []string{record.FieldKey}
		}
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(opts.Text), Options: "i"}
		or := make(bson.A, 0, len(fields))
		for _, field := range fields {
			or = append(or, bson.M{field: pattern})
		}
		filter["$or"] = or
	}

	findOpts := options.Find().SetSort(bson.D{{Key: record.FieldKey, Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := d.collection(scope).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", scope, err)
	}
	defer cursor.Close(ctx)

	var docs []*record.Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		flat, _ := fromBSON(raw).(map[string]any)
		delete(flat, mongoIDField)
		doc, err := record.FromFlat(flat)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, cursor.Err()
}

// Ping checks the primary is reachable.
func (d *MongoDriver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (d *MongoDriver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.logger.Info("Closing MongoDB record store")
	return d.client.Disconnect(ctx)
}

// fromBSON converts decoded BSON values into the plain Go types FromFlat
// understands.
func fromBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromBSON(item)
		}
		return out
	case int32:
		return int64(val)
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.ObjectID:
		return val.Hex()
	case primitive.Decimal128:
		return val.String()
	default:
		return val
	}
}

var _ Driver = (*MongoDriver)(nil)
